package attendance

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"SCAA-backend/internal/platform/db"
)

const (
	mysqlErrDuplicateEntry = 1062
	insertChunk            = 500
)

// SQLStore is the MySQL implementation of Store. The marking CAS is a single
// UPDATE joined against the session row.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(conn *sql.DB) *SQLStore { return &SQLStore{db: conn} }

const sessionColumns = `session_id, class_id, faculty_id, subject_id, period, state, created_at,
	closed_at, max_duration_ms, current_token, token_issued_at, token_ttl_ms`

// DB行に対応（スキャン用）
type sessionRow struct {
	ID            string
	ClassID       string
	FacultyID     string
	SubjectID     string
	Period        string
	State         string
	CreatedAt     time.Time
	ClosedAt      sql.NullTime
	MaxDurationMS int64
	CurrentToken  sql.NullString
	TokenIssuedAt sql.NullTime
	TokenTTLMS    int64
}

func (r sessionRow) toModel() Session {
	s := Session{
		ID:           r.ID,
		ClassID:      r.ClassID,
		FacultyID:    r.FacultyID,
		SubjectID:    r.SubjectID,
		Period:       r.Period,
		State:        State(r.State),
		CreatedAt:    r.CreatedAt.UTC(),
		MaxDuration:  time.Duration(r.MaxDurationMS) * time.Millisecond,
		CurrentToken: r.CurrentToken.String,
		TokenTTL:     time.Duration(r.TokenTTLMS) * time.Millisecond,
	}
	if r.ClosedAt.Valid {
		t := r.ClosedAt.Time.UTC()
		s.ClosedAt = &t
	}
	if r.TokenIssuedAt.Valid {
		s.TokenIssuedAt = r.TokenIssuedAt.Time.UTC()
	}
	return s
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(sc rowScanner) (Session, error) {
	var r sessionRow
	err := sc.Scan(&r.ID, &r.ClassID, &r.FacultyID, &r.SubjectID, &r.Period, &r.State, &r.CreatedAt,
		&r.ClosedAt, &r.MaxDurationMS, &r.CurrentToken, &r.TokenIssuedAt, &r.TokenTTLMS)
	if err != nil {
		return Session{}, err
	}
	return r.toModel(), nil
}

func (s *SQLStore) CreateSession(ctx context.Context, sess Session, records []AttendanceRecord) error {
	err := db.RunInTx(ctx, s.db, nil, func(ctx context.Context, tx db.DBTX) error {
		_, err := tx.ExecContext(ctx, `
		INSERT INTO attendance_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?, ?)`,
			sess.ID, sess.ClassID, sess.FacultyID, sess.SubjectID, sess.Period, string(sess.State), sess.CreatedAt,
			sess.MaxDuration.Milliseconds(), nullString(sess.CurrentToken), sess.TokenIssuedAt, sess.TokenTTL.Milliseconds())
		if err != nil {
			return err
		}
		if sess.CurrentToken != "" {
			if err := insertToken(ctx, tx, sess.ID, sess.CurrentToken, sess.TokenIssuedAt); err != nil {
				return err
			}
		}

		// 一括 INSERT（チャンク分割）
		for start := 0; start < len(records); start += insertChunk {
			end := start + insertChunk
			if end > len(records) {
				end = len(records)
			}
			var (
				buf  bytes.Buffer
				args []any
			)
			buf.WriteString(`INSERT INTO attendance_records (session_id, student_id, student_name, status, marked_at) VALUES `)
			for i, r := range records[start:end] {
				if i > 0 {
					buf.WriteString(", ")
				}
				buf.WriteString("(?, ?, ?, ?, NULL)")
				args = append(args, sess.ID, r.StudentID, r.StudentName, string(StatusAbsent))
			}
			if _, err := tx.ExecContext(ctx, buf.String(), args...); err != nil {
				return err
			}
		}
		return nil
	})
	if isDuplicate(err) {
		return ErrConflict("session or record already exists")
	}
	return err
}

func insertToken(ctx context.Context, tx db.DBTX, sessionID, token string, issuedAt time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO attendance_tokens (token, session_id, issued_at) VALUES (?, ?, ?)`,
		token, sessionID, issuedAt)
	return err
}

func (s *SQLStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM attendance_sessions WHERE session_id = ?`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return sess, nil
}

func (s *SQLStore) FindByToken(ctx context.Context, token string) (Session, error) {
	var sessionID string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id FROM attendance_tokens WHERE token = ?`, token).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("find by token: %w", err)
	}
	return s.GetSession(ctx, sessionID)
}

func (s *SQLStore) ListActiveSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM attendance_sessions WHERE state = ? ORDER BY session_id`, string(StateActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLStore) RotateToken(ctx context.Context, sessionID, token string, issuedAt time.Time) error {
	return db.RunInTx(ctx, s.db, nil, func(ctx context.Context, tx db.DBTX) error {
		res, err := tx.ExecContext(ctx, `
		UPDATE attendance_sessions
		SET current_token = ?, token_issued_at = ?
		WHERE session_id = ? AND state = ?`,
			token, issuedAt, sessionID, string(StateActive))
		if err != nil {
			return err
		}
		aff, _ := res.RowsAffected()
		if aff != 1 {
			return s.classifySession(ctx, tx, sessionID)
		}
		return insertToken(ctx, tx, sessionID, token, issuedAt)
	})
}

// classifySession: 更新0件の理由（未存在 or CLOSED）
func (s *SQLStore) classifySession(ctx context.Context, q db.DBTX, sessionID string) error {
	var state string
	err := q.QueryRowContext(ctx,
		`SELECT state FROM attendance_sessions WHERE session_id = ?`, sessionID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return err
	}
	if State(state) != StateActive {
		return ErrSessionClosed
	}
	return ErrInternal("session update affected no rows")
}

func (s *SQLStore) CloseSession(ctx context.Context, sessionID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
	UPDATE attendance_sessions
	SET state = ?, closed_at = ?, current_token = NULL
	WHERE session_id = ? AND state = ?`,
		string(StateClosed), at, sessionID, string(StateActive))
	if err != nil {
		return false, err
	}
	aff, _ := res.RowsAffected()
	if aff == 1 {
		return true, nil
	}
	if err := s.classifySession(ctx, s.db, sessionID); !errors.Is(err, ErrSessionClosed) {
		return false, err
	}
	return false, nil
}

func (s *SQLStore) GetRecord(ctx context.Context, sessionID, studentID string) (AttendanceRecord, error) {
	row := s.db.QueryRowContext(ctx, `
	SELECT session_id, student_id, student_name, status, marked_at
	FROM attendance_records
	WHERE session_id = ? AND student_id = ?`, sessionID, studentID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return AttendanceRecord{}, ErrStudentNotEnrolled
	}
	return rec, err
}

func (s *SQLStore) MarkPresent(ctx context.Context, sessionID, studentID, token string, at time.Time) (AttendanceRecord, error) {
	// CAS: ABSENT かつ セッション ACTIVE かつ 現行トークン一致のときだけ更新
	res, err := s.db.ExecContext(ctx, `
	UPDATE attendance_records r
	JOIN attendance_sessions s ON s.session_id = r.session_id
	SET r.status = ?, r.marked_at = ?
	WHERE r.session_id = ?
	AND r.student_id = ?
	AND r.status = ?
	AND s.state = ?
	AND s.current_token = ?`,
		string(StatusPresent), at, sessionID, studentID, string(StatusAbsent), string(StateActive), token)
	if err != nil {
		return AttendanceRecord{}, err
	}
	aff, _ := res.RowsAffected()
	if aff == 1 {
		return s.GetRecord(ctx, sessionID, studentID)
	}
	return AttendanceRecord{}, s.classifyMark(ctx, sessionID, studentID, token)
}

func (s *SQLStore) classifyMark(ctx context.Context, sessionID, studentID, token string) error {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !sess.Active() {
		return ErrSessionClosed
	}
	rec, err := s.GetRecord(ctx, sessionID, studentID)
	if err != nil {
		return err
	}
	if rec.Status == StatusPresent {
		return ErrDuplicateMark
	}
	if sess.CurrentToken != token {
		return ErrInvalidToken
	}
	return ErrInternal("mark affected no rows")
}

func (s *SQLStore) ListRecords(ctx context.Context, sessionID string) ([]AttendanceRecord, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
	SELECT session_id, student_id, student_name, status, marked_at
	FROM attendance_records
	WHERE session_id = ?
	ORDER BY student_id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AttendanceRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(sc rowScanner) (AttendanceRecord, error) {
	var (
		r        AttendanceRecord
		status   string
		markedAt sql.NullTime
	)
	if err := sc.Scan(&r.SessionID, &r.StudentID, &r.StudentName, &status, &markedAt); err != nil {
		return AttendanceRecord{}, err
	}
	r.Status = Status(status)
	if markedAt.Valid {
		t := markedAt.Time.UTC()
		r.MarkedAt = &t
	}
	return r, nil
}

// ===== helpers =====

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlErrDuplicateEntry
}
