package attendance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"SCAA-backend/internal/broadcast"
	"SCAA-backend/internal/platform/auth"
	"SCAA-backend/internal/roster"
)

// Authorizer is the identity collaborator.
type Authorizer interface {
	Authorize(ctx context.Context, actorID, role, classID string) (bool, error)
}

type AuthorizerFunc func(ctx context.Context, actorID, role, classID string) (bool, error)

func (f AuthorizerFunc) Authorize(ctx context.Context, actorID, role, classID string) (bool, error) {
	return f(ctx, actorID, role, classID)
}

type Settings struct {
	TokenTTL    time.Duration
	MaxDuration time.Duration
}

// Deps: nil の項目は既定実装で埋める
type Deps struct {
	Store     Store
	Roster    roster.Provider
	Authz     Authorizer
	Publisher Publisher
	Clock     Clock
	IDs       IDGen
	Tokens    TokenSource
}

type CreateSessionInput struct {
	ClassID   string
	FacultyID string
	SubjectID string
	Period    string
}

// Manager is the facade the HTTP layer talks to: it owns session lifecycle,
// rotation and auto-close, and delegates scans to the Processor.
type Manager struct {
	store   Store
	roster  roster.Provider
	authz   Authorizer
	pub     Publisher
	clock   Clock
	ids     IDGen
	tokens  TokenSource
	cfg     Settings
	rotator *Rotator
	marker  *Processor

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewManager(d Deps, cfg Settings) *Manager {
	if d.Store == nil {
		d.Store = NewMemoryStore()
	}
	if d.Clock == nil {
		d.Clock = realClock{}
	}
	if d.IDs == nil {
		d.IDs = ulidGen{}
	}
	if d.Tokens == nil {
		d.Tokens = randomTokens{}
	}
	if d.Publisher == nil {
		d.Publisher = broadcast.NewHub()
	}
	if d.Roster == nil {
		d.Roster = roster.NewStatic(nil)
	}
	if d.Authz == nil {
		d.Authz = AuthorizerFunc(func(context.Context, string, string, string) (bool, error) { return false, nil })
	}
	return &Manager{
		store:   d.Store,
		roster:  d.Roster,
		authz:   d.Authz,
		pub:     d.Publisher,
		clock:   d.Clock,
		ids:     d.IDs,
		tokens:  d.Tokens,
		cfg:     cfg,
		rotator: NewRotator(d.Store, d.Tokens, d.Clock, d.Publisher),
		marker:  NewProcessor(d.Store, d.Publisher, d.Clock),
		timers:  make(map[string]*time.Timer),
	}
}

// セッション開始
func (m *Manager) CreateSession(ctx context.Context, in CreateSessionInput) (Session, error) {
	in.ClassID = strings.TrimSpace(in.ClassID)
	in.SubjectID = strings.TrimSpace(in.SubjectID)
	in.Period = strings.TrimSpace(in.Period)
	if in.ClassID == "" || in.SubjectID == "" || in.Period == "" {
		return Session{}, ErrInvalid("classId, subjectId and period are required")
	}
	if in.FacultyID == "" {
		return Session{}, ErrUnauthorized
	}

	ok, err := m.authz.Authorize(ctx, in.FacultyID, auth.RoleFaculty, in.ClassID)
	if err != nil {
		return Session{}, fmt.Errorf("authorize %s: %w", in.FacultyID, err)
	}
	if !ok {
		return Session{}, ErrUnauthorized
	}

	students, err := m.roster.GetRoster(ctx, in.ClassID)
	if err != nil || len(students) == 0 {
		if err != nil {
			log.Printf("[WARN] roster for %s unavailable: %v", in.ClassID, err)
		}
		return Session{}, ErrRosterUnavailable
	}

	id, err := m.ids.New()
	if err != nil {
		return Session{}, err
	}
	token, err := m.tokens.NewToken()
	if err != nil {
		return Session{}, err
	}
	now := m.clock.Now()

	sess := Session{
		ID:            id,
		ClassID:       in.ClassID,
		FacultyID:     in.FacultyID,
		SubjectID:     in.SubjectID,
		Period:        in.Period,
		State:         StateActive,
		CreatedAt:     now,
		MaxDuration:   m.cfg.MaxDuration,
		CurrentToken:  token,
		TokenIssuedAt: now,
		TokenTTL:      m.cfg.TokenTTL,
	}

	// 名簿の重複は1件にまとめる
	seen := make(map[string]struct{}, len(students))
	records := make([]AttendanceRecord, 0, len(students))
	for _, st := range students {
		if _, dup := seen[st.ID]; dup || st.ID == "" {
			continue
		}
		seen[st.ID] = struct{}{}
		records = append(records, AttendanceRecord{
			SessionID:   id,
			StudentID:   st.ID,
			StudentName: st.Name,
			Status:      StatusAbsent,
		})
	}

	if err := m.store.CreateSession(ctx, sess, records); err != nil {
		return Session{}, err
	}

	m.rotator.Start(id, sess.TokenTTL)
	m.armAutoClose(id, sess.Deadline())

	log.Printf("[INFO] session %s opened: class=%s subject=%s period=%s faculty=%s students=%d",
		id, sess.ClassID, sess.SubjectID, sess.Period, sess.FacultyID, len(records))
	return sess, nil
}

// CloseSession is idempotent for the owner (or any faculty authorised for
// the class).
func (m *Manager) CloseSession(ctx context.Context, sessionID, actorID string) error {
	if _, err := m.authorizeFaculty(ctx, sessionID, actorID); err != nil {
		return err
	}
	_, err := m.close(ctx, sessionID, "closed by "+actorID)
	return err
}

func (m *Manager) close(ctx context.Context, sessionID, reason string) (bool, error) {
	m.rotator.feed.Lock()
	now := m.clock.Now()
	closed, err := m.store.CloseSession(ctx, sessionID, now)
	if err == nil && closed {
		m.pub.Publish(broadcast.Event{
			Type:      broadcast.TypeSessionClosed,
			SessionID: sessionID,
			Time:      now,
		})
	}
	m.rotator.feed.Unlock()
	if err != nil {
		return false, err
	}

	// store 上で CLOSED 確定後に止める（遅れた tick は RotateToken で弾かれる）
	m.rotator.Stop(sessionID)
	m.cancelAutoClose(sessionID)

	if closed {
		log.Printf("[INFO] session %s closed (%s)", sessionID, reason)
	}
	return closed, nil
}

// Scan は Processor に委譲
func (m *Manager) Scan(ctx context.Context, in ScanInput) (MarkResult, error) {
	return m.marker.Scan(ctx, in)
}

// GetSession returns the session (including its current token) to faculty.
func (m *Manager) GetSession(ctx context.Context, sessionID, actorID string) (Session, Tally, error) {
	sess, err := m.authorizeFaculty(ctx, sessionID, actorID)
	if err != nil {
		return Session{}, Tally{}, err
	}
	records, err := m.store.ListRecords(ctx, sessionID)
	if err != nil {
		return Session{}, Tally{}, err
	}
	return sess, tally(records), nil
}

func (m *Manager) ListRecords(ctx context.Context, sessionID, actorID string) (Session, []AttendanceRecord, error) {
	sess, err := m.authorizeFaculty(ctx, sessionID, actorID)
	if err != nil {
		return Session{}, nil, err
	}
	records, err := m.store.ListRecords(ctx, sessionID)
	if err != nil {
		return Session{}, nil, err
	}
	return sess, records, nil
}

// CanObserve checks that actor may subscribe to the session's live feed.
func (m *Manager) CanObserve(ctx context.Context, sessionID, actorID string) (Session, error) {
	return m.authorizeFaculty(ctx, sessionID, actorID)
}

// Snapshot emits the live-feed state of each session: the current token
// while ACTIVE, SESSION_CLOSED otherwise. Rotations and closes are held off
// while it runs, so when emit feeds an already registered subscriber nothing
// published later can be older than the snapshot.
func (m *Manager) Snapshot(ctx context.Context, sessionIDs []string, emit func(broadcast.Event)) error {
	m.rotator.feed.Lock()
	defer m.rotator.feed.Unlock()

	for _, id := range sessionIDs {
		sess, err := m.store.GetSession(ctx, id)
		if err != nil {
			return err
		}
		if !sess.Active() {
			closedAt := m.clock.Now()
			if sess.ClosedAt != nil {
				closedAt = *sess.ClosedAt
			}
			emit(broadcast.Event{Type: broadcast.TypeSessionClosed, SessionID: sess.ID, Time: closedAt})
			continue
		}
		exp := sess.TokenExpiresAt()
		emit(broadcast.Event{
			Type:      broadcast.TypeTokenRotated,
			SessionID: sess.ID,
			Token:     sess.CurrentToken,
			ExpiresAt: &exp,
			Time:      sess.TokenIssuedAt,
		})
	}
	return nil
}

func (m *Manager) authorizeFaculty(ctx context.Context, sessionID, actorID string) (Session, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if actorID != "" && sess.FacultyID == actorID {
		return sess, nil
	}
	if actorID == "" {
		return Session{}, ErrUnauthorized
	}
	ok, err := m.authz.Authorize(ctx, actorID, auth.RoleFaculty, sess.ClassID)
	if err != nil {
		return Session{}, fmt.Errorf("authorize %s: %w", actorID, err)
	}
	if !ok {
		return Session{}, ErrUnauthorized
	}
	return sess, nil
}

// Recover は再起動時に ACTIVE のまま残ったセッションを再開 or 締める
func (m *Manager) Recover(ctx context.Context) error {
	sessions, err := m.store.ListActiveSessions(ctx)
	if err != nil {
		return err
	}
	now := m.clock.Now()
	for _, s := range sessions {
		if !now.Before(s.Deadline()) {
			if _, err := m.close(ctx, s.ID, "expired while offline"); err != nil {
				return err
			}
			continue
		}
		// 停止中に期限切れになったトークンは使わせない
		if err := m.rotator.Rotate(ctx, s.ID, s.TokenTTL); err != nil {
			if errors.Is(err, ErrSessionClosed) {
				continue
			}
			return err
		}
		m.rotator.Start(s.ID, s.TokenTTL)
		m.armAutoClose(s.ID, s.Deadline())
		log.Printf("[INFO] session %s resumed, closes at %s", s.ID, s.Deadline().Format(time.RFC3339))
	}
	return nil
}

// Shutdown stops every rotation and auto-close timer; sessions stay ACTIVE
// in the store so Recover can pick them up.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()
	m.rotator.StopAll()
}

func (m *Manager) armAutoClose(sessionID string, deadline time.Time) {
	d := deadline.Sub(m.clock.Now())
	if d < 0 {
		d = 0
	}
	// 登録前に発火しても callback は m.mu 待ちになる（map に発火済みが残らない）
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.timers[sessionID]; ok {
		old.Stop()
	}
	m.timers[sessionID] = time.AfterFunc(d, func() {
		if _, err := m.close(context.Background(), sessionID, "max duration reached"); err != nil {
			log.Printf("[ERROR] auto-close %s failed: %v", sessionID, err)
		}
	})
}

func (m *Manager) cancelAutoClose(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[sessionID]; ok {
		t.Stop()
		delete(m.timers, sessionID)
	}
}
