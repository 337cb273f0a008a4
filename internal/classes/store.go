package classes

import (
	"context"
	"database/sql"
)

type Store struct{ db *sql.DB }

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// GET /classes/:class_id/faculty
func (s *Store) ListAssignments(ctx context.Context, classID string) ([]Assignment, error) {
	const q = `
		SELECT class_id, faculty_id
		FROM faculty_classes
		WHERE class_id = ?
		ORDER BY faculty_id
	`
	rows, err := s.db.QueryContext(ctx, q, classID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := make([]Assignment, 0, 4)
	for rows.Next() {
		var a Assignment
		if err := rows.Scan(&a.ClassID, &a.FacultyID); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Store) Assign(ctx context.Context, classID, facultyID string) error {
	const q = `INSERT INTO faculty_classes (faculty_id, class_id) VALUES (?, ?)`
	_, err := s.db.ExecContext(ctx, q, facultyID, classID)
	return err
}

// 該当なしは sql.ErrNoRows
func (s *Store) Unassign(ctx context.Context, classID, facultyID string) error {
	const q = `DELETE FROM faculty_classes WHERE faculty_id = ? AND class_id = ?`
	res, err := s.db.ExecContext(ctx, q, facultyID, classID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
