// Package classes manages the master data the attendance engine reads:
// which faculty teach a class and which students are enrolled in it.
package classes

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/go-sql-driver/mysql"

	"SCAA-backend/internal/roster"
)

// ===== Error model (attendance と同型) =====
type Code string

const (
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeNotFound        Code = "NOT_FOUND"
	CodeConflict        Code = "CONFLICT"
	CodeInternal        Code = "INTERNAL"
)

type APIError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string      { return fmt.Sprintf("%s: %s", e.Code, e.Message) }
func ErrInvalid(msg string) *APIError  { return &APIError{Code: CodeInvalidArgument, Message: msg} }
func ErrNotFound(msg string) *APIError { return &APIError{Code: CodeNotFound, Message: msg} }
func ErrConflict(msg string) *APIError { return &APIError{Code: CodeConflict, Message: msg} }
func ErrInternal(msg string) *APIError { return &APIError{Code: CodeInternal, Message: msg} }

func toHTTPStatus(err error) int {
	var api *APIError
	if errors.As(err, &api) {
		switch api.Code {
		case CodeInvalidArgument:
			return 400
		case CodeNotFound:
			return 404
		case CodeConflict:
			return 409
		default:
			return 500
		}
	}
	return 500
}

// Enroller is the writable side of the roster.
type Enroller interface {
	roster.Provider
	Enroll(ctx context.Context, classID string, s roster.Student) error
}

type AssignmentStore interface {
	ListAssignments(ctx context.Context, classID string) ([]Assignment, error)
	Assign(ctx context.Context, classID, facultyID string) error
	Unassign(ctx context.Context, classID, facultyID string) error
}

type Service struct {
	store  AssignmentStore
	roster Enroller
}

func NewService(db *sql.DB, r Enroller) *Service { return NewServiceWithStore(NewStore(db), r) }

func NewServiceWithStore(store AssignmentStore, r Enroller) *Service {
	return &Service{store: store, roster: r}
}

func normalizeID(field, v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", ErrInvalid(field + " is required")
	}
	return v, nil
}

func isDuplicateKey(err error) bool {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == 1062
	}
	return false
}

// ===== faculty =====

func (s *Service) ListFaculty(ctx context.Context, classID string) ([]Assignment, error) {
	cid, err := normalizeID("classId", classID)
	if err != nil {
		return nil, err
	}
	res, err := s.store.ListAssignments(ctx, cid)
	if err != nil {
		log.Printf("[ERROR] list faculty for %s: %v", cid, err)
		return nil, ErrInternal("failed to list faculty")
	}
	return res, nil
}

func (s *Service) AssignFaculty(ctx context.Context, classID, facultyID string) (*Assignment, error) {
	cid, err := normalizeID("classId", classID)
	if err != nil {
		return nil, err
	}
	fid, err := normalizeID("facultyId", facultyID)
	if err != nil {
		return nil, err
	}

	if err := s.store.Assign(ctx, cid, fid); err != nil {
		if isDuplicateKey(err) {
			return nil, ErrConflict("faculty already assigned")
		}
		log.Printf("[ERROR] assign %s to %s: %v", fid, cid, err)
		return nil, ErrInternal("failed to assign faculty")
	}
	log.Printf("[INFO] faculty %s assigned to class %s", fid, cid)
	return &Assignment{ClassID: cid, FacultyID: fid}, nil
}

func (s *Service) UnassignFaculty(ctx context.Context, classID, facultyID string) error {
	err := s.store.Unassign(ctx, strings.TrimSpace(classID), strings.TrimSpace(facultyID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound("assignment not found")
		}
		return ErrInternal("failed to unassign faculty")
	}
	return nil
}

// ===== roster =====

func (s *Service) ListStudents(ctx context.Context, classID string) ([]Student, error) {
	cid, err := normalizeID("classId", classID)
	if err != nil {
		return nil, err
	}
	list, err := s.roster.GetRoster(ctx, cid)
	if errors.Is(err, roster.ErrClassNotFound) {
		return []Student{}, nil
	}
	if err != nil {
		log.Printf("[ERROR] roster %s: %v", cid, err)
		return nil, ErrInternal("failed to read roster")
	}
	res := make([]Student, 0, len(list))
	for _, st := range list {
		res = append(res, Student{ID: st.ID, Name: st.Name})
	}
	return res, nil
}

// Enroll は同じ学生IDなら上書き（氏名変更）
func (s *Service) Enroll(ctx context.Context, classID, studentID, name string) (*Student, error) {
	cid, err := normalizeID("classId", classID)
	if err != nil {
		return nil, err
	}
	sid, err := normalizeID("id", studentID)
	if err != nil {
		return nil, err
	}
	n, err := normalizeID("name", name)
	if err != nil {
		return nil, err
	}
	if err := s.roster.Enroll(ctx, cid, roster.Student{ID: sid, Name: n}); err != nil {
		log.Printf("[ERROR] enroll %s in %s: %v", sid, cid, err)
		return nil, ErrInternal("failed to enroll student")
	}
	return &Student{ID: sid, Name: n}, nil
}
