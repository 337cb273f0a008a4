package attendance

import (
	"encoding/json"
	"strconv"
	"time"
)

// Period は "3" でも 3 でも受ける
type Period string

func (p *Period) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*p = Period(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*p = Period(n.String())
	return nil
}

type CreateSessionRequest struct {
	ClassID   string `json:"classId" binding:"required"`
	SubjectID string `json:"subjectId" binding:"required"`
	Period    Period `json:"period" binding:"required"`
}

type CreateSessionResponse struct {
	SessionID string    `json:"sessionId"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	ClosesAt  time.Time `json:"closesAt"`
}

type ScanRequest struct {
	Token     string `json:"token" binding:"required"`
	StudentID string `json:"studentId"`
	// クライアント時刻は参考値（判定には使わない）
	ScannedAt *string `json:"scannedAt,omitempty"`
}

type ScanResponse struct {
	Message   string    `json:"message"`
	SessionID string    `json:"sessionId"`
	StudentID string    `json:"studentId"`
	MarkedAt  time.Time `json:"markedAt"`
}

type SessionResponse struct {
	SessionID      string     `json:"sessionId"`
	ClassID        string     `json:"classId"`
	SubjectID      string     `json:"subjectId"`
	Period         string     `json:"period"`
	FacultyID      string     `json:"facultyId"`
	State          State      `json:"state"`
	CreatedAt      time.Time  `json:"createdAt"`
	ClosesAt       time.Time  `json:"closesAt"`
	ClosedAt       *time.Time `json:"closedAt,omitempty"`
	Token          string     `json:"token,omitempty"`
	TokenExpiresAt *time.Time `json:"tokenExpiresAt,omitempty"`
	Present        int        `json:"present"`
	Absent         int        `json:"absent"`
}

type RecordResponse struct {
	StudentID string     `json:"studentId"`
	Name      string     `json:"name"`
	Status    Status     `json:"status"`
	MarkedAt  *time.Time `json:"markedAt,omitempty"`
}

type RecordsResponse struct {
	SessionID string           `json:"sessionId"`
	State     State            `json:"state"`
	Records   []RecordResponse `json:"records"`
}

func toSessionDTO(s Session, t Tally) SessionResponse {
	out := SessionResponse{
		SessionID: s.ID,
		ClassID:   s.ClassID,
		SubjectID: s.SubjectID,
		Period:    s.Period,
		FacultyID: s.FacultyID,
		State:     s.State,
		CreatedAt: s.CreatedAt,
		ClosesAt:  s.Deadline(),
		ClosedAt:  s.ClosedAt,
		Present:   t.Present,
		Absent:    t.Absent,
	}
	if s.Active() {
		exp := s.TokenExpiresAt()
		out.Token = s.CurrentToken
		out.TokenExpiresAt = &exp
	}
	return out
}

func toRecordDTO(r AttendanceRecord) RecordResponse {
	return RecordResponse{
		StudentID: r.StudentID,
		Name:      r.StudentName,
		Status:    r.Status,
		MarkedAt:  r.MarkedAt,
	}
}

func parseBoolDefault(s string, d bool) bool {
	if s == "" {
		return d
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return d
	}
	return v
}
