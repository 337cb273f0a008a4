package attendance

import "time"

type State string

const (
	StateActive State = "ACTIVE"
	StateClosed State = "CLOSED"
)

type Status string

const (
	StatusAbsent  Status = "ABSENT"
	StatusPresent Status = "PRESENT"
)

// Session は1コマ分の出席受付
type Session struct {
	ID            string
	ClassID       string
	FacultyID     string
	SubjectID     string
	Period        string
	State         State
	CreatedAt     time.Time
	ClosedAt      *time.Time
	MaxDuration   time.Duration
	CurrentToken  string
	TokenIssuedAt time.Time
	TokenTTL      time.Duration
}

func (s Session) Active() bool { return s.State == StateActive }

// TokenExpiresAt is the instant after which CurrentToken is stale.
func (s Session) TokenExpiresAt() time.Time { return s.TokenIssuedAt.Add(s.TokenTTL) }

// Deadline is the auto-close instant.
func (s Session) Deadline() time.Time { return s.CreatedAt.Add(s.MaxDuration) }

type AttendanceRecord struct {
	SessionID   string
	StudentID   string
	StudentName string
	Status      Status
	MarkedAt    *time.Time
}

// MarkResult is returned by a successful scan.
type MarkResult struct {
	SessionID   string
	StudentID   string
	StudentName string
	MarkedAt    time.Time
}

// 集計
type Tally struct {
	Present int
	Absent  int
}

func tally(records []AttendanceRecord) Tally {
	var t Tally
	for _, r := range records {
		if r.Status == StatusPresent {
			t.Present++
		} else {
			t.Absent++
		}
	}
	return t
}
