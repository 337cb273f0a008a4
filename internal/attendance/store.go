package attendance

import (
	"context"
	"crypto/subtle"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Store is the persistence contract of the session engine. Every mutating
// method is a single conditional update; callers never read-then-write.
type Store interface {
	CreateSession(ctx context.Context, s Session, records []AttendanceRecord) error
	GetSession(ctx context.Context, sessionID string) (Session, error)
	// FindByToken resolves the session that issued token, current or
	// superseded.
	FindByToken(ctx context.Context, token string) (Session, error)
	ListActiveSessions(ctx context.Context) ([]Session, error)
	// RotateToken replaces the current token; ErrSessionClosed once closed.
	RotateToken(ctx context.Context, sessionID, token string, issuedAt time.Time) error
	// CloseSession reports false when the session was already closed.
	CloseSession(ctx context.Context, sessionID string, at time.Time) (bool, error)
	GetRecord(ctx context.Context, sessionID, studentID string) (AttendanceRecord, error)
	// MarkPresent flips ABSENT->PRESENT only while the session is ACTIVE and
	// token is still its current token.
	MarkPresent(ctx context.Context, sessionID, studentID, token string, at time.Time) (AttendanceRecord, error)
	ListRecords(ctx context.Context, sessionID string) ([]AttendanceRecord, error)
}

// ===== in-memory =====

type recordState struct {
	status   Status
	markedAt time.Time
}

var absentState = &recordState{status: StatusAbsent}

type memRecord struct {
	name  string
	state atomic.Pointer[recordState]
}

type memSession struct {
	// close/rotate は Lock、マークは RLock（学生同士は直列化しない）
	mu      sync.RWMutex
	s       Session
	records map[string]*memRecord
}

type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memSession
	// 発行済みトークン -> sessionID（失効後も残す）
	byToken map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*memSession),
		byToken:  make(map[string]string),
	}
}

func (m *MemoryStore) lookup(sessionID string) (*memSession, error) {
	m.mu.RLock()
	ms, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return ms, nil
}

func (m *MemoryStore) CreateSession(_ context.Context, s Session, records []AttendanceRecord) error {
	ms := &memSession{s: s, records: make(map[string]*memRecord, len(records))}
	for _, r := range records {
		if _, dup := ms.records[r.StudentID]; dup {
			return ErrConflict("duplicate student " + r.StudentID)
		}
		rec := &memRecord{name: r.StudentName}
		rec.state.Store(absentState)
		ms.records[r.StudentID] = rec
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.ID]; exists {
		return ErrConflict("session already exists")
	}
	m.sessions[s.ID] = ms
	if s.CurrentToken != "" {
		m.byToken[s.CurrentToken] = s.ID
	}
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, sessionID string) (Session, error) {
	ms, err := m.lookup(sessionID)
	if err != nil {
		return Session{}, err
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.s, nil
}

func (m *MemoryStore) FindByToken(ctx context.Context, token string) (Session, error) {
	m.mu.RLock()
	id, ok := m.byToken[token]
	m.mu.RUnlock()
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return m.GetSession(ctx, id)
}

func (m *MemoryStore) ListActiveSessions(_ context.Context) ([]Session, error) {
	m.mu.RLock()
	all := make([]*memSession, 0, len(m.sessions))
	for _, ms := range m.sessions {
		all = append(all, ms)
	}
	m.mu.RUnlock()

	var out []Session
	for _, ms := range all {
		ms.mu.RLock()
		if ms.s.Active() {
			out = append(out, ms.s)
		}
		ms.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) RotateToken(_ context.Context, sessionID, token string, issuedAt time.Time) error {
	ms, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	ms.mu.Lock()
	if !ms.s.Active() {
		ms.mu.Unlock()
		return ErrSessionClosed
	}
	ms.s.CurrentToken = token
	ms.s.TokenIssuedAt = issuedAt
	ms.mu.Unlock()

	m.mu.Lock()
	m.byToken[token] = sessionID
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) CloseSession(_ context.Context, sessionID string, at time.Time) (bool, error) {
	ms, err := m.lookup(sessionID)
	if err != nil {
		return false, err
	}
	ms.mu.Lock()
	if !ms.s.Active() {
		ms.mu.Unlock()
		return false, nil
	}
	closedAt := at
	ms.s.State = StateClosed
	ms.s.ClosedAt = &closedAt
	ms.s.CurrentToken = ""
	ms.mu.Unlock()
	return true, nil
}

func (m *MemoryStore) GetRecord(_ context.Context, sessionID, studentID string) (AttendanceRecord, error) {
	ms, err := m.lookup(sessionID)
	if err != nil {
		return AttendanceRecord{}, err
	}
	rec, ok := ms.records[studentID]
	if !ok {
		return AttendanceRecord{}, ErrStudentNotEnrolled
	}
	return toRecord(sessionID, studentID, rec), nil
}

func (m *MemoryStore) MarkPresent(_ context.Context, sessionID, studentID, token string, at time.Time) (AttendanceRecord, error) {
	ms, err := m.lookup(sessionID)
	if err != nil {
		return AttendanceRecord{}, err
	}
	rec, ok := ms.records[studentID]
	if !ok {
		return AttendanceRecord{}, ErrStudentNotEnrolled
	}

	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if !ms.s.Active() {
		return AttendanceRecord{}, ErrSessionClosed
	}
	if subtle.ConstantTimeCompare([]byte(ms.s.CurrentToken), []byte(token)) != 1 {
		return AttendanceRecord{}, ErrInvalidToken
	}

	cur := rec.state.Load()
	if cur.status != StatusAbsent {
		return AttendanceRecord{}, ErrDuplicateMark
	}
	if !rec.state.CompareAndSwap(cur, &recordState{status: StatusPresent, markedAt: at}) {
		return AttendanceRecord{}, ErrDuplicateMark
	}
	return toRecord(sessionID, studentID, rec), nil
}

func (m *MemoryStore) ListRecords(_ context.Context, sessionID string) ([]AttendanceRecord, error) {
	ms, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]AttendanceRecord, 0, len(ms.records))
	for id, rec := range ms.records {
		out = append(out, toRecord(sessionID, id, rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })
	return out, nil
}

func toRecord(sessionID, studentID string, rec *memRecord) AttendanceRecord {
	st := rec.state.Load()
	r := AttendanceRecord{
		SessionID:   sessionID,
		StudentID:   studentID,
		StudentName: rec.name,
		Status:      st.status,
	}
	if st.status == StatusPresent {
		t := st.markedAt
		r.MarkedAt = &t
	}
	return r
}
