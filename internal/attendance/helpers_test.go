package attendance

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"SCAA-backend/internal/broadcast"
	"SCAA-backend/internal/roster"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 4, 10, 0, 50, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) New() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("sess-%03d", g.n), nil
}

type seqTokens struct {
	mu sync.Mutex
	n  int
}

func (g *seqTokens) NewToken() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("tok-%04d", g.n), nil
}

type recordingPub struct {
	mu     sync.Mutex
	events []broadcast.Event
}

func (p *recordingPub) Publish(ev broadcast.Event) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

func (p *recordingPub) ofType(typ string) []broadcast.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []broadcast.Event
	for _, ev := range p.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (p *recordingPub) all() []broadcast.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]broadcast.Event, len(p.events))
	copy(out, p.events)
	return out
}

// facultyOf は facultyID -> classID の割り当てだけを見る
func facultyOf(assign map[string]string) Authorizer {
	return AuthorizerFunc(func(_ context.Context, actorID, _ string, classID string) (bool, error) {
		return assign[actorID] == classID, nil
	})
}

type fixture struct {
	mgr    *Manager
	store  *MemoryStore
	clock  *fakeClock
	pub    *recordingPub
	roster *roster.Static
}

// newFixture: "prof" teaches CSE-A with students A, B, C. Long TTLs so the
// background rotator and auto-close stay idle unless a test asks otherwise.
func newFixture(t *testing.T, cfg Settings) *fixture {
	t.Helper()
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = time.Hour
	}
	if cfg.MaxDuration == 0 {
		cfg.MaxDuration = 10 * time.Hour
	}
	f := &fixture{
		store: NewMemoryStore(),
		clock: newFakeClock(),
		pub:   &recordingPub{},
		roster: roster.NewStatic(map[string][]roster.Student{
			"CSE-A": {{ID: "A", Name: "Aoki"}, {ID: "B", Name: "Baba"}, {ID: "C", Name: "Chiba"}},
		}),
	}
	f.mgr = NewManager(Deps{
		Store:     f.store,
		Roster:    f.roster,
		Authz:     facultyOf(map[string]string{"prof": "CSE-A", "other": "CSE-B"}),
		Publisher: f.pub,
		Clock:     f.clock,
		IDs:       &seqIDs{},
		Tokens:    &seqTokens{},
	}, cfg)
	t.Cleanup(f.mgr.Shutdown)
	return f
}

func (f *fixture) open(t *testing.T) Session {
	t.Helper()
	sess, err := f.mgr.CreateSession(context.Background(), CreateSessionInput{
		ClassID: "CSE-A", FacultyID: "prof", SubjectID: "CS101", Period: "2",
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return sess
}

func (f *fixture) statusOf(t *testing.T, sessionID, studentID string) Status {
	t.Helper()
	rec, err := f.store.GetRecord(context.Background(), sessionID, studentID)
	if err != nil {
		t.Fatalf("GetRecord %s: %v", studentID, err)
	}
	return rec.Status
}
