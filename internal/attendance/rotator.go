package attendance

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"SCAA-backend/internal/broadcast"
)

// Publisher receives engine events (implemented by broadcast.Hub).
type Publisher interface {
	Publish(ev broadcast.Event)
}

type rotation struct {
	stop chan struct{}
	done chan struct{}
}

// Rotator owns one sequential rotation goroutine per session.
type Rotator struct {
	store  Store
	tokens TokenSource
	clock  Clock
	pub    Publisher

	mu      sync.Mutex
	running map[string]*rotation

	// feed: トークン/状態の更新と publish を1単位にする（ライブ画面の初期表示と順序を揃える）
	feed sync.Mutex
}

func NewRotator(store Store, tokens TokenSource, clock Clock, pub Publisher) *Rotator {
	return &Rotator{
		store:   store,
		tokens:  tokens,
		clock:   clock,
		pub:     pub,
		running: make(map[string]*rotation),
	}
}

// Start begins rotating every ttl. A second Start for the same session is a
// no-op and returns false.
func (r *Rotator) Start(sessionID string, ttl time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.running[sessionID]; ok {
		return false
	}
	rot := &rotation{stop: make(chan struct{}), done: make(chan struct{})}
	r.running[sessionID] = rot
	go r.run(sessionID, ttl, rot)
	return true
}

// Stop cancels the session's rotation and waits for an in-flight tick.
func (r *Rotator) Stop(sessionID string) {
	r.mu.Lock()
	rot, ok := r.running[sessionID]
	if ok {
		delete(r.running, sessionID)
		close(rot.stop)
	}
	r.mu.Unlock()
	if ok {
		<-rot.done
	}
}

func (r *Rotator) StopAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.running))
	for id := range r.running {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Stop(id)
	}
}

func (r *Rotator) Running(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[sessionID]
	return ok
}

func (r *Rotator) run(sessionID string, ttl time.Duration, rot *rotation) {
	defer close(rot.done)
	timer := time.NewTimer(ttl)
	defer timer.Stop()

	for {
		select {
		case <-rot.stop:
			return
		case <-timer.C:
		}
		// close と同時に発火した tick は捨てる
		select {
		case <-rot.stop:
			return
		default:
		}

		if err := r.Rotate(context.Background(), sessionID, ttl); err != nil {
			if errors.Is(err, ErrSessionClosed) || errors.Is(err, ErrSessionNotFound) {
				r.forget(sessionID, rot)
				return
			}
			log.Printf("[WARN] token rotation failed: session=%s: %v", sessionID, err)
		}
		timer.Reset(ttl)
	}
}

// Rotate issues a fresh token now and announces it to the session's
// subscribers.
func (r *Rotator) Rotate(ctx context.Context, sessionID string, ttl time.Duration) error {
	token, err := r.tokens.NewToken()
	if err != nil {
		return err
	}
	r.feed.Lock()
	defer r.feed.Unlock()

	now := r.clock.Now()
	if err := r.store.RotateToken(ctx, sessionID, token, now); err != nil {
		return err
	}
	expires := now.Add(ttl)
	r.pub.Publish(broadcast.Event{
		Type:      broadcast.TypeTokenRotated,
		SessionID: sessionID,
		Token:     token,
		ExpiresAt: &expires,
		Time:      now,
	})
	return nil
}

func (r *Rotator) forget(sessionID string, rot *rotation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.running[sessionID]; ok && cur == rot {
		delete(r.running, sessionID)
	}
}
