// Package broadcast fans attendance events out to the faculty clients
// watching a session.
package broadcast

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	TypeAttendanceUpdate = "ATTENDANCE_UPDATE"
	TypeTokenRotated     = "TOKEN_ROTATED"
	TypeSessionClosed    = "SESSION_CLOSED"

	DefaultBufferSize = 64
)

type Student struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Event is the JSON message pushed to subscribers.
type Event struct {
	Type      string     `json:"type"`
	SessionID string     `json:"sessionId"`
	Student   *Student   `json:"student,omitempty"`
	Token     string     `json:"token,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Time      time.Time  `json:"time"`
}

// Conn is the write side of one client connection.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

type Subscription struct {
	ID       string
	sessions []string
	conn     Conn
	send     chan Event
	done     chan struct{}
	once     sync.Once
}

// Done is closed once the subscription has been removed from the hub.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) Sessions() []string {
	out := make([]string, len(s.sessions))
	copy(out, s.sessions)
	return out
}

// Hub は sessionID ごとの購読者レジストリ
type Hub struct {
	mu         sync.RWMutex
	subs       map[string]map[*Subscription]struct{}
	bufferSize int
}

func NewHub() *Hub {
	return NewHubWithBuffer(DefaultBufferSize)
}

func NewHubWithBuffer(size int) *Hub {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Hub{
		subs:       make(map[string]map[*Subscription]struct{}),
		bufferSize: size,
	}
}

// Subscribe registers conn for every given session and starts its writer.
func (h *Hub) Subscribe(conn Conn, sessionIDs ...string) *Subscription {
	sub := &Subscription{
		ID:       uuid.NewString(),
		sessions: dedupe(sessionIDs),
		conn:     conn,
		send:     make(chan Event, h.bufferSize),
		done:     make(chan struct{}),
	}

	h.mu.Lock()
	for _, id := range sub.sessions {
		set, ok := h.subs[id]
		if !ok {
			set = make(map[*Subscription]struct{})
			h.subs[id] = set
		}
		set[sub] = struct{}{}
	}
	h.mu.Unlock()

	go h.writeLoop(sub)
	return sub
}

// Unsubscribe is idempotent and closes the underlying connection.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.once.Do(func() {
		h.mu.Lock()
		for _, id := range sub.sessions {
			if set, ok := h.subs[id]; ok {
				delete(set, sub)
				if len(set) == 0 {
					delete(h.subs, id)
				}
			}
		}
		h.mu.Unlock()

		close(sub.done)
		_ = sub.conn.Close()
	})
}

// Publish never blocks: a subscriber whose buffer is full is dropped.
func (h *Hub) Publish(ev Event) {
	var slow []*Subscription

	h.mu.RLock()
	for sub := range h.subs[ev.SessionID] {
		select {
		case sub.send <- ev:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		log.Printf("[WARN] broadcast: subscriber %s too slow, dropping (session=%s)", sub.ID, ev.SessionID)
		h.Unsubscribe(sub)
	}
}

// Send queues ev for a single subscriber (same drop policy as Publish).
func (h *Hub) Send(sub *Subscription, ev Event) {
	select {
	case <-sub.done:
	case sub.send <- ev:
	default:
		log.Printf("[WARN] broadcast: subscriber %s too slow, dropping (session=%s)", sub.ID, ev.SessionID)
		h.Unsubscribe(sub)
	}
}

func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}

// Close drops every subscription (shutdown).
func (h *Hub) Close() {
	h.mu.RLock()
	all := make(map[*Subscription]struct{})
	for _, set := range h.subs {
		for sub := range set {
			all[sub] = struct{}{}
		}
	}
	h.mu.RUnlock()

	for sub := range all {
		h.Unsubscribe(sub)
	}
}

func (h *Hub) writeLoop(sub *Subscription) {
	for {
		select {
		case <-sub.done:
			return
		case ev := <-sub.send:
			if err := sub.conn.WriteJSON(ev); err != nil {
				log.Printf("[WARN] broadcast delivery failed: subscriber=%s session=%s: %v", sub.ID, ev.SessionID, err)
				h.Unsubscribe(sub)
				return
			}
		}
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
