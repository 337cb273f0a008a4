package broadcast

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingConn struct {
	mu     sync.Mutex
	events chan Event
	closed bool
	err    error
	block  chan struct{}
}

func newRecordingConn() *recordingConn {
	return &recordingConn{events: make(chan Event, 16)}
}

func (c *recordingConn) WriteJSON(v any) error {
	if c.block != nil {
		<-c.block
	}
	if c.err != nil {
		return c.err
	}
	c.events <- v.(Event)
	return nil
}

func (c *recordingConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *recordingConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func update(sessionID, studentID string) Event {
	return Event{
		Type:      TypeAttendanceUpdate,
		SessionID: sessionID,
		Student:   &Student{ID: studentID, Name: "name-" + studentID},
		Time:      time.Now(),
	}
}

func expectEvent(t *testing.T, c *recordingConn) Event {
	t.Helper()
	select {
	case ev := <-c.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func expectNoEvent(t *testing.T, c *recordingConn) {
	t.Helper()
	select {
	case ev := <-c.events:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_DeliversOnlyToSessionSubscribers(t *testing.T) {
	h := NewHub()
	a := newRecordingConn()
	b := newRecordingConn()
	h.Subscribe(a, "s1")
	h.Subscribe(b, "s2")

	h.Publish(update("s1", "stu-A"))

	ev := expectEvent(t, a)
	assert.Equal(t, "s1", ev.SessionID)
	assert.Equal(t, "stu-A", ev.Student.ID)
	expectNoEvent(t, a)
	expectNoEvent(t, b)
}

func TestHub_MergedFeedGetsEachEventOnce(t *testing.T) {
	h := NewHub()
	c := newRecordingConn()
	sub := h.Subscribe(c, "s1", "s2", "s1")
	assert.ElementsMatch(t, []string{"s1", "s2"}, sub.Sessions())

	h.Publish(update("s1", "stu-A"))
	h.Publish(update("s2", "stu-B"))

	got := []string{expectEvent(t, c).SessionID, expectEvent(t, c).SessionID}
	assert.ElementsMatch(t, []string{"s1", "s2"}, got)
	expectNoEvent(t, c)
}

func TestHub_UnsubscribedReceivesNothing(t *testing.T) {
	h := NewHub()
	c := newRecordingConn()
	sub := h.Subscribe(c, "s1")
	h.Unsubscribe(sub)
	h.Unsubscribe(sub)

	assert.NotPanics(t, func() { h.Publish(update("s1", "stu-A")) })
	expectNoEvent(t, c)
	assert.True(t, c.isClosed())
	assert.Equal(t, 0, h.SubscriberCount("s1"))
}

func TestHub_FailedSendIsIsolated(t *testing.T) {
	h := NewHub()
	bad := newRecordingConn()
	bad.err = errors.New("broken pipe")
	good := newRecordingConn()
	badSub := h.Subscribe(bad, "s1")
	h.Subscribe(good, "s1")

	h.Publish(update("s1", "stu-A"))

	expectEvent(t, good)
	select {
	case <-badSub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("failed subscriber was not cleaned up")
	}
	assert.True(t, bad.isClosed())
	assert.Equal(t, 1, h.SubscriberCount("s1"))

	h.Publish(update("s1", "stu-B"))
	assert.Equal(t, "stu-B", expectEvent(t, good).Student.ID)
}

func TestHub_SlowSubscriberDoesNotBlockPublish(t *testing.T) {
	h := NewHubWithBuffer(1)
	slow := newRecordingConn()
	slow.block = make(chan struct{})
	defer close(slow.block)
	sub := h.Subscribe(slow, "s1")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.Publish(update("s1", "stu"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("slow subscriber was not dropped")
	}
}

func TestHub_Close(t *testing.T) {
	h := NewHub()
	c1, c2 := newRecordingConn(), newRecordingConn()
	h.Subscribe(c1, "s1")
	h.Subscribe(c2, "s1", "s2")
	h.Close()

	require.Equal(t, 0, h.SubscriberCount("s1"))
	require.Equal(t, 0, h.SubscriberCount("s2"))
	assert.True(t, c1.isClosed())
	assert.True(t, c2.isClosed())
}
