package attendance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SCAA-backend/internal/broadcast"
	"SCAA-backend/internal/roster"
)

func TestManager_CreateSession(t *testing.T) {
	f := newFixture(t, Settings{})
	sess := f.open(t)

	assert.Equal(t, StateActive, sess.State)
	assert.Equal(t, "prof", sess.FacultyID)
	assert.NotEmpty(t, sess.CurrentToken)
	assert.Equal(t, f.clock.Now(), sess.CreatedAt)

	records, err := f.store.ListRecords(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, r := range records {
		assert.Equal(t, StatusAbsent, r.Status)
		assert.Nil(t, r.MarkedAt)
	}
	assert.Equal(t, "Aoki", records[0].StudentName)
}

func TestManager_CreateSession_Errors(t *testing.T) {
	f := newFixture(t, Settings{})
	f.roster.Set("EMPTY", nil)
	assign := map[string]string{"prof": "CSE-A", "empty-prof": "EMPTY", "ghost-prof": "GHOST"}
	f.mgr.authz = facultyOf(assign)

	tests := []struct {
		name string
		in   CreateSessionInput
		want error
	}{
		{"missing subject", CreateSessionInput{ClassID: "CSE-A", FacultyID: "prof", Period: "1"}, &APIError{Code: CodeInvalidArgument}},
		{"missing period", CreateSessionInput{ClassID: "CSE-A", FacultyID: "prof", SubjectID: "CS101"}, &APIError{Code: CodeInvalidArgument}},
		{"anonymous", CreateSessionInput{ClassID: "CSE-A", SubjectID: "CS101", Period: "1"}, ErrUnauthorized},
		{"not assigned", CreateSessionInput{ClassID: "CSE-A", FacultyID: "intruder", SubjectID: "CS101", Period: "1"}, ErrUnauthorized},
		{"empty roster", CreateSessionInput{ClassID: "EMPTY", FacultyID: "empty-prof", SubjectID: "CS101", Period: "1"}, ErrRosterUnavailable},
		{"unknown class", CreateSessionInput{ClassID: "GHOST", FacultyID: "ghost-prof", SubjectID: "CS101", Period: "1"}, ErrRosterUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.mgr.CreateSession(context.Background(), tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	active, err := f.store.ListActiveSessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestManager_CreateSession_DedupesRoster(t *testing.T) {
	f := newFixture(t, Settings{})
	f.roster.Set("CSE-A", []roster.Student{{ID: "A", Name: "Aoki"}, {ID: "A", Name: "Aoki"}, {ID: "B", Name: "Baba"}})

	sess := f.open(t)
	records, err := f.store.ListRecords(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestManager_CloseSession(t *testing.T) {
	f := newFixture(t, Settings{})
	sess := f.open(t)
	ctx := context.Background()

	err := f.mgr.CloseSession(ctx, sess.ID, "other")
	assert.ErrorIs(t, err, ErrUnauthorized)

	require.NoError(t, f.mgr.CloseSession(ctx, sess.ID, "prof"))
	// 二度目も成功（イベントは1回だけ）
	require.NoError(t, f.mgr.CloseSession(ctx, sess.ID, "prof"))

	got, err := f.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, got.State)
	require.NotNil(t, got.ClosedAt)
	assert.Empty(t, got.CurrentToken)
	assert.False(t, f.mgr.rotator.Running(sess.ID))

	assert.Len(t, f.pub.ofType(broadcast.TypeSessionClosed), 1)

	err = f.mgr.CloseSession(ctx, "nope", "prof")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManager_AutoClose(t *testing.T) {
	f := newFixture(t, Settings{MaxDuration: 30 * time.Millisecond})
	sess := f.open(t)

	require.Eventually(t, func() bool {
		got, err := f.store.GetSession(context.Background(), sess.ID)
		return err == nil && got.State == StateClosed
	}, 2*time.Second, 10*time.Millisecond)

	_, err := f.mgr.Scan(context.Background(), ScanInput{SessionID: sess.ID, Token: sess.CurrentToken, StudentID: "A"})
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.Len(t, f.pub.ofType(broadcast.TypeSessionClosed), 1)
}

// 期限切れで即時発火するタイマーも map に残らない
func TestManager_AutoCloseElapsedDeadline(t *testing.T) {
	f := newFixture(t, Settings{})
	var ids []string
	for i := 0; i < 20; i++ {
		sess := f.open(t)
		ids = append(ids, sess.ID)
		f.mgr.armAutoClose(sess.ID, f.clock.Now().Add(-time.Minute))
	}

	require.Eventually(t, func() bool {
		for _, id := range ids {
			got, err := f.store.GetSession(context.Background(), id)
			if err != nil || got.State != StateClosed {
				return false
			}
		}
		f.mgr.mu.Lock()
		defer f.mgr.mu.Unlock()
		return len(f.mgr.timers) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, f.pub.ofType(broadcast.TypeSessionClosed), len(ids))
}

func TestManager_GetSessionAndRecords(t *testing.T) {
	f := newFixture(t, Settings{})
	sess := f.open(t)
	ctx := context.Background()

	_, err := f.mgr.Scan(ctx, ScanInput{SessionID: sess.ID, Token: sess.CurrentToken, StudentID: "B"})
	require.NoError(t, err)

	got, tl, err := f.mgr.GetSession(ctx, sess.ID, "prof")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, Tally{Present: 1, Absent: 2}, tl)

	_, records, err := f.mgr.ListRecords(ctx, sess.ID, "prof")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, StatusPresent, records[1].Status)

	_, _, err = f.mgr.GetSession(ctx, sess.ID, "other")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.mgr.CanObserve(ctx, sess.ID, "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestManager_Recover(t *testing.T) {
	f := newFixture(t, Settings{})
	ctx := context.Background()
	now := f.clock.Now()

	live := Session{ID: "live", ClassID: "CSE-A", FacultyID: "prof", SubjectID: "CS101", Period: "1",
		State: StateActive, CreatedAt: now.Add(-5 * time.Minute), MaxDuration: 15 * time.Minute,
		CurrentToken: "stale", TokenIssuedAt: now.Add(-5 * time.Minute), TokenTTL: time.Hour}
	expired := live
	expired.ID = "expired"
	expired.CurrentToken = "stale-2"
	expired.CreatedAt = now.Add(-time.Hour)

	require.NoError(t, f.store.CreateSession(ctx, live, []AttendanceRecord{{StudentID: "A", Status: StatusAbsent}}))
	require.NoError(t, f.store.CreateSession(ctx, expired, []AttendanceRecord{{StudentID: "A", Status: StatusAbsent}}))

	require.NoError(t, f.mgr.Recover(ctx))

	got, err := f.store.GetSession(ctx, "expired")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, got.State)

	got, err = f.store.GetSession(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, StateActive, got.State)
	assert.NotEqual(t, "stale", got.CurrentToken)
	assert.True(t, f.mgr.rotator.Running("live"))

	// 再起動前のトークンは使えない
	_, err = f.mgr.Scan(ctx, ScanInput{Token: "stale", StudentID: "A"})
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = f.mgr.Scan(ctx, ScanInput{Token: got.CurrentToken, StudentID: "A"})
	assert.NoError(t, err)
}

func TestManager_RosterFailure(t *testing.T) {
	f := newFixture(t, Settings{})
	f.mgr.roster = failingRoster{}

	_, err := f.mgr.CreateSession(context.Background(), CreateSessionInput{
		ClassID: "CSE-A", FacultyID: "prof", SubjectID: "CS101", Period: "2",
	})
	assert.ErrorIs(t, err, ErrRosterUnavailable)
}

type failingRoster struct{}

func (failingRoster) GetRoster(context.Context, string) ([]roster.Student, error) {
	return nil, errors.New("sqlite: database is locked")
}
