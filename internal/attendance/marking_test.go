package attendance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SCAA-backend/internal/broadcast"
	"SCAA-backend/internal/roster"
)

// 3人のクラスで開始 → A出席 → A再スキャン → 締切 → B は締切前のQRで失敗
func TestScan_ClassScenario(t *testing.T) {
	f := newFixture(t, Settings{})
	ctx := context.Background()
	sess := f.open(t)

	for _, id := range []string{"A", "B", "C"} {
		assert.Equal(t, StatusAbsent, f.statusOf(t, sess.ID, id))
	}

	res, err := f.mgr.Scan(ctx, ScanInput{SessionID: sess.ID, Token: sess.CurrentToken, StudentID: "A"})
	require.NoError(t, err)
	assert.Equal(t, "A", res.StudentID)
	assert.Equal(t, "Aoki", res.StudentName)
	assert.Equal(t, f.clock.Now(), res.MarkedAt)

	updates := f.pub.ofType(broadcast.TypeAttendanceUpdate)
	require.Len(t, updates, 1)
	assert.Equal(t, sess.ID, updates[0].SessionID)
	assert.Equal(t, &broadcast.Student{ID: "A", Name: "Aoki"}, updates[0].Student)

	assert.Equal(t, StatusPresent, f.statusOf(t, sess.ID, "A"))
	assert.Equal(t, StatusAbsent, f.statusOf(t, sess.ID, "B"))

	_, err = f.mgr.Scan(ctx, ScanInput{SessionID: sess.ID, Token: sess.CurrentToken, StudentID: "A"})
	assert.ErrorIs(t, err, ErrDuplicateMark)

	require.NoError(t, f.mgr.CloseSession(ctx, sess.ID, "prof"))

	_, err = f.mgr.Scan(ctx, ScanInput{SessionID: sess.ID, Token: sess.CurrentToken, StudentID: "B"})
	assert.ErrorIs(t, err, ErrSessionClosed)
	// URL に sessionId が無くても同じ
	_, err = f.mgr.Scan(ctx, ScanInput{Token: sess.CurrentToken, StudentID: "B"})
	assert.ErrorIs(t, err, ErrSessionClosed)

	assert.Equal(t, StatusPresent, f.statusOf(t, sess.ID, "A"))
	assert.Equal(t, StatusAbsent, f.statusOf(t, sess.ID, "B"))
	assert.Equal(t, StatusAbsent, f.statusOf(t, sess.ID, "C"))
	assert.Len(t, f.pub.ofType(broadcast.TypeAttendanceUpdate), 1)
}

func TestScan_Errors(t *testing.T) {
	f := newFixture(t, Settings{TokenTTL: time.Hour})
	ctx := context.Background()
	sess := f.open(t)

	tests := []struct {
		name string
		in   ScanInput
		want error
	}{
		{"empty token", ScanInput{SessionID: sess.ID, StudentID: "A"}, ErrInvalidToken},
		{"unknown token", ScanInput{Token: "forged", StudentID: "A"}, ErrInvalidToken},
		{"wrong token for session", ScanInput{SessionID: sess.ID, Token: "forged", StudentID: "A"}, ErrInvalidToken},
		{"unknown session", ScanInput{SessionID: "nope", Token: sess.CurrentToken, StudentID: "A"}, ErrInvalidToken},
		{"not enrolled", ScanInput{SessionID: sess.ID, Token: sess.CurrentToken, StudentID: "Z"}, ErrStudentNotEnrolled},
		{"missing student", ScanInput{SessionID: sess.ID, Token: sess.CurrentToken}, &APIError{Code: CodeInvalidArgument}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.mgr.Scan(ctx, tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, f.pub.ofType(broadcast.TypeAttendanceUpdate))
}

func TestScan_SupersededToken(t *testing.T) {
	f := newFixture(t, Settings{})
	ctx := context.Background()
	sess := f.open(t)
	old := sess.CurrentToken

	require.NoError(t, f.mgr.rotator.Rotate(ctx, sess.ID, sess.TokenTTL))
	cur, err := f.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotEqual(t, old, cur.CurrentToken)

	_, err = f.mgr.Scan(ctx, ScanInput{SessionID: sess.ID, Token: old, StudentID: "A"})
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = f.mgr.Scan(ctx, ScanInput{Token: old, StudentID: "A"})
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = f.mgr.Scan(ctx, ScanInput{Token: cur.CurrentToken, StudentID: "A"})
	assert.NoError(t, err)
}

// ローテーションが止まっていても TTL 経過後は受け付けない
func TestScan_ExpiredToken(t *testing.T) {
	f := newFixture(t, Settings{TokenTTL: time.Hour})
	ctx := context.Background()
	sess := f.open(t)

	f.clock.Advance(time.Hour)
	_, err := f.mgr.Scan(ctx, ScanInput{SessionID: sess.ID, Token: sess.CurrentToken, StudentID: "A"})
	require.NoError(t, err, "exactly at expiry is still valid")

	f.clock.Advance(time.Millisecond)
	_, err = f.mgr.Scan(ctx, ScanInput{SessionID: sess.ID, Token: sess.CurrentToken, StudentID: "B"})
	assert.ErrorIs(t, err, ErrExpiredToken)
	assert.Equal(t, StatusAbsent, f.statusOf(t, sess.ID, "B"))
}

func TestScan_ConcurrentSameStudent(t *testing.T) {
	f := newFixture(t, Settings{})
	ctx := context.Background()
	sess := f.open(t)

	const n = 64
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok, dup int
		other   []error
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.mgr.Scan(ctx, ScanInput{SessionID: sess.ID, Token: sess.CurrentToken, StudentID: "A"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrDuplicateMark):
				dup++
			default:
				other = append(other, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Empty(t, other)
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, dup)
	assert.Len(t, f.pub.ofType(broadcast.TypeAttendanceUpdate), 1)
}

func TestScan_ConcurrentClassAndClose(t *testing.T) {
	f := newFixture(t, Settings{})
	ctx := context.Background()

	students := make([]roster.Student, 200)
	for i := range students {
		students[i] = roster.Student{ID: fmt.Sprintf("S%03d", i), Name: fmt.Sprintf("student %d", i)}
	}
	f.roster.Set("CSE-A", students)
	sess := f.open(t)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted = map[string]bool{}
	)
	for _, st := range students {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.mgr.Scan(ctx, ScanInput{SessionID: sess.ID, Token: sess.CurrentToken, StudentID: id})
			if err == nil {
				mu.Lock()
				accepted[id] = true
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrSessionClosed)
		}(st.ID)
	}
	require.NoError(t, f.mgr.CloseSession(ctx, sess.ID, "prof"))
	wg.Wait()

	// 成功応答を返したスキャンだけが PRESENT
	records, err := f.store.ListRecords(ctx, sess.ID)
	require.NoError(t, err)
	for _, r := range records {
		assert.Equal(t, accepted[r.StudentID], r.Status == StatusPresent, r.StudentID)
	}
	assert.Len(t, f.pub.ofType(broadcast.TypeAttendanceUpdate), len(accepted))
}
