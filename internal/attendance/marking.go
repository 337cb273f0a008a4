package attendance

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"

	"SCAA-backend/internal/broadcast"
)

type ScanInput struct {
	// SessionID は任意。空なら token から引く
	SessionID string
	Token     string
	StudentID string
}

// Processor performs the ABSENT->PRESENT transition for scanned codes.
type Processor struct {
	store Store
	pub   Publisher
	clock Clock
}

func NewProcessor(store Store, pub Publisher, clock Clock) *Processor {
	return &Processor{store: store, pub: pub, clock: clock}
}

func (p *Processor) Scan(ctx context.Context, in ScanInput) (MarkResult, error) {
	token := strings.TrimSpace(in.Token)
	studentID := strings.TrimSpace(in.StudentID)
	if token == "" {
		return MarkResult{}, ErrInvalidToken
	}
	if studentID == "" {
		return MarkResult{}, ErrInvalid("studentId is required")
	}

	sess, err := p.resolve(ctx, in.SessionID, token)
	if err != nil {
		return MarkResult{}, err
	}
	if !sess.Active() {
		return MarkResult{}, ErrSessionClosed
	}
	if subtle.ConstantTimeCompare([]byte(sess.CurrentToken), []byte(token)) != 1 {
		return MarkResult{}, ErrInvalidToken
	}

	now := p.clock.Now()
	// ローテーションが遅れていても期限は独立に判定する
	if now.After(sess.TokenExpiresAt()) {
		return MarkResult{}, ErrExpiredToken
	}

	if _, err := p.store.GetRecord(ctx, sess.ID, studentID); err != nil {
		return MarkResult{}, err
	}

	// 状態・トークンの最終確認は store の CAS に任せる
	rec, err := p.store.MarkPresent(ctx, sess.ID, studentID, token, now)
	if err != nil {
		return MarkResult{}, err
	}

	markedAt := now
	if rec.MarkedAt != nil {
		markedAt = *rec.MarkedAt
	}
	p.pub.Publish(broadcast.Event{
		Type:      broadcast.TypeAttendanceUpdate,
		SessionID: sess.ID,
		Student:   &broadcast.Student{ID: rec.StudentID, Name: rec.StudentName},
		Time:      markedAt,
	})

	return MarkResult{
		SessionID:   sess.ID,
		StudentID:   rec.StudentID,
		StudentName: rec.StudentName,
		MarkedAt:    markedAt,
	}, nil
}

func (p *Processor) resolve(ctx context.Context, sessionID, token string) (Session, error) {
	var (
		sess Session
		err  error
	)
	if sessionID != "" {
		sess, err = p.store.GetSession(ctx, sessionID)
	} else {
		sess, err = p.store.FindByToken(ctx, token)
	}
	if errors.Is(err, ErrSessionNotFound) {
		return Session{}, ErrInvalidToken
	}
	return sess, err
}
