package auth

import "context"

// ClassAuthorizer answers "may actor act as role for classID" from the
// account table and the faculty_classes assignments.
type ClassAuthorizer struct {
	store AccountStore
}

func NewClassAuthorizer(store AccountStore) *ClassAuthorizer {
	return &ClassAuthorizer{store: store}
}

func (a *ClassAuthorizer) Authorize(ctx context.Context, actorID, role, classID string) (bool, error) {
	acct, err := a.store.GetByID(ctx, actorID)
	if err != nil {
		return false, err
	}
	if acct == nil || acct.IsDisabled || acct.Role != role {
		return false, nil
	}
	if role != RoleFaculty {
		return true, nil
	}
	return a.store.TeachesClass(ctx, actorID, classID)
}
