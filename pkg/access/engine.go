// Package access implements the application access decision: whether a given
// user may see and use a given application.
package access

import (
	"context"
	"fmt"

	"github.com/Prophet73/aihub/pkg/models"
	"github.com/Prophet73/aihub/pkg/storage"
)

// Engine evaluates access decisions against the grant store.
type Engine struct {
	store storage.Store
}

// NewEngine creates an access engine over store.
func NewEngine(store storage.Store) *Engine {
	return &Engine{store: store}
}

// CanAccess reports whether user may use app. The decision is three gates,
// all of which must pass:
//
//  1. the application is active;
//  2. the application's department allow-list admits the user's department
//     (an empty list admits everyone);
//  3. the application is public, or the user is an admin, or the user holds
//     a direct grant or a grant through one of their groups.
//
// Inactive users never reach this check; the authenticator rejects them.
func (e *Engine) CanAccess(ctx context.Context, user *models.User, app *models.Application) (bool, error) {
	if !app.IsActive {
		return false, nil
	}
	if !app.AllowsDepartment(user.Department) {
		return false, nil
	}
	if app.IsPublic || user.IsAdmin || user.IsSuperAdmin {
		return true, nil
	}

	direct, err := e.store.HasDirectGrant(ctx, app.ID, user.ID)
	if err != nil {
		return false, fmt.Errorf("failed to check direct grant: %w", err)
	}
	if direct {
		return true, nil
	}

	groupIDs, err := e.store.ListUserGroupIDs(ctx, user.ID)
	if err != nil {
		return false, fmt.Errorf("failed to list user groups: %w", err)
	}
	viaGroup, err := e.store.HasGroupGrant(ctx, app.ID, groupIDs)
	if err != nil {
		return false, fmt.Errorf("failed to check group grant: %w", err)
	}
	return viaGroup, nil
}

// VisibleApplications returns the active applications the user may access,
// sorted by name.
func (e *Engine) VisibleApplications(ctx context.Context, user *models.User) ([]*models.Application, error) {
	apps, err := e.store.ListApplications(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list applications: %w", err)
	}

	out := make([]*models.Application, 0, len(apps))
	for _, app := range apps {
		ok, err := e.CanAccess(ctx, user, app)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, app)
		}
	}
	return out, nil
}
