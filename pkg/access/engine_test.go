package access

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Prophet73/aihub/pkg/models"
	"github.com/Prophet73/aihub/pkg/storage"
)

type fixture struct {
	store *storage.MemoryStore
	eng   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := storage.NewMemoryStore(storage.WithCleanupInterval(time.Hour))
	t.Cleanup(func() { _ = s.Close() })
	return &fixture{store: s, eng: NewEngine(s)}
}

func (f *fixture) addUser(t *testing.T, dept string) *models.User {
	t.Helper()
	u, err := f.store.UpsertUser(context.Background(), &models.User{
		ID:         uuid.New(),
		Email:      uuid.NewString() + "@example.com",
		Department: dept,
		IsActive:   true,
	})
	require.NoError(t, err)
	return u
}

func (f *fixture) addApp(t *testing.T, name string, mutate func(*models.Application)) *models.Application {
	t.Helper()
	app := &models.Application{
		ID:       uuid.New(),
		Name:     name,
		Slug:     name,
		ClientID: "hub_" + uuid.NewString(),
		IsActive: true,
	}
	if mutate != nil {
		mutate(app)
	}
	require.NoError(t, f.store.CreateApplication(context.Background(), app))
	return app
}

func TestCanAccess(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	user := f.addUser(t, "Engineering")
	other := f.addUser(t, "Sales")
	admin := f.addUser(t, "")
	admin.IsAdmin = true
	require.NoError(t, f.store.UpdateUser(ctx, admin))

	tests := []struct {
		name   string
		app    *models.Application
		grant  func(app *models.Application)
		user   *models.User
		expect bool
	}{
		{
			name:   "public app is open to everyone",
			app:    f.addApp(t, "public", func(a *models.Application) { a.IsPublic = true }),
			user:   user,
			expect: true,
		},
		{
			name:   "inactive app is closed even when public",
			app:    f.addApp(t, "inactive", func(a *models.Application) { a.IsPublic = true; a.IsActive = false }),
			user:   user,
			expect: false,
		},
		{
			name: "department gate blocks other departments",
			app: f.addApp(t, "depts", func(a *models.Application) {
				a.IsPublic = true
				a.AllowedDepartments = []string{"Engineering"}
			}),
			user:   other,
			expect: false,
		},
		{
			name: "department gate admits listed department",
			app: f.addApp(t, "depts2", func(a *models.Application) {
				a.IsPublic = true
				a.AllowedDepartments = []string{"Engineering"}
			}),
			user:   user,
			expect: true,
		},
		{
			name:   "private app without grant is closed",
			app:    f.addApp(t, "private", nil),
			user:   user,
			expect: false,
		},
		{
			name:   "admin bypasses the principal gate",
			app:    f.addApp(t, "private2", nil),
			user:   admin,
			expect: true,
		},
		{
			name: "direct grant opens a private app",
			app:  f.addApp(t, "granted", nil),
			grant: func(app *models.Application) {
				require.NoError(t, f.store.GrantAccess(ctx, &models.ApplicationAccess{
					ID: uuid.New(), ApplicationID: app.ID, UserID: &user.ID,
				}))
			},
			user:   user,
			expect: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.grant != nil {
				tt.grant(tt.app)
			}
			got, err := f.eng.CanAccess(ctx, tt.user, tt.app)
			require.NoError(t, err)
			assert.Equal(t, tt.expect, got)
		})
	}
}

func TestGroupGrant(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	user := f.addUser(t, "")
	app := f.addApp(t, "grouped", nil)

	group := &models.UserGroup{ID: uuid.New(), Name: "team"}
	require.NoError(t, f.store.CreateGroup(ctx, group))
	require.NoError(t, f.store.GrantAccess(ctx, &models.ApplicationAccess{
		ID: uuid.New(), ApplicationID: app.ID, GroupID: &group.ID,
	}))

	ok, err := f.eng.CanAccess(ctx, user, app)
	require.NoError(t, err)
	assert.False(t, ok, "not yet a member")

	require.NoError(t, f.store.AddGroupMembers(ctx, group.ID, []uuid.UUID{user.ID}))
	ok, err = f.eng.CanAccess(ctx, user, app)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVisibleApplications(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	user := f.addUser(t, "Engineering")
	f.addApp(t, "beta", func(a *models.Application) { a.IsPublic = true })
	f.addApp(t, "alpha", func(a *models.Application) { a.IsPublic = true })
	f.addApp(t, "hidden", nil)
	f.addApp(t, "sales-only", func(a *models.Application) {
		a.IsPublic = true
		a.AllowedDepartments = []string{"Sales"}
	})

	apps, err := f.eng.VisibleApplications(ctx, user)
	require.NoError(t, err)
	require.Len(t, apps, 2)
	assert.Equal(t, "alpha", apps[0].Name)
	assert.Equal(t, "beta", apps[1].Name)
}
