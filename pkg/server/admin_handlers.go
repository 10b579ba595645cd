package server

import (
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Prophet73/aihub/pkg/audit"
	"github.com/Prophet73/aihub/pkg/models"
	"github.com/Prophet73/aihub/pkg/storage"
)

// userView is the user representation returned by the admin API.
type userView struct {
	ID           uuid.UUID  `json:"id"`
	Email        string     `json:"email"`
	DisplayName  string     `json:"display_name"`
	FirstName    string     `json:"first_name,omitempty"`
	LastName     string     `json:"last_name,omitempty"`
	Department   string     `json:"department,omitempty"`
	JobTitle     string     `json:"job_title,omitempty"`
	IsActive     bool       `json:"is_active"`
	IsAdmin      bool       `json:"is_admin"`
	IsSuperAdmin bool       `json:"is_superadmin"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func userResponse(u *models.User) userView {
	return userView{
		ID:           u.ID,
		Email:        u.Email,
		DisplayName:  u.DisplayName,
		FirstName:    u.FirstName,
		LastName:     u.LastName,
		Department:   u.Department,
		JobTitle:     u.JobTitle,
		IsActive:     u.IsActive,
		IsAdmin:      u.IsAdmin,
		IsSuperAdmin: u.IsSuperAdmin,
		LastLoginAt:  u.LastLoginAt,
		CreatedAt:    u.CreatedAt,
	}
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	page, perPage, limit, offset := pagination(r)
	q := r.URL.Query()

	filter := storage.UserFilter{
		Search:     q.Get("search"),
		Department: q.Get("department"),
		Limit:      limit,
		Offset:     offset,
	}
	if raw := q.Get("is_active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			writeDetail(w, http.StatusBadRequest, "is_active must be a boolean")
			return
		}
		filter.IsActive = &active
	}

	users, total, err := s.store.ListUsers(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]userView, 0, len(users))
	for _, u := range users {
		views = append(views, userResponse(u))
	}
	writeJSON(w, http.StatusOK, pageResponse{Items: views, Total: total, Page: page, PerPage: perPage})
}

type updateUserRequest struct {
	DisplayName *string `json:"display_name"`
	Department  *string `json:"department"`
	JobTitle    *string `json:"job_title"`
	IsActive    *bool   `json:"is_active"`
	IsAdmin     *bool   `json:"is_admin"`
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeDetail(w, http.StatusNotFound, "not found")
		return
	}
	user, err := s.store.GetUser(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	var req updateUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	old := map[string]any{
		"display_name": user.DisplayName,
		"department":   user.Department,
		"is_active":    user.IsActive,
		"is_admin":     user.IsAdmin,
	}

	if req.DisplayName != nil {
		user.DisplayName = *req.DisplayName
	}
	if req.Department != nil {
		user.Department = *req.Department
	}
	if req.JobTitle != nil {
		user.JobTitle = *req.JobTitle
	}
	if req.IsActive != nil {
		user.IsActive = *req.IsActive
	}
	if req.IsAdmin != nil {
		user.IsAdmin = *req.IsAdmin
	}
	user.UpdatedAt = time.Now()

	actor := currentUser(r.Context())
	err = s.store.WithTx(r.Context(), func(tx storage.Store) error {
		if err := tx.UpdateUser(r.Context(), user); err != nil {
			return err
		}
		return s.recorder.Record(r.Context(), tx, audit.Entry{
			ActorID:    &actor.ID,
			Action:     models.ActionUserUpdate,
			EntityType: "user",
			EntityID:   &user.ID,
			OldValues:  old,
			NewValues: map[string]any{
				"display_name": user.DisplayName,
				"department":   user.Department,
				"is_active":    user.IsActive,
				"is_admin":     user.IsAdmin,
			},
			Meta: audit.MetaFromRequest(r),
		})
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, userResponse(user))
}

type bulkUserRequest struct {
	UserIDs []uuid.UUID `json:"user_ids"`
	Action  string      `json:"action"`
}

// bulk actions an admin may apply to a set of users.
var bulkActions = map[string]struct{}{
	"activate":     {},
	"deactivate":   {},
	"make_admin":   {},
	"remove_admin": {},
}

func (s *Server) handleBulkUserAction(w http.ResponseWriter, r *http.Request) {
	var req bulkUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if _, ok := bulkActions[req.Action]; !ok {
		writeDetail(w, http.StatusBadRequest, "unknown bulk action")
		return
	}
	if len(req.UserIDs) == 0 {
		writeDetail(w, http.StatusBadRequest, "user_ids is required")
		return
	}

	actor := currentUser(r.Context())

	// An admin cannot deactivate or demote their own account.
	if (req.Action == "deactivate" || req.Action == "remove_admin") &&
		slices.Contains(req.UserIDs, actor.ID) {
		writeDetail(w, http.StatusBadRequest, "cannot apply this action to your own account")
		return
	}

	updated := 0
	err := s.store.WithTx(r.Context(), func(tx storage.Store) error {
		for _, id := range req.UserIDs {
			user, err := tx.GetUser(r.Context(), id)
			if err != nil {
				return err
			}
			switch req.Action {
			case "activate":
				user.IsActive = true
			case "deactivate":
				user.IsActive = false
			case "make_admin":
				user.IsAdmin = true
			case "remove_admin":
				user.IsAdmin = false
			}
			user.UpdatedAt = time.Now()
			if err := tx.UpdateUser(r.Context(), user); err != nil {
				return err
			}
			updated++
		}
		return s.recorder.Record(r.Context(), tx, audit.Entry{
			ActorID:    &actor.ID,
			Action:     models.ActionUserBulk + "." + req.Action,
			EntityType: "user",
			NewValues:  map[string]any{"user_ids": req.UserIDs, "count": len(req.UserIDs)},
			Meta:       audit.MetaFromRequest(r),
		})
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": updated})
}

type groupRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Color       string `json:"color"`
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.store.ListGroups(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": groups})
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req groupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeDetail(w, http.StatusBadRequest, "name is required")
		return
	}

	actor := currentUser(r.Context())
	now := time.Now()
	group := &models.UserGroup{
		ID:          uuid.New(),
		Name:        req.Name,
		Description: req.Description,
		Color:       req.Color,
		CreatedBy:   &actor.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := s.store.WithTx(r.Context(), func(tx storage.Store) error {
		if err := tx.CreateGroup(r.Context(), group); err != nil {
			return err
		}
		return s.recorder.Record(r.Context(), tx, audit.Entry{
			ActorID:    &actor.ID,
			Action:     models.ActionGroupCreate,
			EntityType: "group",
			EntityID:   &group.ID,
			NewValues:  map[string]any{"name": group.Name},
			Meta:       audit.MetaFromRequest(r),
		})
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, group)
}

func (s *Server) handleUpdateGroup(w http.ResponseWriter, r *http.Request) {
	group, err := s.groupFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req groupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	old := map[string]any{"name": group.Name, "description": group.Description}
	if req.Name != "" {
		group.Name = req.Name
	}
	group.Description = req.Description
	group.Color = req.Color
	group.UpdatedAt = time.Now()

	actor := currentUser(r.Context())
	err = s.store.WithTx(r.Context(), func(tx storage.Store) error {
		if err := tx.UpdateGroup(r.Context(), group); err != nil {
			return err
		}
		return s.recorder.Record(r.Context(), tx, audit.Entry{
			ActorID:    &actor.ID,
			Action:     models.ActionGroupUpdate,
			EntityType: "group",
			EntityID:   &group.ID,
			OldValues:  old,
			NewValues:  map[string]any{"name": group.Name, "description": group.Description},
			Meta:       audit.MetaFromRequest(r),
		})
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	group, err := s.groupFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}

	actor := currentUser(r.Context())
	err = s.store.WithTx(r.Context(), func(tx storage.Store) error {
		if err := tx.DeleteGroup(r.Context(), group.ID); err != nil {
			return err
		}
		return s.recorder.Record(r.Context(), tx, audit.Entry{
			ActorID:    &actor.ID,
			Action:     models.ActionGroupDelete,
			EntityType: "group",
			EntityID:   &group.ID,
			OldValues:  map[string]any{"name": group.Name},
			Meta:       audit.MetaFromRequest(r),
		})
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handleListGroupMembers(w http.ResponseWriter, r *http.Request) {
	group, err := s.groupFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	members, err := s.store.ListGroupMembers(r.Context(), group.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": members})
}

type changeMembersRequest struct {
	Add    []uuid.UUID `json:"add"`
	Remove []uuid.UUID `json:"remove"`
}

func (s *Server) handleChangeGroupMembers(w http.ResponseWriter, r *http.Request) {
	group, err := s.groupFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req changeMembersRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Add) == 0 && len(req.Remove) == 0 {
		writeDetail(w, http.StatusBadRequest, "add or remove is required")
		return
	}

	actor := currentUser(r.Context())
	err = s.store.WithTx(r.Context(), func(tx storage.Store) error {
		if len(req.Add) > 0 {
			if err := tx.AddGroupMembers(r.Context(), group.ID, req.Add); err != nil {
				return err
			}
		}
		if len(req.Remove) > 0 {
			if err := tx.RemoveGroupMembers(r.Context(), group.ID, req.Remove); err != nil {
				return err
			}
		}
		return s.recorder.Record(r.Context(), tx, audit.Entry{
			ActorID:    &actor.ID,
			Action:     models.ActionGroupMembers,
			EntityType: "group",
			EntityID:   &group.ID,
			NewValues:  map[string]any{"added": len(req.Add), "removed": len(req.Remove)},
			Meta:       audit.MetaFromRequest(r),
		})
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"added": len(req.Add), "removed": len(req.Remove)})
}

type grantRequest struct {
	ApplicationID uuid.UUID  `json:"application_id"`
	UserID        *uuid.UUID `json:"user_id"`
	GroupID       *uuid.UUID `json:"group_id"`
}

func (s *Server) handleGrantAccess(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if (req.UserID == nil) == (req.GroupID == nil) {
		writeDetail(w, http.StatusBadRequest, "exactly one of user_id and group_id is required")
		return
	}

	actor := currentUser(r.Context())
	grant := &models.ApplicationAccess{
		ID:            uuid.New(),
		ApplicationID: req.ApplicationID,
		UserID:        req.UserID,
		GroupID:       req.GroupID,
		GrantedBy:     &actor.ID,
		CreatedAt:     time.Now(),
	}

	err := s.store.WithTx(r.Context(), func(tx storage.Store) error {
		if err := tx.GrantAccess(r.Context(), grant); err != nil {
			return err
		}
		return s.recorder.Record(r.Context(), tx, audit.Entry{
			ActorID:    &actor.ID,
			Action:     models.ActionAccessGrant,
			EntityType: "application_access",
			EntityID:   &grant.ID,
			NewValues: map[string]any{
				"application_id": grant.ApplicationID,
				"user_id":        grant.UserID,
				"group_id":       grant.GroupID,
			},
			Meta: audit.MetaFromRequest(r),
		})
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, grant)
}

func (s *Server) handleRevokeAccess(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeDetail(w, http.StatusNotFound, "not found")
		return
	}

	actor := currentUser(r.Context())
	err = s.store.WithTx(r.Context(), func(tx storage.Store) error {
		if err := tx.RevokeAccess(r.Context(), id); err != nil {
			return err
		}
		return s.recorder.Record(r.Context(), tx, audit.Entry{
			ActorID:    &actor.ID,
			Action:     models.ActionAccessRevoke,
			EntityType: "application_access",
			EntityID:   &id,
			Meta:       audit.MetaFromRequest(r),
		})
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handleListDepartments(w http.ResponseWriter, r *http.Request) {
	departments, err := s.store.ListDepartments(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": departments})
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	page, perPage, limit, offset := pagination(r)
	q := r.URL.Query()

	filter := storage.AuditFilter{
		Action:     q.Get("action"),
		EntityType: q.Get("entity_type"),
		Limit:      limit,
		Offset:     offset,
	}
	if raw := q.Get("user_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeDetail(w, http.StatusBadRequest, "user_id must be a UUID")
			return
		}
		filter.UserID = &id
	}

	entries, total, err := s.store.ListAudit(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pageResponse{Items: entries, Total: total, Page: page, PerPage: perPage})
}

func (s *Server) handleListLogins(w http.ResponseWriter, r *http.Request) {
	page, perPage, limit, offset := pagination(r)
	q := r.URL.Query()

	filter := storage.LoginFilter{
		LoginType: q.Get("login_type"),
		Limit:     limit,
		Offset:    offset,
	}
	if raw := q.Get("user_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeDetail(w, http.StatusBadRequest, "user_id must be a UUID")
			return
		}
		filter.UserID = &id
	}
	if raw := q.Get("success"); raw != "" {
		success, err := strconv.ParseBool(raw)
		if err != nil {
			writeDetail(w, http.StatusBadRequest, "success must be a boolean")
			return
		}
		filter.Success = &success
	}

	entries, total, err := s.store.ListLogins(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pageResponse{Items: entries, Total: total, Page: page, PerPage: perPage})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context(), time.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{
		"total_users":        stats.TotalUsers,
		"active_users":       stats.ActiveUsers,
		"total_applications": stats.TotalApplications,
		"active_tokens":      stats.ActiveTokens,
		"logins_today":       stats.LoginsToday,
	})
}

func (s *Server) handleLoginStats(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	windows := map[string]time.Time{
		"today":    now.Truncate(24 * time.Hour),
		"last_7d":  now.Add(-7 * 24 * time.Hour),
		"last_30d": now.Add(-30 * 24 * time.Hour),
	}

	out := make(map[string]int64, len(windows))
	for name, since := range windows {
		stats, err := s.store.GetLoginStats(r.Context(), since)
		if err != nil {
			writeError(w, err)
			return
		}
		out[name] = stats.Succeeded
	}
	writeJSON(w, http.StatusOK, out)
}

// handleAdminHealth rolls up the database and upstream SSO probes: a failed
// database is unhealthy, a failed upstream with a working database is
// degraded.
func (s *Server) handleAdminHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	status := "healthy"

	if err := s.store.Health(r.Context()); err != nil {
		checks["database"] = "unhealthy"
		status = "unhealthy"
	} else {
		checks["database"] = "healthy"
	}

	if s.sso != nil {
		if err := s.sso.Health(r.Context()); err != nil {
			checks["upstream_sso"] = "unhealthy"
			if status == "healthy" {
				status = "degraded"
			}
		} else {
			checks["upstream_sso"] = "healthy"
		}
	} else {
		checks["upstream_sso"] = "not_configured"
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

func (s *Server) handleCleanupTokens(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	actor := currentUser(r.Context())

	var codes, tokens int64
	err := s.store.WithTx(r.Context(), func(tx storage.Store) error {
		var err error
		if codes, err = tx.DeleteExpiredCodes(r.Context(), now); err != nil {
			return err
		}
		if tokens, err = tx.DeleteDeadTokens(r.Context(), now); err != nil {
			return err
		}
		return s.recorder.Record(r.Context(), tx, audit.Entry{
			ActorID:    &actor.ID,
			Action:     models.ActionTokenCleanup,
			EntityType: "token",
			NewValues:  map[string]any{"codes_deleted": codes, "tokens_deleted": tokens},
			Meta:       audit.MetaFromRequest(r),
		})
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"codes_deleted": codes, "tokens_deleted": tokens})
}

func (s *Server) groupFromPath(r *http.Request) (*models.UserGroup, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return nil, storage.ErrNotFound
	}
	return s.store.GetGroup(r.Context(), id)
}
