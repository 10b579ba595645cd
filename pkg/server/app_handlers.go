package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Prophet73/aihub/pkg/audit"
	"github.com/Prophet73/aihub/pkg/crypto"
	"github.com/Prophet73/aihub/pkg/models"
	"github.com/Prophet73/aihub/pkg/storage"
)

// applicationView is the application representation returned to clients. The
// secret hash never leaves the server; the plaintext secret appears only in
// create and rotate responses.
type applicationView struct {
	ID                 uuid.UUID `json:"id"`
	Name               string    `json:"name"`
	Slug               string    `json:"slug"`
	Description        string    `json:"description,omitempty"`
	BaseURL            string    `json:"base_url,omitempty"`
	IconURL            string    `json:"icon_url,omitempty"`
	ClientID           string    `json:"client_id"`
	RedirectURIs       []string  `json:"redirect_uris"`
	IsActive           bool      `json:"is_active"`
	IsPublic           bool      `json:"is_public"`
	AllowedDepartments []string  `json:"allowed_departments"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func applicationResponse(app *models.Application) applicationView {
	redirects := app.RedirectURIs
	if redirects == nil {
		redirects = []string{}
	}
	departments := app.AllowedDepartments
	if departments == nil {
		departments = []string{}
	}
	return applicationView{
		ID:                 app.ID,
		Name:               app.Name,
		Slug:               app.Slug,
		Description:        app.Description,
		BaseURL:            app.BaseURL,
		IconURL:            app.IconURL,
		ClientID:           app.ClientID,
		RedirectURIs:       redirects,
		IsActive:           app.IsActive,
		IsPublic:           app.IsPublic,
		AllowedDepartments: departments,
		CreatedAt:          app.CreatedAt,
		UpdatedAt:          app.UpdatedAt,
	}
}

type applicationRequest struct {
	Name               string   `json:"name"`
	Slug               string   `json:"slug"`
	Description        string   `json:"description"`
	BaseURL            string   `json:"base_url"`
	IconURL            string   `json:"icon_url"`
	RedirectURIs       []string `json:"redirect_uris"`
	IsActive           *bool    `json:"is_active"`
	IsPublic           bool     `json:"is_public"`
	AllowedDepartments []string `json:"allowed_departments"`
}

func (s *Server) handleListVisibleApplications(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r.Context())
	apps, err := s.engine.VisibleApplications(r.Context(), user)
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]applicationView, 0, len(apps))
	for _, app := range apps {
		views = append(views, applicationResponse(app))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": views})
}

func (s *Server) handleCreateApplication(w http.ResponseWriter, r *http.Request) {
	var req applicationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" || req.Slug == "" {
		writeDetail(w, http.StatusBadRequest, "name and slug are required")
		return
	}

	clientID, err := crypto.GenerateClientID()
	if err != nil {
		writeError(w, err)
		return
	}
	secret, err := crypto.GenerateClientSecret()
	if err != nil {
		writeError(w, err)
		return
	}
	hash, err := crypto.HashSecret(secret)
	if err != nil {
		writeError(w, err)
		return
	}

	now := time.Now()
	app := &models.Application{
		ID:                 uuid.New(),
		Name:               req.Name,
		Slug:               req.Slug,
		Description:        req.Description,
		BaseURL:            req.BaseURL,
		IconURL:            req.IconURL,
		ClientID:           clientID,
		ClientSecretHash:   hash,
		RedirectURIs:       req.RedirectURIs,
		IsActive:           true,
		IsPublic:           req.IsPublic,
		AllowedDepartments: req.AllowedDepartments,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	actor := currentUser(r.Context())
	err = s.store.WithTx(r.Context(), func(tx storage.Store) error {
		if err := tx.CreateApplication(r.Context(), app); err != nil {
			return err
		}
		return s.recorder.Record(r.Context(), tx, audit.Entry{
			ActorID:    &actor.ID,
			Action:     models.ActionAppCreate,
			EntityType: "application",
			EntityID:   &app.ID,
			NewValues:  map[string]any{"name": app.Name, "slug": app.Slug},
			Meta:       audit.MetaFromRequest(r),
		})
	})
	if err != nil {
		writeError(w, err)
		return
	}

	resp := struct {
		applicationView
		ClientSecret string `json:"client_secret"`
	}{applicationResponse(app), secret}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleGetApplication(w http.ResponseWriter, r *http.Request) {
	app, err := s.applicationFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, applicationResponse(app))
}

func (s *Server) handleUpdateApplication(w http.ResponseWriter, r *http.Request) {
	app, err := s.applicationFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req applicationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	old := map[string]any{
		"name":                app.Name,
		"is_active":           app.IsActive,
		"is_public":           app.IsPublic,
		"allowed_departments": app.AllowedDepartments,
	}

	if req.Name != "" {
		app.Name = req.Name
	}
	if req.Slug != "" {
		app.Slug = req.Slug
	}
	app.Description = req.Description
	app.BaseURL = req.BaseURL
	app.IconURL = req.IconURL
	if req.RedirectURIs != nil {
		app.RedirectURIs = req.RedirectURIs
	}
	if req.IsActive != nil {
		app.IsActive = *req.IsActive
	}
	app.IsPublic = req.IsPublic
	if req.AllowedDepartments != nil {
		app.AllowedDepartments = req.AllowedDepartments
	}
	app.UpdatedAt = time.Now()

	actor := currentUser(r.Context())
	err = s.store.WithTx(r.Context(), func(tx storage.Store) error {
		if err := tx.UpdateApplication(r.Context(), app); err != nil {
			return err
		}
		return s.recorder.Record(r.Context(), tx, audit.Entry{
			ActorID:    &actor.ID,
			Action:     models.ActionAppUpdate,
			EntityType: "application",
			EntityID:   &app.ID,
			OldValues:  old,
			NewValues: map[string]any{
				"name":                app.Name,
				"is_active":           app.IsActive,
				"is_public":           app.IsPublic,
				"allowed_departments": app.AllowedDepartments,
			},
			Meta: audit.MetaFromRequest(r),
		})
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, applicationResponse(app))
}

// handleDeleteApplication deactivates the application. With ?permanent=true
// the application and its grants, codes and tokens are removed for good.
func (s *Server) handleDeleteApplication(w http.ResponseWriter, r *http.Request) {
	app, err := s.applicationFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}

	permanent, _ := strconv.ParseBool(r.URL.Query().Get("permanent"))
	actor := currentUser(r.Context())

	err = s.store.WithTx(r.Context(), func(tx storage.Store) error {
		if permanent {
			if err := tx.DeleteApplication(r.Context(), app.ID); err != nil {
				return err
			}
		} else {
			app.IsActive = false
			app.UpdatedAt = time.Now()
			if err := tx.UpdateApplication(r.Context(), app); err != nil {
				return err
			}
		}
		return s.recorder.Record(r.Context(), tx, audit.Entry{
			ActorID:    &actor.ID,
			Action:     models.ActionAppDelete,
			EntityType: "application",
			EntityID:   &app.ID,
			NewValues:  map[string]any{"permanent": permanent},
			Meta:       audit.MetaFromRequest(r),
		})
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "permanent": permanent})
}

// handleRotateSecret regenerates the client secret. The plaintext is returned
// once and never stored.
func (s *Server) handleRotateSecret(w http.ResponseWriter, r *http.Request) {
	app, err := s.applicationFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}

	secret, err := crypto.GenerateClientSecret()
	if err != nil {
		writeError(w, err)
		return
	}
	hash, err := crypto.HashSecret(secret)
	if err != nil {
		writeError(w, err)
		return
	}
	app.ClientSecretHash = hash
	app.UpdatedAt = time.Now()

	actor := currentUser(r.Context())
	err = s.store.WithTx(r.Context(), func(tx storage.Store) error {
		if err := tx.UpdateApplication(r.Context(), app); err != nil {
			return err
		}
		return s.recorder.Record(r.Context(), tx, audit.Entry{
			ActorID:    &actor.ID,
			Action:     models.ActionAppRotateSecret,
			EntityType: "application",
			EntityID:   &app.ID,
			Meta:       audit.MetaFromRequest(r),
		})
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"client_id":     app.ClientID,
		"client_secret": secret,
	})
}

func (s *Server) handleListApplicationGrants(w http.ResponseWriter, r *http.Request) {
	app, err := s.applicationFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}

	grants, err := s.store.ListApplicationGrants(r.Context(), app.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": grants})
}

func (s *Server) applicationFromPath(r *http.Request) (*models.Application, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return nil, storage.ErrNotFound
	}
	return s.store.GetApplication(r.Context(), id)
}
