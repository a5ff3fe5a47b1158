package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/bryan-buckman/leapfrog/internal/database"
	"github.com/bryan-buckman/leapfrog/internal/logging"
	"github.com/bryan-buckman/leapfrog/internal/model"
	"github.com/bryan-buckman/leapfrog/internal/validation"
)

const (
	defaultStreamLimit = 50
	maxStreamLimit     = 200
	maxImportBytes     = 64 << 20
	refreshTimeout     = 5 * time.Minute
)

// --- Users and accounts ---

type createUserRequest struct {
	Name string `json:"name" validate:"required,max=100"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !s.decode(w, r, &req) {
		return
	}
	user, err := s.store.CreateUser(r.Context(), req.Name)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newUserView(user))
}

type linkAccountRequest struct {
	Service     string `json:"service" validate:"required"`
	Ident       string `json:"ident" validate:"required"`
	DisplayName string `json:"display_name"`
	// Auth is the credential blob the service's poller expects,
	// e.g. "token:secret".
	Auth string `json:"auth"`
}

func (s *Server) handleLinkAccount(w http.ResponseWriter, r *http.Request) {
	user, ok := s.user(w, r)
	if !ok {
		return
	}
	var req linkAccountRequest
	if !s.decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	acct, err := s.identity.ResolveAccount(ctx, model.ForeignUser{
		Service:     req.Service,
		ForeignID:   req.Ident,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if err := s.identity.LinkUser(ctx, acct, user.ID); err != nil {
		s.internalError(w, r, err)
		return
	}
	if req.Auth != "" {
		if err := s.store.SetAccountAuth(ctx, acct.ID, req.Auth); err != nil {
			s.internalError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, newAccountView(acct))
}

// --- Stream ---

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	user, ok := s.user(w, r)
	if !ok {
		return
	}
	limit := defaultStreamLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxStreamLimit)
	}

	entries, err := s.store.GetUserStream(r.Context(), user.ID, limit)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	out := make([]streamEntryView, 0, len(entries))
	for i := range entries {
		out = append(out, newStreamEntryView(&entries[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

// --- Import ---

func (s *Server) handleImportLiveJournal(w http.ResponseWriter, r *http.Request) {
	user, ok := s.user(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxImportBytes)
	file, _, err := r.FormFile("export")
	if err != nil {
		writeError(w, http.StatusBadRequest, "no export file provided")
		return
	}
	defer file.Close()

	res, err := s.importer.Import(r.Context(), file, user)
	if errors.Is(err, model.ErrMalformedPayload) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Polling ---

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), refreshTimeout)
	defer cancel()

	results, err := s.poller.PollAll(ctx)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	var items, failed int
	for _, st := range results {
		items += st.Items
		failed += st.Errors
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"accounts": len(results),
		"items":    items,
		"errors":   failed,
	})
}

// --- Settings ---

type settingsRequest struct {
	PollingInterval int `json:"polling_interval"`
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	interval, err := s.store.GetPollingInterval(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"polling_interval": interval})
}

func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.PollingInterval < database.MinPollingInterval {
		req.PollingInterval = database.MinPollingInterval
	}
	if err := s.store.SetSetting(r.Context(), model.SettingPollingInterval, strconv.Itoa(req.PollingInterval)); err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "polling_interval": req.PollingInterval})
}

// --- Health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"database": s.store.DatabaseType(),
		"services": s.poller.Services(),
	})
}

// --- Helpers ---

// user loads the {userID} route parameter, writing an error if it fails.
func (s *Server) user(w http.ResponseWriter, r *http.Request) (*model.User, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return nil, false
	}
	user, err := s.store.GetUser(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return nil, false
	}
	if err != nil {
		s.internalError(w, r, err)
		return nil, false
	}
	return user, true
}

// decode reads a JSON body into v and validates it.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := validation.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	logging.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
