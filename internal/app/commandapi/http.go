package commandapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/lems-live/project/internal/app/engine"
	"github.com/lems-live/project/internal/app/identity"
	platformauth "github.com/lems-live/project/internal/platform/auth"
)

type Handler struct {
	Service       *Service
	Identity      *identity.Service
	AllowedOrigin string
}

func NewHandler(service *Service, identitySvc *identity.Service, allowedOrigin string) *Handler {
	return &Handler{
		Service:       service,
		Identity:      identitySvc,
		AllowedOrigin: allowedOrigin,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(h.corsMiddleware)

	r.Post("/api/v1/auth/login", h.handleLogin)
	r.Post("/api/v1/auth/refresh", h.handleRefresh)
	r.Post("/api/v1/auth/logout", h.handleLogout)

	r.Group(func(authR chi.Router) {
		authR.Use(h.authMiddleware)

		authR.Post("/api/v1/volunteers", h.handleRegisterVolunteer)
		authR.Post("/api/v1/volunteers/{volunteerID}/divisions/{divisionID}", h.handleAssignDivision)
		authR.Delete("/api/v1/volunteers/{volunteerID}/divisions/{divisionID}", h.handleUnassignDivision)

		authR.Route("/api/v1/divisions/{divisionID}", func(divR chi.Router) {
			divR.Get("/state", h.handleDivisionState)
			divR.Get("/matches", h.handleListMatches)
			divR.Get("/matches/{matchID}", h.handleGetMatch)
			divR.Get("/judging-sessions", h.handleListSessions)
			divR.Get("/scoresheets/{scoresheetID}", h.handleGetScoresheet)
			divR.Get("/deliberations/{deliberationID}", h.handleGetDeliberation)

			divR.Post("/matches/{matchID}/load", h.handleMatchCommand(commandLoad))
			divR.Post("/matches/{matchID}/activate", h.handleMatchCommand(commandActivate))
			divR.Post("/matches/{matchID}/complete", h.handleMatchCommand(commandComplete))
			divR.Post("/matches/{matchID}/abort", h.handleMatchCommand(commandAbort))
			divR.Post("/matches/{matchID}/called", h.handleMatchCalled)

			divR.Patch("/judging-sessions/{sessionID}", h.handleUpdateJudgingSession)
			divR.Post("/judging-sessions/{sessionID}/start", h.handleStartJudgingSession)
			divR.Post("/judging-sessions/{sessionID}/complete", h.handleCompleteJudgingSession)

			divR.Patch("/scoresheets/{scoresheetID}", h.handleUpdateScoresheet)
			divR.Post("/scoresheets/{scoresheetID}/reset", h.handleResetScoresheet)

			divR.Post("/deliberations/{deliberationID}/start", h.handleDeliberation(commandStart))
			divR.Post("/deliberations/{deliberationID}/advance", h.handleDeliberation(commandAdvance))
			divR.Post("/deliberations/{deliberationID}/complete", h.handleDeliberation(commandComplete))

			divR.Put("/display", h.handleSetDisplay)
		})
	})

	return r
}

const (
	commandLoad     = "load"
	commandActivate = "activate"
	commandComplete = "complete"
	commandAbort    = "abort"
	commandStart    = "start"
	commandAdvance  = "advance"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type registerVolunteerRequest struct {
	Username  string   `json:"username"`
	Password  string   `json:"password"`
	Role      string   `json:"role"`
	Divisions []string `json:"divisions"`
}

// commandRequest carries the optimistic concurrency check shared by
// every command. A zero if_version skips the check.
type commandRequest struct {
	IfVersion uint64 `json:"if_version"`
}

type calledRequest struct {
	Called    bool   `json:"called"`
	IfVersion uint64 `json:"if_version"`
}

type judgingUpdateRequest struct {
	Queued    *bool  `json:"queued"`
	Called    *bool  `json:"called"`
	IfVersion uint64 `json:"if_version"`
}

type scoresheetUpdateRequest struct {
	Status    string `json:"status"`
	IfVersion uint64 `json:"if_version"`
}

type displayRequest struct {
	ActiveDisplay string                     `json:"active_display"`
	Settings      map[string]json.RawMessage `json:"settings"`
	IfVersion     uint64                     `json:"if_version"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	resp, err := h.Identity.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			h.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	resp, err := h.Identity.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrRefreshTokenMissing):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, identity.ErrInvalidRefreshToken):
			h.writeError(w, http.StatusUnauthorized, err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if err := h.Identity.Logout(r.Context(), req.RefreshToken); err != nil {
		if errors.Is(err, identity.ErrRefreshTokenMissing) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRegisterVolunteer(w http.ResponseWriter, r *http.Request) {
	var req registerVolunteerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())
	resp, err := h.Identity.Register(r.Context(), claims.Role, req.Username, req.Password, req.Role, req.Divisions)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrInvalidUsername), errors.Is(err, identity.ErrInvalidPassword),
			errors.Is(err, identity.ErrInvalidRole), errors.Is(err, identity.ErrInvalidDivisionID):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, identity.ErrForbiddenRole):
			h.writeError(w, http.StatusForbidden, err.Error())
		default:
			if strings.Contains(strings.ToLower(err.Error()), "duplicate") {
				h.writeError(w, http.StatusConflict, "username already exists")
				return
			}
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleAssignDivision(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	err := h.Identity.AssignDivision(r.Context(), claims.Role, chi.URLParam(r, "volunteerID"), chi.URLParam(r, "divisionID"))
	if err != nil {
		h.writeIdentityError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleUnassignDivision(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	err := h.Identity.UnassignDivision(r.Context(), claims.Role, chi.URLParam(r, "volunteerID"), chi.URLParam(r, "divisionID"))
	if err != nil {
		h.writeIdentityError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// divisionRole checks the caller's assignment to the division in the
// URL and returns their role for the command privilege check.
func (h *Handler) divisionRole(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	divisionID := chi.URLParam(r, "divisionID")
	claims := claimsFromContext(r.Context())
	role, err := h.Identity.EnsureDivision(r.Context(), claims.Subject, divisionID)
	if err != nil {
		h.writeIdentityError(w, err)
		return "", "", false
	}
	return divisionID, role, true
}

func (h *Handler) handleMatchCommand(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		divisionID, role, ok := h.divisionRole(w, r)
		if !ok {
			return
		}
		var req commandRequest
		if err := decodeOptional(r, &req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}
		matchID := chi.URLParam(r, "matchID")

		var (
			m   any
			err error
		)
		switch action {
		case commandLoad:
			m, err = h.Service.LoadMatch(role, divisionID, matchID, req.IfVersion)
		case commandActivate:
			m, err = h.Service.ActivateMatch(role, divisionID, matchID, req.IfVersion)
		case commandComplete:
			m, err = h.Service.CompleteMatch(role, divisionID, matchID, req.IfVersion)
		case commandAbort:
			m, err = h.Service.AbortMatch(role, divisionID, matchID, req.IfVersion)
		}
		if err != nil {
			h.writeEngineError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, m)
	}
}

func (h *Handler) handleMatchCalled(w http.ResponseWriter, r *http.Request) {
	divisionID, role, ok := h.divisionRole(w, r)
	if !ok {
		return
	}
	var req calledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	m, err := h.Service.SetMatchCalled(role, divisionID, chi.URLParam(r, "matchID"), req.Called, req.IfVersion)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, m)
}

func (h *Handler) handleUpdateJudgingSession(w http.ResponseWriter, r *http.Request) {
	divisionID, role, ok := h.divisionRole(w, r)
	if !ok {
		return
	}
	var req judgingUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.Queued == nil && req.Called == nil {
		h.writeError(w, http.StatusBadRequest, "queued or called is required")
		return
	}
	sess, err := h.Service.UpdateJudgingSession(role, divisionID, chi.URLParam(r, "sessionID"), req.Queued, req.Called, req.IfVersion)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleStartJudgingSession(w http.ResponseWriter, r *http.Request) {
	divisionID, role, ok := h.divisionRole(w, r)
	if !ok {
		return
	}
	var req commandRequest
	if err := decodeOptional(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	sess, err := h.Service.StartJudgingSession(role, divisionID, chi.URLParam(r, "sessionID"), req.IfVersion)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleCompleteJudgingSession(w http.ResponseWriter, r *http.Request) {
	divisionID, role, ok := h.divisionRole(w, r)
	if !ok {
		return
	}
	var req commandRequest
	if err := decodeOptional(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	sess, err := h.Service.CompleteJudgingSession(role, divisionID, chi.URLParam(r, "sessionID"), req.IfVersion)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleUpdateScoresheet(w http.ResponseWriter, r *http.Request) {
	divisionID, role, ok := h.divisionRole(w, r)
	if !ok {
		return
	}
	var req scoresheetUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if strings.TrimSpace(req.Status) == "" {
		h.writeError(w, http.StatusBadRequest, "status is required")
		return
	}
	sheet, err := h.Service.UpdateScoresheetStatus(role, divisionID, chi.URLParam(r, "scoresheetID"), req.Status, req.IfVersion)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sheet)
}

func (h *Handler) handleResetScoresheet(w http.ResponseWriter, r *http.Request) {
	divisionID, role, ok := h.divisionRole(w, r)
	if !ok {
		return
	}
	var req commandRequest
	if err := decodeOptional(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	sheet, err := h.Service.ResetScoresheet(role, divisionID, chi.URLParam(r, "scoresheetID"), req.IfVersion)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sheet)
}

func (h *Handler) handleDeliberation(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		divisionID, role, ok := h.divisionRole(w, r)
		if !ok {
			return
		}
		var req commandRequest
		if err := decodeOptional(r, &req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}
		deliberationID := chi.URLParam(r, "deliberationID")

		var (
			del any
			err error
		)
		switch action {
		case commandStart:
			del, err = h.Service.StartFinalDeliberation(role, divisionID, deliberationID, req.IfVersion)
		case commandAdvance:
			del, err = h.Service.AdvanceFinalDeliberationStage(role, divisionID, deliberationID, req.IfVersion)
		case commandComplete:
			del, err = h.Service.CompleteFinalDeliberation(role, divisionID, deliberationID, req.IfVersion)
		}
		if err != nil {
			h.writeEngineError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, del)
	}
}

func (h *Handler) handleSetDisplay(w http.ResponseWriter, r *http.Request) {
	divisionID, role, ok := h.divisionRole(w, r)
	if !ok {
		return
	}
	var req displayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	display, err := h.Service.SetAudienceDisplay(role, divisionID, req.ActiveDisplay, req.Settings, req.IfVersion)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, display)
}

func (h *Handler) handleDivisionState(w http.ResponseWriter, r *http.Request) {
	divisionID, _, ok := h.divisionRole(w, r)
	if !ok {
		return
	}
	state, err := h.Service.Engine.DivisionState(divisionID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, state)
}

func (h *Handler) handleListMatches(w http.ResponseWriter, r *http.Request) {
	divisionID, _, ok := h.divisionRole(w, r)
	if !ok {
		return
	}
	matches, err := h.Service.Engine.Matches(divisionID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, matches)
}

func (h *Handler) handleGetMatch(w http.ResponseWriter, r *http.Request) {
	divisionID, _, ok := h.divisionRole(w, r)
	if !ok {
		return
	}
	m, err := h.Service.Engine.Match(divisionID, chi.URLParam(r, "matchID"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, m)
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	divisionID, _, ok := h.divisionRole(w, r)
	if !ok {
		return
	}
	sessions, err := h.Service.Engine.Sessions(divisionID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sessions)
}

func (h *Handler) handleGetScoresheet(w http.ResponseWriter, r *http.Request) {
	divisionID, _, ok := h.divisionRole(w, r)
	if !ok {
		return
	}
	sheet, err := h.Service.Engine.Scoresheet(divisionID, chi.URLParam(r, "scoresheetID"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sheet)
}

func (h *Handler) handleGetDeliberation(w http.ResponseWriter, r *http.Request) {
	divisionID, _, ok := h.divisionRole(w, r)
	if !ok {
		return
	}
	del, err := h.Service.Engine.Deliberation(divisionID, chi.URLParam(r, "deliberationID"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, del)
}

// decodeOptional tolerates an empty body for commands whose only field
// is the optional if_version.
func decodeOptional(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// writeEngineError maps the engine taxonomy onto HTTP. The three 409
// variants carry distinct codes so clients can tell a lost race from a
// rule violation.
func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrConflict):
		h.writeErrorCode(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, engine.ErrFieldBusy):
		h.writeErrorCode(w, http.StatusConflict, "field_busy", err.Error())
	case errors.Is(err, engine.ErrAlreadyFinal):
		h.writeErrorCode(w, http.StatusConflict, "already_final", err.Error())
	case errors.Is(err, engine.ErrInvalidTransition):
		h.writeErrorCode(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, engine.ErrNotFound):
		h.writeErrorCode(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, identity.ErrForbiddenRole), errors.Is(err, identity.ErrForbiddenDivision):
		h.writeErrorCode(w, http.StatusForbidden, "forbidden", err.Error())
	default:
		h.writeErrorCode(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func (h *Handler) writeIdentityError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, identity.ErrInvalidDivisionID):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, identity.ErrForbiddenRole), errors.Is(err, identity.ErrForbiddenDivision):
		h.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, identity.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "volunteer not found")
	default:
		h.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Vary", "Origin, Access-Control-Request-Headers")
		w.Header().Set("Access-Control-Allow-Origin", h.allowedOriginForRequest(r.Header.Get("Origin")))
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")

		requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers"))
		if requestHeaders != "" {
			w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
		} else {
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		// Preflights carry no credentials and must be answered before
		// auth runs, whatever route they target.
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) allowedOriginForRequest(requestOrigin string) string {
	allowed := strings.TrimSpace(h.AllowedOrigin)
	if allowed == "" {
		return "*"
	}
	if allowed == "*" {
		return allowed
	}

	origin := strings.TrimSpace(requestOrigin)
	if origin == "" {
		return allowed
	}
	if origin == allowed {
		return origin
	}
	if isEquivalentLoopbackOrigin(origin, allowed) {
		return origin
	}
	return allowed
}

func isEquivalentLoopbackOrigin(originA, originB string) bool {
	a, err := url.Parse(originA)
	if err != nil {
		return false
	}
	b, err := url.Parse(originB)
	if err != nil {
		return false
	}
	if !isLoopbackHost(a.Hostname()) || !isLoopbackHost(b.Hostname()) {
		return false
	}
	if a.Port() != b.Port() {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme)
}

func isLoopbackHost(host string) bool {
	switch strings.ToLower(strings.TrimSpace(host)) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

type claimsContextKey struct{}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := platformauth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			h.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := h.Identity.AuthToken.Parse(token)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := r.Context()
		ctx = contextWithClaims(ctx, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

func (h *Handler) writeErrorCode(w http.ResponseWriter, status int, code, msg string) {
	h.writeJSON(w, status, map[string]string{"code": code, "error": msg})
}

func contextWithClaims(ctx context.Context, claims platformauth.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

func claimsFromContext(ctx context.Context) platformauth.Claims {
	claims, _ := ctx.Value(claimsContextKey{}).(platformauth.Claims)
	return claims
}
