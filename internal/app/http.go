package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"drawbridge/api/internal/auth"
	"drawbridge/api/internal/permission"
	"drawbridge/api/internal/sharelink"
	"drawbridge/api/internal/store"
	"drawbridge/api/internal/util"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     zerolog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, logger zerolog.Logger) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		checks, ready := s.service.Readiness(ctx)
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"ok": ready, "checks": checks})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/login" {
		s.handleLogin(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "share-links":
		s.handleShareLinks(w, r, parts)
	case "share":
		s.handleShare(w, r, parts)
	case "documents":
		s.handleDocuments(w, r, parts)
	case "users":
		s.handleUsers(w, r, parts)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	result, err := s.service.Login(r.Context(), strings.TrimSpace(body.Name), strings.TrimSpace(body.Email))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// POST /api/share-links, DELETE /api/share-links/{id}
func (s *HTTPServer) handleShareLinks(w http.ResponseWriter, r *http.Request, parts []string) {
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodPost && len(parts) == 2 {
		var body struct {
			Scope      string     `json:"scope"`
			DocumentID string     `json:"documentId"`
			ProjectID  string     `json:"projectId"`
			MinRole    string     `json:"minRole"`
			ExpiresAt  *time.Time `json:"expiresAt"`
			MaxUses    *int       `json:"maxUses"`
			Password   string     `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}

		link, shareURL, err := s.service.CreateShareLink(r.Context(), sharelink.CreateInput{
			Scope:      body.Scope,
			DocumentID: body.DocumentID,
			ProjectID:  body.ProjectID,
			MinRole:    body.MinRole,
			ExpiresAt:  body.ExpiresAt,
			MaxUses:    body.MaxUses,
			Password:   body.Password,
			CreatedBy:  session.Sub,
		})
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, shareLinkPayload(link, shareURL))
		return
	}

	if r.Method == http.MethodDelete && len(parts) == 3 {
		if err := s.service.RevokeShareLink(r.Context(), parts[2], session.Sub); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// GET /api/share/{slug}, POST /api/share/{slug}/accept
func (s *HTTPServer) handleShare(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) < 3 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	slug := parts[2]

	if r.Method == http.MethodGet && len(parts) == 3 {
		preview, err := s.service.PreviewShareLink(r.Context(), slug, r.URL.Query().Get("password"))
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, preview)
		return
	}

	if r.Method == http.MethodPost && len(parts) == 4 && parts[3] == "accept" {
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		var body struct {
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}

		result, err := s.service.AcceptShareLink(r.Context(), slug, session.Sub, body.Password)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"documentIds": result.DocumentIDs,
			"role":        result.Role,
			"uses":        result.Uses,
		})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// /api/documents/{id}/snapshot | collaborators[/{userSub}] | export | revisions
func (s *HTTPServer) handleDocuments(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) < 4 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	documentID := parts[2]

	switch parts[3] {
	case "snapshot":
		if r.Method != http.MethodGet || len(parts) != 4 {
			break
		}
		cred, ok := s.credentialFrom(w, r)
		if !ok {
			return
		}
		snapshot, err := s.service.Snapshot(r.Context(), documentID, cred)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, snapshot)
		return

	case "collaborators":
		s.handleCollaborators(w, r, documentID, parts)
		return

	case "export":
		if r.Method != http.MethodGet || len(parts) != 4 {
			break
		}
		cred, ok := s.credentialFrom(w, r)
		if !ok {
			return
		}
		result, err := s.service.Export(r.Context(), documentID, r.URL.Query().Get("sheet"), r.URL.Query().Get("format"), cred)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		w.Header().Set("Content-Type", result.MimeType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)
		return

	case "revisions":
		if r.Method != http.MethodGet || len(parts) != 4 {
			break
		}
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		revisions, err := s.service.Revisions(r.Context(), documentID, session.Sub, limit)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"revisions": revisions})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleCollaborators(w http.ResponseWriter, r *http.Request, documentID string, parts []string) {
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	switch {
	case r.Method == http.MethodGet && len(parts) == 4:
		collaborators, err := s.service.ListCollaborators(r.Context(), documentID, session.Sub)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"collaborators": collaborators})

	case r.Method == http.MethodPost && len(parts) == 4:
		var body InviteInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.InviteCollaborator(r.Context(), documentID, session.Sub, body)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, result)

	case r.Method == http.MethodDelete && len(parts) == 5:
		if err := s.service.RemoveCollaborator(r.Context(), documentID, session.Sub, parts[4]); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// GET /api/users/search?q=
func (s *HTTPServer) handleUsers(w http.ResponseWriter, r *http.Request, parts []string) {
	if r.Method != http.MethodGet || len(parts) != 3 || parts[2] != "search" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	if _, ok := s.requireSession(w, r); !ok {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	results, err := s.service.SearchUsers(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func shareLinkPayload(link store.ShareLink, shareURL string) map[string]any {
	return map[string]any{
		"id":        link.ID,
		"slug":      link.Slug,
		"scope":     link.Scope,
		"minRole":   link.MinRole,
		"expiresAt": link.ExpiresAt,
		"maxUses":   link.MaxUses,
		"shareUrl":  shareURL,
	}
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	return session, true
}

// credentialFrom accepts either a bearer session or a ?slug= share-link
// credential, for the endpoints guests may call.
func (s *HTTPServer) credentialFrom(w http.ResponseWriter, r *http.Request) (permission.Credential, bool) {
	if token := bearerToken(r); token != "" {
		session, err := s.service.SessionFromToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return permission.Credential{}, false
		}
		return permission.Credential{ActorSub: session.Sub}, true
	}
	if slug := r.URL.Query().Get("slug"); slug != "" {
		return permission.Credential{
			LinkSlug:     slug,
			LinkPassword: r.URL.Query().Get("password"),
		}, true
	}
	writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	return permission.Credential{}, false
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.ShortID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("request")
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, sql.ErrNoRows), errors.Is(err, sharelink.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, sharelink.ErrRevoked):
		return http.StatusForbidden, "FORBIDDEN", "Share link revoked", nil
	case errors.Is(err, sharelink.ErrExpired):
		return http.StatusForbidden, "FORBIDDEN", "Share link expired", nil
	case errors.Is(err, sharelink.ErrExhausted):
		return http.StatusForbidden, "FORBIDDEN", "Usage limit exceeded", nil
	case errors.Is(err, sharelink.ErrPasswordRequired), errors.Is(err, sharelink.ErrWrongPassword):
		return http.StatusForbidden, "FORBIDDEN", "Share link password required", nil
	case errors.Is(err, sharelink.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	case errors.Is(err, sharelink.ErrInvalidInput):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, store.ErrVersionConflict):
		return http.StatusConflict, "CONFLICT", "Version conflict", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
