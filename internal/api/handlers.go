package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dturbay/secmgr/internal/logger"
	"github.com/dturbay/secmgr/pkg/session"
)

// Handler serves the session manager operation surface over HTTP.
//
// The API is consumed by gateway request handlers running out of process;
// it binds to loopback by default and carries no authentication of its own.
type Handler struct {
	manager *session.Manager
}

// NewHandler creates the API handler over a session manager.
func NewHandler(manager *session.Manager) *Handler {
	return &Handler{manager: manager}
}

// writeJSON writes a JSON response with the given status code.
//
// Encoding is done to a buffer first so an encoding failure can still
// produce an error response before any headers are sent.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response", logger.KeyError, err)
		http.Error(w, `{"title":"Internal Server Error","status":500}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// writeOpError maps session manager errors onto problem responses.
func writeOpError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		notFound(w, "session not found")
	case errors.Is(err, session.ErrEmptyKey):
		badRequest(w, "key must not be empty")
	case errors.Is(err, session.ErrBackendUnavailable):
		serviceUnavailable(w, "session store unavailable")
	default:
		writeProblem(w, http.StatusInternalServerError, "Internal Server Error", err.Error())
	}
}

// optional renders an absent string as JSON null.
func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// ============================================================================
// Session lifecycle
// ============================================================================

type createSessionResponse struct {
	ID string `json:"id"`
}

// CreateSession handles POST /v1/sessions.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	id, err := h.manager.CreateSession(r.Context())
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createSessionResponse{ID: id})
}

type sessionResponse struct {
	ID         string  `json:"id"`
	AgeSeconds float64 `json:"age_seconds"`
}

// GetSession handles GET /v1/sessions/{id}: existence plus age. Counts as
// session activity.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	age, err := h.manager.SessionAge(r.Context(), id)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{ID: id, AgeSeconds: age.Seconds()})
}

// HeadSession handles HEAD /v1/sessions/{id}: a pure liveness probe that
// does not refresh the idle clock.
func (h *Handler) HeadSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	exists, err := h.manager.SessionExists(r.Context(), id)
	if err != nil {
		writeOpError(w, err)
		return
	}
	if !exists {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteSession handles DELETE /v1/sessions/{id}.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.manager.DeleteSession(r.Context(), id); err != nil {
		writeOpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// Values
// ============================================================================

type valueResponse struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Binary bool   `json:"binary"`
}

type setValueRequest struct {
	Value  string `json:"value"`
	Binary bool   `json:"binary"`
}

// GetValue handles GET /v1/sessions/{id}/values/{key}. With ?binary=1 the
// value is read through the binary accessor and returned base64-encoded.
func (h *Handler) GetValue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	key := chi.URLParam(r, "key")

	if r.URL.Query().Get("binary") == "1" {
		value, ok, err := h.manager.GetValueBin(r.Context(), id, key)
		if err != nil {
			writeOpError(w, err)
			return
		}
		if !ok {
			notFound(w, "key not found")
			return
		}
		writeJSON(w, http.StatusOK, valueResponse{
			Key:    key,
			Value:  base64.StdEncoding.EncodeToString(value),
			Binary: true,
		})
		return
	}

	value, ok, err := h.manager.GetValue(r.Context(), id, key)
	if err != nil {
		writeOpError(w, err)
		return
	}
	if !ok {
		notFound(w, "key not found")
		return
	}
	writeJSON(w, http.StatusOK, valueResponse{Key: key, Value: value})
}

// SetValue handles PUT /v1/sessions/{id}/values/{key}. A request with
// "binary": true carries the value base64-encoded and stores it through
// the binary accessor.
func (h *Handler) SetValue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	key := chi.URLParam(r, "key")

	var req setValueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}

	var err error
	if req.Binary {
		var raw []byte
		raw, err = base64.StdEncoding.DecodeString(req.Value)
		if err != nil {
			badRequest(w, "value is not valid base64")
			return
		}
		err = h.manager.SetValueBin(r.Context(), id, key, raw)
	} else {
		err = h.manager.SetValue(r.Context(), id, key, req.Value)
	}
	if err != nil {
		writeOpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HeadValue handles HEAD /v1/sessions/{id}/values/{key}: key existence.
// Counts as session activity.
func (h *Handler) HeadValue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	key := chi.URLParam(r, "key")

	exists, err := h.manager.KeyExists(r.Context(), id, key)
	if err != nil {
		writeOpError(w, err)
		return
	}
	if !exists {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// Kerberos delegation
// ============================================================================

type storeIdentityRequest struct {
	// Token is the client-presented negotiation token, base64-encoded.
	Token string `json:"token"`
}

type identityResponse struct {
	Principal *string `json:"principal"`
}

// StoreIdentity handles POST /v1/sessions/{id}/krb5/identity.
//
// A malformed or non-delegating token is not an error: the response simply
// carries a null principal, and any previously stored identity survives.
func (h *Handler) StoreIdentity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req storeIdentityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	token, err := base64.StdEncoding.DecodeString(req.Token)
	if err != nil {
		badRequest(w, "token is not valid base64")
		return
	}

	principal, err := h.manager.StoreKrb5Identity(r.Context(), id, token)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, identityResponse{Principal: optional(principal)})
}

// GetIdentity handles GET /v1/sessions/{id}/krb5/identity.
func (h *Handler) GetIdentity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	principal, err := h.manager.GetKrb5Identity(r.Context(), id)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, identityResponse{Principal: optional(principal)})
}

type ccacheResponse struct {
	Ccache *string `json:"ccache"`
}

// GetCcache handles GET /v1/sessions/{id}/krb5/ccache: the credential
// cache path for backend-call tooling that expects a file on disk.
func (h *Handler) GetCcache(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	path, err := h.manager.GetKrb5CcacheFilename(r.Context(), id)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ccacheResponse{Ccache: optional(path)})
}

type tokenResponse struct {
	Token *string `json:"token"`
}

// GetToken handles GET /v1/sessions/{id}/krb5/token?server=SPN.
func (h *Handler) GetToken(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	server := r.URL.Query().Get("server")
	if server == "" {
		badRequest(w, "server query parameter is required")
		return
	}

	token, err := h.manager.GetKrb5TokenForServer(r.Context(), id, server)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: optional(token)})
}

type serverNameResponse struct {
	ServerName *string `json:"server_name"`
}

// GetServerName handles GET /v1/krb5/server-name: the gateway's own
// service principal, or null when the Kerberos subsystem is disabled.
func (h *Handler) GetServerName(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, serverNameResponse{ServerName: optional(h.manager.Krb5ServerName())})
}

// ============================================================================
// Health
// ============================================================================

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "healthy", Timestamp: time.Now().UTC()})
}
