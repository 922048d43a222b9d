package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"slices"
	"strconv"

	"github.com/entrhq/shale/pkg/pool"
)

// maxBodyBytes caps request bodies
const maxBodyBytes = 1 << 20

// Pool is the session pool behind the HTTP API.
type Pool interface {
	CreateBrowser(ctx context.Context, req pool.CreateRequest) (pool.Session, error)
	ReserveBrowser(ctx context.Context, req pool.CreateRequest) (pool.Session, error)
	RunningBrowsers(f pool.Filter) (iter.Seq[pool.Session], error)
	Get(id string) (pool.Session, error)
	Update(id string, tags *[]string, reserved *bool) (pool.Session, error)
	Touch(id string) (pool.Session, error)
	Reserve(id string) (pool.Session, error)
	Release(id string) (pool.Session, error)
	DeleteBrowser(ctx context.Context, id string, force bool) error
	Stats() pool.Stats
}

// CreateSessionRequest is the body of POST /sessions.
type CreateSessionRequest struct {
	BrowserName string   `json:"browser_name"`
	Tags        []string `json:"tags,omitempty"`
	Reserve     bool     `json:"reserve,omitempty"`
}

// UpdateSessionRequest is the body of PATCH /sessions/{id}. Absent fields
// are left unchanged.
type UpdateSessionRequest struct {
	Tags     *[]string `json:"tags,omitempty"`
	Reserved *bool     `json:"reserved,omitempty"`
}

// ReserveAnyRequest is the body of POST /reservations.
type ReserveAnyRequest struct {
	BrowserName string   `json:"browser_name"`
	Tags        []string `json:"tags,omitempty"`
}

// handlers binds the REST endpoints to a pool.
type handlers struct {
	pool Pool
}

func (h *handlers) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /sessions", h.createSession)
	mux.HandleFunc("GET /sessions", h.listSessions)
	mux.HandleFunc("GET /sessions/{id}", h.getSession)
	mux.HandleFunc("PATCH /sessions/{id}", h.updateSession)
	mux.HandleFunc("DELETE /sessions/{id}", h.deleteSession)
	mux.HandleFunc("POST /sessions/{id}/reserve", h.reserveSession)
	mux.HandleFunc("POST /sessions/{id}/release", h.releaseSession)
	mux.HandleFunc("POST /sessions/{id}/touch", h.touchSession)
	mux.HandleFunc("POST /reservations", h.reserveAny)
	mux.HandleFunc("GET /stats", h.stats)
	mux.HandleFunc("GET /healthz", h.healthz)
}

func (h *handlers) createSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.BrowserName == "" {
		writeError(w, badRequest("browser_name is required"))
		return
	}

	s, err := h.pool.CreateBrowser(r.Context(), pool.CreateRequest{
		BrowserName: req.BrowserName,
		Tags:        req.Tags,
		Reserve:     req.Reserve,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

func (h *handlers) listSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := pool.Filter{
		BrowserName: q.Get("browser_name"),
		Tags:        q["tag"],
	}
	if v := q.Get("reserved"); v != "" {
		reserved, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, badRequest("reserved must be true or false, got %q", v))
			return
		}
		f.Reserved = &reserved
	}

	seq, err := h.pool.RunningBrowsers(f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, slices.AppendSeq(make([]pool.Session, 0), seq))
}

func (h *handlers) getSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.pool.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// updateSession replaces tags and applies the reservation change together.
// Requesting the reservation state a session already has is a conflict, as
// on the reserve and release endpoints, and leaves the tags unchanged.
func (h *handlers) updateSession(w http.ResponseWriter, r *http.Request) {
	var req UpdateSessionRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Tags == nil && req.Reserved == nil {
		writeError(w, badRequest("nothing to update: set tags or reserved"))
		return
	}

	s, err := h.pool.Update(r.PathValue("id"), req.Tags, req.Reserved)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *handlers) deleteSession(w http.ResponseWriter, r *http.Request) {
	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		var err error
		if force, err = strconv.ParseBool(v); err != nil {
			writeError(w, badRequest("force must be true or false, got %q", v))
			return
		}
	}

	if err := h.pool.DeleteBrowser(r.Context(), r.PathValue("id"), force); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) reserveSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.pool.Reserve(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *handlers) releaseSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.pool.Release(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// touchSession keeps a session from being reaped as idle.
func (h *handlers) touchSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.pool.Touch(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *handlers) reserveAny(w http.ResponseWriter, r *http.Request) {
	var req ReserveAnyRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.BrowserName == "" {
		writeError(w, badRequest("browser_name is required"))
		return
	}

	s, err := h.pool.ReserveBrowser(r.Context(), pool.CreateRequest{
		BrowserName: req.BrowserName,
		Tags:        req.Tags,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *handlers) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.pool.Stats())
}

func (h *handlers) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readJSON decodes exactly one JSON object into v, rejecting unknown fields.
func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return badRequest("request body is required")
		}
		return badRequest("malformed request body: %v", err)
	}
	if dec.More() {
		return badRequest("request body must contain a single JSON object")
	}
	return nil
}

func badRequest(format string, args ...any) error {
	return &pool.Error{Kind: pool.KindInvalidRequest, Message: fmt.Sprintf(format, args...)}
}
