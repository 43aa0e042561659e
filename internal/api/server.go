// Package api implements §6.1's HTTP surface and §6.2's WebSocket channel
// on top of an app.Application, grounded on the teacher's
// internal/api/server.go router/middleware layering (chi.Mux, a
// security middleware wrapping every route, an audit log entry per
// request) generalized from token+localhost enforcement to session-cookie
// login, since this service is reached over the network rather than
// confined to 127.0.0.1.
package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"bookforge/internal/app"
	"bookforge/internal/auth"
	"bookforge/internal/sources"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const sessionCookieName = "bookforge_session"

// releaseCacheTTL bounds how long a search result stays resolvable by id
// before /api/info or /api/download must be preceded by a fresh search.
const releaseCacheTTL = 15 * time.Minute

type cachedRelease struct {
	release sources.Release
	at      time.Time
}

// Server is the HTTP/WebSocket front end over one Application.
type Server struct {
	app    *app.Application
	router *chi.Mux

	mu       sync.Mutex
	sessions map[string]string // token -> username
	releases map[string]cachedRelease
}

func NewServer(a *app.Application) *Server {
	s := &Server{
		app:      a,
		router:   chi.NewRouter(),
		sessions: make(map[string]string),
		releases: make(map[string]cachedRelease),
	}
	s.setupRoutes()
	return s
}

func (s *Server) Router() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.auditMiddleware)

	// Every endpoint is mounted twice: at /api and at /request/api, the
	// reverse-proxy-friendly alias.
	s.router.Route("/api", s.apiRoutes)
	s.router.Route("/request/api", s.apiRoutes)
}

func (s *Server) apiRoutes(r chi.Router) {
	r.Get("/search", s.handleSearch)
	r.Get("/info", s.handleInfo)
	r.With(s.requireAuth).Get("/download", s.handleDownload)
	r.Get("/status", s.handleStatus)
	r.Get("/stats", s.handleStats)
	r.With(s.requireAuth).Get("/localdownload", s.handleLocalDownload)
	r.With(s.requireAuth).Delete("/download/{id}/cancel", s.handleCancel)
	r.With(s.requireAuth).Put("/queue/{id}/priority", s.handlePriority)
	r.With(s.requireAuth).Post("/queue/reorder", s.handleReorder)
	r.Get("/queue/order", s.handleQueueOrder)
	r.Get("/downloads/active", s.handleActiveDownloads)
	r.With(s.requireAuth).Delete("/queue/clear", s.handleClear)

	r.Post("/auth/login", s.handleLogin)
	r.Post("/auth/logout", s.handleLogout)
	r.Get("/auth/check", s.handleAuthCheck)

	r.With(s.requireAuth).Get("/config", s.handleConfigGet)
	r.With(s.requireAuth).Put("/config", s.handleConfigPut)
	r.With(s.requireAuth).Post("/config/action/{name}", s.handleConfigAction)

	r.Get("/ws", s.handleWebSocket)
}

// auditMiddleware logs every request's outcome via the Audit Logger,
// mirroring the teacher's per-request audit entry but without the
// localhost/token gate, which this service does not apply network-wide.
func (s *Server) auditMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sourceIP, _, _ := net.SplitHostPort(r.RemoteAddr)
		if sourceIP == "" {
			sourceIP = r.RemoteAddr
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.app.Audit.Log(sourceIP, r.UserAgent(), r.Method+" "+r.URL.Path, rec.status, "")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack delegates to the wrapped writer so the audit middleware doesn't
// break the WebSocket upgrade, which needs the raw connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("api: underlying writer does not support hijacking")
	}
	return h.Hijack()
}

// requireAuth rejects requests without a valid session cookie, unless no
// credentials have been provisioned at all (auth_required == false).
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authRequired() {
			next.ServeHTTP(w, r)
			return
		}
		if _, ok := s.sessionUser(r); !ok {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authRequired() bool {
	n, err := s.app.Storage.CountAuthUsers()
	return err == nil && n > 0
}

func (s *Server) sessionUser(r *http.Request) (string, bool) {
	c, err := r.Cookie(sessionCookieName)
	if err != nil {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.sessions[c.Value]
	return u, ok
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// --- Search / Info -----------------------------------------------------

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := sources.SearchQuery{
		Query:        q.Get("query"),
		ISBN:         q["isbn"],
		Author:       q["author"],
		Title:        q["title"],
		Languages:    q["lang"],
		Sort:         q.Get("sort"),
		ContentTypes: q["content"],
		Formats:      q["format"],
	}

	results := s.app.Sources.SearchAll(r.Context(), query)

	s.mu.Lock()
	now := time.Now()
	for _, rel := range results {
		s.releases[rel.SourceID] = cachedRelease{release: rel, at: now}
	}
	s.pruneReleasesLocked(now)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, results)
}

func (s *Server) pruneReleasesLocked(now time.Time) {
	for id, c := range s.releases {
		if now.Sub(c.at) > releaseCacheTTL {
			delete(s.releases, id)
		}
	}
}

func (s *Server) lookupRelease(id string) (sources.Release, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.releases[id]
	return c.release, ok
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	rel, ok := s.lookupRelease(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown release id")
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

// --- Download lifecycle --------------------------------------------------

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing id")
		return
	}
	rel, ok := s.lookupRelease(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown release id")
		return
	}

	priority := 1
	if p := r.URL.Query().Get("priority"); p != "" {
		fmt.Sscanf(p, "%d", &priority)
	}

	contentType := "book"
	if len(rel.Extra) > 0 {
		if ct, ok := rel.Extra["content_type"]; ok && ct != "" {
			contentType = ct
		}
	}

	if _, err := s.app.EnqueueRelease(rel, contentType, priority); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "queued", "priority": priority})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Queue.Snapshot())
}

func (s *Server) handleLocalDownload(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	t, ok := s.app.Queue.Get(id)
	if !ok || t.DownloadPath == "" {
		writeError(w, http.StatusNotFound, "file not available")
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename=%q`, fileName(t.DownloadPath)))
	http.ServeFile(w, r, t.DownloadPath)
}

func fileName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[i+1:]
		}
	}
	return path
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.app.Queue.CancelDownload(id) {
		writeError(w, http.StatusNotFound, "unknown task")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cancelled", "book_id": id})
}

func (s *Server) handlePriority(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Priority int `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := s.app.Queue.SetPriority(id, body.Priority); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "updated", "task_id": id, "priority": body.Priority})
}

func (s *Server) handleReorder(w http.ResponseWriter, r *http.Request) {
	var body struct {
		BookPriorities map[string]int `json:"book_priorities"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	count := s.app.Queue.Reorder(body.BookPriorities)
	writeJSON(w, http.StatusOK, map[string]any{"status": "reordered", "updated_count": count})
}

func (s *Server) handleQueueOrder(w http.ResponseWriter, r *http.Request) {
	order := s.app.Queue.GetQueueOrder()
	ids := make([]string, len(order))
	for i, t := range order {
		ids[i] = t.ID
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": ids})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Stats.Snapshot())
}

func (s *Server) handleActiveDownloads(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"active_downloads": s.app.Queue.ActiveDownloads()})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	removed := s.app.Queue.ClearCompleted(0)
	writeJSON(w, http.StatusOK, map[string]any{"status": "cleared", "removed_count": removed})
}

// --- Auth ----------------------------------------------------------------

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username   string `json:"username"`
		Password   string `json:"password"`
		RememberMe bool   `json:"remember_me"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Username == "" {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	sourceIP, _, _ := net.SplitHostPort(r.RemoteAddr)
	if !s.app.Lockout.Allowed(sourceIP) {
		minutes := int(math.Ceil(s.app.Lockout.Remaining(sourceIP).Minutes()))
		writeError(w, http.StatusTooManyRequests, fmt.Sprintf("too many failed attempts, try again in %d minutes", minutes))
		return
	}

	if !auth.Verify(s.app.Storage, body.Username, body.Password) {
		s.app.Lockout.RecordFailure(sourceIP)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	s.app.Lockout.RecordSuccess(sourceIP)

	token := s.app.Config.NewSessionToken()
	s.mu.Lock()
	s.sessions[token] = body.Username
	s.mu.Unlock()

	maxAge := 0
	if body.RememberMe {
		maxAge = int((30 * 24 * time.Hour).Seconds())
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(sessionCookieName); err == nil {
		s.mu.Lock()
		delete(s.sessions, c.Value)
		s.mu.Unlock()
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookieName, Value: "", Path: "/", MaxAge: -1})
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleAuthCheck(w http.ResponseWriter, r *http.Request) {
	_, authenticated := s.sessionUser(r)
	writeJSON(w, http.StatusOK, map[string]bool{
		"authenticated": authenticated,
		"auth_required": s.authRequired(),
	})
}

// --- Configuration surface -------------------------------------------------

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"schema": s.app.Config.Schema(),
		"values": s.app.Config.Values(),
	})
}

func (s *Server) handleConfigPut(w http.ResponseWriter, r *http.Request) {
	var values map[string]string
	if err := json.NewDecoder(r.Body).Decode(&values); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := s.app.Config.SetMany(values); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleConfigAction(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !s.app.Config.HasAction(name) {
		writeError(w, http.StatusNotFound, "unknown action")
		return
	}
	var values map[string]string
	json.NewDecoder(r.Body).Decode(&values) // an empty/absent body just means "no edited values"

	success, message := s.app.Config.RunAction(r.Context(), name, values)
	status := http.StatusOK
	if !success {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]any{"success": success, "message": message})
}
