// Package httpapi wires the connection pool and story generator onto an
// HTTP mux: the WebSocket upgrade endpoint, the story generation
// endpoint, and health/admin JSON endpoints. Grounded on the teacher's
// server/routing.go (one http.HandleFunc per route, a shared
// corsMiddleware wrapper) and server/lsp_handler.go's upgrader pattern.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/prats-2311/story-sign-sub001/internal/logging"
	"github.com/prats-2311/story-sign-sub001/internal/session"
	"github.com/prats-2311/story-sign-sub001/internal/story"
)

// Config carries the HTTP surface's dependencies.
type Config struct {
	Pool           *session.Pool
	StoryGenerator *story.Generator
	AllowedOrigins []string // empty means allow any origin
	Version        string
}

// Server builds and owns the http.ServeMux for StorySign's control
// plane. It does not listen itself — the caller wraps it in an
// http.Server, following the teacher's separation of routing from
// transport lifecycle.
type Server struct {
	cfg      Config
	mux      *http.ServeMux
	upgrader websocket.Upgrader
}

func New(cfg Config) *Server {
	s := &Server{
		cfg: cfg,
		mux: http.NewServeMux(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.routes()
	return s
}

// Handler returns the composed http.Handler for the whole surface.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux.HandleFunc("/", s.cors(s.handleRoot))
	s.mux.HandleFunc("/health", s.cors(s.handleHealth))
	s.mux.HandleFunc("/config", s.cors(s.handleConfig))
	s.mux.HandleFunc("/stats", s.cors(s.handleStats))
	s.mux.HandleFunc("/ws", s.cors(s.handleWebSocket))
	s.mux.HandleFunc("/api/asl-world/story/recognize_and_generate", s.cors(s.handleStoryGenerate))

	// Out-of-scope surfaces per spec's Non-goals: collaborative sessions
	// and the plugin system. These stubs exist so external callers get a defined response instead of
	// a bare 404, without pulling the excluded subsystems into this repo.
	s.mux.HandleFunc("/api/collaborative/", s.cors(s.handleNotImplemented))
	s.mux.HandleFunc("/api/plugins/", s.cors(s.handleNotImplemented))
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == origin {
			return true
		}
	}
	return false
}

// cors mirrors the teacher's corsMiddleware: a single wrapper applied to
// every route rather than per-handler boilerplate.
func (s *Server) cors(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": "storysign",
		"version": s.cfg.Version,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version": s.cfg.Version,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st := s.cfg.Pool.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active_connections": st.ActiveConnections,
		"max_connections":    st.MaxConnections,
		"state":              st.State,
	})
}

// handleWebSocket upgrades the connection and hands it to the pool.
// Grounded on the teacher's lsp_handler.go ServeWS/HandleGLSPWebSocket
// shape: upgrade, then delegate lifetime ownership entirely to the
// session layer.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warnw("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	group := r.URL.Query().Get("group")
	if _, err := s.cfg.Pool.Connect(conn, group); err != nil {
		logging.Warnw("pool rejected connection", "error", err, "remote", r.RemoteAddr)
		_ = conn.WriteJSON(map[string]interface{}{"type": "error", "message": err.Error()})
		_ = conn.Close()
	}
}

func (s *Server) handleStoryGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"success": false, "user_message": "method not allowed"})
		return
	}

	var req story.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success":      false,
			"user_message": "request body must be valid JSON",
		})
		return
	}

	resp, err := s.cfg.StoryGenerator.Generate(r.Context(), req)
	if err != nil {
		if ve, ok := err.(*story.ValidationError); ok {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"success":            false,
				"validation_errors":  ve.Errors,
				"user_message":       "Please check your input and try again.",
			})
			return
		}
		logging.Errorw("story generation failed unexpectedly", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success":      false,
			"user_message": "Something went wrong on our end. Please try again in a few moments.",
		})
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleNotImplemented(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotImplemented, map[string]interface{}{
		"success": false,
		"message": "this surface is not implemented by this server",
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Errorw("failed to encode JSON response", "error", err)
	}
}
