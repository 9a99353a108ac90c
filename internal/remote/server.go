package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/readerkit/readsync/internal/schema"
)

// ServerConfig holds server configuration.
type ServerConfig struct {
	// Addr to listen on (default: 127.0.0.1:8787, port 0 picks a free port)
	Addr string

	// Authenticate maps a bearer token to a user id. The default accepts any
	// non-empty token and uses it as the user id.
	Authenticate func(token string) (string, bool)

	// Logger for server activity (default: log.Default())
	Logger *log.Logger
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Addr:   "127.0.0.1:8787",
		Logger: log.Default(),
	}
}

// Server exposes a Backend over HTTP, with change events on a websocket.
type Server struct {
	backend Backend
	config  *ServerConfig

	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]Table
	clientsMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *log.Logger
}

// NewServer creates a server for backend.
func NewServer(backend Backend, config *ServerConfig) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}
	if config.Authenticate == nil {
		config.Authenticate = func(token string) (string, bool) {
			token = strings.TrimSpace(token)
			return token, token != ""
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		backend: backend,
		config:  config,
		clients: make(map[*websocket.Conn]Table),
		ctx:     ctx,
		cancel:  cancel,
		logger:  config.Logger,
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("PUT /v1/positions/{bookId}", s.authed(s.handleUpsertPosition))
	mux.HandleFunc("GET /v1/positions/{bookId}", s.authed(s.handleFetchPosition))
	for _, table := range []Table{TableHighlights, TableBookmarks} {
		mux.HandleFunc("GET /v1/"+string(table), s.authed(s.handleListAnnotations(table)))
		mux.HandleFunc("PUT /v1/"+string(table)+"/{cloudId}", s.authed(s.handleUpsertAnnotation(table)))
		mux.HandleFunc("DELETE /v1/"+string(table)+"/{cloudId}", s.authed(s.handleDeleteAnnotation(table)))
	}
	mux.HandleFunc("GET /v1/preferences", s.authed(s.handleFetchPreferences))
	mux.HandleFunc("PUT /v1/preferences", s.authed(s.handleUpsertPreferences))
	mux.HandleFunc("GET /v1/changes", s.authed(s.handleChanges))
	return mux
}

// Start begins serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Sync server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Stop closes websocket clients and shuts the HTTP server down.
func (s *Server) Stop() error {
	s.logger.Println("Stopping sync server")
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}
	s.wg.Wait()
	s.logger.Println("Sync server stopped")
	return nil
}

// GetAddr returns the listening address.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

// ClientCount returns the number of connected websocket subscribers.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

type userKey struct{}

func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		userID, ok := s.config.Authenticate(token)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userKey{}, userID)))
	}
}

func userFrom(r *http.Request) string {
	id, _ := r.Context().Value(userKey{}).(string)
	return id
}

func (s *Server) handleUpsertPosition(w http.ResponseWriter, r *http.Request) {
	var p schema.Position
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	p.BookID = r.PathValue("bookId")
	res, err := s.backend.UpsertPosition(r.Context(), userFrom(r), p)
	if err != nil {
		s.writeBackendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleFetchPosition(w http.ResponseWriter, r *http.Request) {
	p, err := s.backend.FetchPosition(r.Context(), userFrom(r), r.PathValue("bookId"))
	if err != nil {
		s.writeBackendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListAnnotations(table Table) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		includeDeleted, _ := strconv.ParseBool(r.URL.Query().Get("include_deleted"))
		rows, err := s.backend.ListAnnotations(r.Context(), userFrom(r), table, AnnotationFilter{
			BookIdentifier: r.URL.Query().Get("book"),
			IncludeDeleted: includeDeleted,
		})
		if err != nil {
			s.writeBackendError(w, err)
			return
		}
		if rows == nil {
			rows = []schema.Annotation{}
		}
		writeJSON(w, http.StatusOK, rows)
	}
}

func (s *Server) handleUpsertAnnotation(table Table) http.HandlerFunc {
	kind, _ := table.Kind()
	return func(w http.ResponseWriter, r *http.Request) {
		var a schema.Annotation
		if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		a.Kind = kind
		a.CloudID = r.PathValue("cloudId")
		stored, err := s.backend.UpsertAnnotation(r.Context(), userFrom(r), a)
		if err != nil {
			s.writeBackendError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stored)
	}
}

func (s *Server) handleDeleteAnnotation(table Table) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ts, err := strconv.ParseInt(r.URL.Query().Get("timestamp"), 10, 64)
		if err != nil || ts <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "timestamp is required")
			return
		}
		t := Tombstone{CloudID: r.PathValue("cloudId"), Timestamp: ts, DeviceID: r.URL.Query().Get("device_id")}
		if err := s.backend.DeleteAnnotation(r.Context(), userFrom(r), table, t); err != nil {
			s.writeBackendError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleFetchPreferences(w http.ResponseWriter, r *http.Request) {
	p, err := s.backend.FetchPreferences(r.Context(), userFrom(r))
	if err != nil {
		s.writeBackendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpsertPreferences(w http.ResponseWriter, r *http.Request) {
	var p schema.Preferences
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	stored, err := s.backend.UpsertPreferences(r.Context(), userFrom(r), p)
	if err != nil {
		s.writeBackendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

// handleChanges upgrades to a websocket and streams the user's changes to one table.
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	table, err := ParseTable(r.URL.Query().Get("table"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	userID := userFrom(r)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	events, err := s.backend.Subscribe(ctx, userID, table)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = table
	clientCount := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Printf("Client subscribed to %s (total: %d)", table, clientCount)
	defer s.removeClient(conn)

	// CloseRead discards client frames and cancels ctx when the peer goes away.
	ctx = conn.CloseRead(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, ev)
			writeCancel()
			if err != nil {
				s.logger.Printf("Failed to send to client: %v", err)
				return
			}
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Client disconnected (total: %d)", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) writeBackendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	default:
		s.logger.Printf("Backend error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}
