// Package httpadmin is a read-only operational surface over an
// Engine's session table, built the way
// glennswest-ipmiserial/server.Server is: a gorilla/mux router, one
// Subrouter for the JSON API, and a Run(ctx) that owns its own
// *http.Server and shuts down when ctx is canceled.
//
// It is deliberately not imported by pkg/fixengine — Engine exposes
// only the lookup methods this package polls, keeping the protocol
// core free of an HTTP dependency.
package httpadmin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/coreline/goldfix/internal/flog"
	"github.com/coreline/goldfix/pkg/fixsession"
)

// SessionLister is the subset of *fixengine.Engine this package needs.
// Declared here, rather than importing pkg/fixengine, so the engine
// package never has to import httpadmin back.
type SessionLister interface {
	Sessions() []fixsession.SessionID
	GetSession(id fixsession.SessionID) (*fixsession.Session, bool)
}

// Server is the read-only admin HTTP surface.
type Server struct {
	addr   string
	engine SessionLister
	log    flog.Logger

	router     *mux.Router
	httpServer *http.Server
}

// New builds a Server listening on addr once Run is called.
func New(addr string, engine SessionLister, log flog.Logger) *Server {
	if log == nil {
		log = flog.Nop{}
	}
	s := &Server{
		addr:   addr,
		engine: engine,
		log:    log,
		router: mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/sessions", s.handleListSessions).Methods("GET")
	api.HandleFunc("/sessions/{id}/status", s.handleSessionStatus).Methods("GET")
}

type sessionSummary struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ids := s.engine.Sessions()
	out := make([]sessionSummary, 0, len(ids))
	for _, id := range ids {
		status := "unknown"
		if sess, ok := s.engine.GetSession(id); ok {
			status = sess.State().Status.String()
		}
		out = append(out, sessionSummary{ID: id.String(), Status: status})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

type sessionStatus struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	NextIn            uint64 `json:"nextIn"`
	NextOut           uint64 `json:"nextOut"`
	PendingTestReqID  string `json:"pendingTestReqId,omitempty"`
	ReconnectAttempts int    `json:"reconnectAttempts"`
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	idStr := mux.Vars(r)["id"]
	for _, id := range s.engine.Sessions() {
		if id.String() != idStr {
			continue
		}
		sess, ok := s.engine.GetSession(id)
		if !ok {
			http.Error(w, "session not yet connected", http.StatusNotFound)
			return
		}
		st := sess.State()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(sessionStatus{
			ID:                id.String(),
			Status:            st.Status.String(),
			NextIn:            st.NextIn,
			NextOut:           st.NextOut,
			PendingTestReqID:  st.PendingTestReqID,
			ReconnectAttempts: st.ReconnectAttempts,
		})
		return
	}
	http.Error(w, "unknown session id", http.StatusNotFound)
}

// Run starts the HTTP server and blocks until ctx is canceled or the
// server fails.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.log.Log(flog.LevelInfo, "admin HTTP server shutting down", "addr", s.addr)
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Log(flog.LevelInfo, "admin HTTP server starting", "addr", s.addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
