// Package fixengine is the process-level container (C5): it owns one
// fixstore.Store shared by every registered session, binds one listener
// per distinct acceptor listen address, drives reconnect-with-backoff for initiator
// sessions, and hands callers a stable SessionID-keyed lookup surface.
//
// A read-only HTTP view of this state lives in internal/httpadmin,
// deliberately decoupled from Engine itself: it polls the lookup
// surface below rather than being wired into the engine's own
// lifecycle, the way the teacher keeps transport and business logic in
// separate packages.
package fixengine

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/coreline/goldfix/internal/flog"
	"github.com/coreline/goldfix/pkg/fixsession"
	"github.com/coreline/goldfix/pkg/fixstore"
)

// ConfigError re-exports fixsession's Config error kind so callers
// working only against pkg/fixengine don't need to import
// pkg/fixsession to name it.
type ConfigError = fixsession.ConfigError

type registration struct {
	cfg     fixsession.Config
	handler fixsession.Handler

	mu      sync.RWMutex
	current *fixsession.Session
}

func (r *registration) setCurrent(s *fixsession.Session) {
	r.mu.Lock()
	r.current = s
	r.mu.Unlock()
}

func (r *registration) get() *fixsession.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Engine owns every registered session's lifecycle and the shared
// message store backing all of them.
type Engine struct {
	store *fixstore.Store
	log   flog.Logger

	mu           sync.RWMutex
	sessions     map[fixsession.SessionID]*registration
	listeners    map[string]net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an Engine whose message store lives under storeDir.
func New(storeDir string, log flog.Logger) (*Engine, error) {
	if log == nil {
		log = flog.Nop{}
	}
	store, err := fixstore.Open(storeDir, log)
	if err != nil {
		return nil, engineErrf(err, "opening message store at %q", storeDir)
	}
	return &Engine{
		store:     store,
		log:       log,
		sessions:  make(map[fixsession.SessionID]*registration),
		listeners: make(map[string]net.Listener),
	}, nil
}

// AddSession registers cfg/handler under cfg.ID(). It does not connect
// or listen; that happens once Start is called. Registering the same
// SessionID twice is an error.
func (e *Engine) AddSession(cfg fixsession.Config, handler fixsession.Handler) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	id := cfg.ID()

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.sessions[id]; exists {
		return engineErrf(nil, "session %s is already registered", id)
	}
	e.sessions[id] = &registration{cfg: cfg, handler: handler}
	return nil
}

// GetSession returns the currently live Session instance for id, if
// any has been constructed yet (it may be nil before Start, or
// between one reconnect attempt ending and the next beginning).
func (e *Engine) GetSession(id fixsession.SessionID) (*fixsession.Session, bool) {
	e.mu.RLock()
	reg, ok := e.sessions[id]
	e.mu.RUnlock()
	if !ok {
		return nil, false
	}
	s := reg.get()
	return s, s != nil
}

// Sessions returns every registered SessionID, for an admin surface
// to enumerate.
func (e *Engine) Sessions() []fixsession.SessionID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]fixsession.SessionID, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Start brings up every registered session: one listener per distinct
// ListenAddr among acceptor sessions, and one reconnect-loop goroutine
// per initiator session.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.mu.RLock()
	regs := make([]*registration, 0, len(e.sessions))
	for _, r := range e.sessions {
		regs = append(regs, r)
	}
	e.mu.RUnlock()

	for _, reg := range regs {
		reg := reg
		if reg.cfg.Role == fixsession.RoleAcceptor {
			if err := e.ensureListener(reg.cfg.ListenAddr); err != nil {
				return err
			}
		}
	}

	for _, reg := range regs {
		reg := reg
		if reg.cfg.Role == fixsession.RoleInitiator {
			e.wg.Add(1)
			go e.initiatorLoop(reg)
		}
	}

	for addr, ln := range e.listeners {
		addr, ln := addr, ln
		e.wg.Add(1)
		go e.acceptLoop(addr, ln)
	}
	return nil
}

func (e *Engine) ensureListener(addr string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.listeners[addr]; ok {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return engineErrf(err, "listening on %q", addr)
	}
	e.listeners[addr] = ln
	return nil
}

func (e *Engine) acceptLoop(addr string, ln net.Listener) {
	defer e.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-e.ctx.Done():
				return
			default:
			}
			e.log.Log(flog.LevelWarn, "accept failed", "addr", addr, "err", err)
			continue
		}
		go e.dispatchAccepted(addr, conn)
	}
}

// dispatchAccepted finds the acceptor registration bound to addr and
// hands it the raw connection. When more than one acceptor session
// shares a listen address, the first registration found that has no
// session yet, or whose current session is Disconnected, claims the
// connection; if none qualifies the connection is closed. This is a
// deliberate simplification (see DESIGN.md) over a production engine's
// pre-handshake Logon-based routing.
func (e *Engine) dispatchAccepted(addr string, conn net.Conn) {
	e.mu.RLock()
	var reg *registration
	for _, r := range e.sessions {
		if r.cfg.Role == fixsession.RoleAcceptor && r.cfg.ListenAddr == addr {
			cur := r.get()
			if cur == nil || cur.State().Status == fixsession.StatusDisconnected {
				reg = r
				break
			}
		}
	}
	e.mu.RUnlock()
	if reg == nil {
		conn.Close()
		return
	}

	sess, err := fixsession.New(reg.cfg, e.store, reg.handler, e.log)
	if err != nil {
		e.log.Log(flog.LevelError, "failed to construct acceptor session", "err", err)
		conn.Close()
		return
	}
	reg.setCurrent(sess)
	if err := sess.Accept(e.ctx, conn); err != nil {
		e.log.Log(flog.LevelWarn, "acceptor session handshake failed", "session", reg.cfg.ID().String(), "err", err)
	}
}

func (e *Engine) initiatorLoop(reg *registration) {
	defer e.wg.Done()
	attempt := 0
	for {
		select {
		case <-e.ctx.Done():
			return
		default:
		}

		sess, err := fixsession.New(reg.cfg, e.store, reg.handler, e.log)
		if err != nil {
			e.log.Log(flog.LevelError, "failed to construct initiator session", "err", err)
			return
		}
		sess.SetReconnectAttempts(attempt)
		reg.setCurrent(sess)

		if err := sess.Start(e.ctx); err != nil {
			attempt++
			e.log.Log(flog.LevelWarn, "initiator session failed to connect", "session", reg.cfg.ID().String(), "attempt", attempt, "err", err)
			select {
			case <-e.ctx.Done():
				return
			case <-time.After(reg.cfg.ReconnectIntervalOrDefault()):
			}
			continue
		}
		attempt = 0
		e.waitUntilDisconnected(sess)
	}
}

func (e *Engine) waitUntilDisconnected(sess *fixsession.Session) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			switch sess.State().Status {
			case fixsession.StatusDisconnected, fixsession.StatusError:
				return
			}
		}
	}
}

// Stop gracefully tears down every live session and closes every
// listener.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.RLock()
	regs := make([]*registration, 0, len(e.sessions))
	for _, r := range e.sessions {
		regs = append(regs, r)
	}
	e.mu.RUnlock()

	var wg sync.WaitGroup
	for _, reg := range regs {
		if s := reg.get(); s != nil {
			wg.Add(1)
			go func(s *fixsession.Session) {
				defer wg.Done()
				_ = s.Stop(ctx)
			}(s)
		}
	}
	wg.Wait()

	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Lock()
	for _, ln := range e.listeners {
		ln.Close()
	}
	e.mu.Unlock()
	e.wg.Wait()
	return nil
}
