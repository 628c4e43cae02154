package fixsession

import (
	"fmt"
	"time"

	"github.com/coreline/goldfix/pkg/fixtransport"
)

// Role distinguishes an active (dialing) session from a passive
// (listening) one, per spec.md §6.
type Role int

const (
	RoleInitiator Role = iota
	RoleAcceptor
)

func (r Role) String() string {
	if r == RoleAcceptor {
		return "acceptor"
	}
	return "initiator"
}

// SessionID is the (BeginString, SenderCompID, TargetCompID) triple
// spec.md §3 names as the primary key for all session-scoped state. Its
// canonical string also names the session's file in pkg/fixstore.
type SessionID struct {
	BeginString  string
	SenderCompID string
	TargetCompID string
}

func (id SessionID) String() string {
	return fmt.Sprintf("%s-%s-%s", id.BeginString, id.SenderCompID, id.TargetCompID)
}

// Config is the full enumerated session configuration from spec.md §6.
type Config struct {
	BeginString  string
	SenderCompID string
	TargetCompID string
	TargetAddr   string // host:port; required for Role == RoleInitiator
	ListenAddr   string // host:port; required for Role == RoleAcceptor
	HeartBtInt   time.Duration
	Role         Role

	ResetOnLogon      bool
	ResetOnLogout     bool
	ResetOnDisconnect bool

	Transport fixtransport.Options

	LogonTimeout      time.Duration // default 10s per spec.md §5
	ReconnectInterval time.Duration // default 5s
}

// ID returns the SessionID this config identifies.
func (c Config) ID() SessionID {
	return SessionID{BeginString: c.BeginString, SenderCompID: c.SenderCompID, TargetCompID: c.TargetCompID}
}

// Validate checks the Config error kind from spec.md §7: invalid
// configuration at registration time is fatal and the session refuses
// to start.
func (c Config) Validate() error {
	if c.BeginString == "" {
		return configErrf("begin_string is required")
	}
	if c.SenderCompID == "" {
		return configErrf("sender_comp_id is required")
	}
	if c.TargetCompID == "" {
		return configErrf("target_comp_id is required")
	}
	if c.HeartBtInt <= 0 {
		return configErrf("heart_bt_int must be positive")
	}
	if c.Role == RoleInitiator && c.TargetAddr == "" {
		return configErrf("target_addr is required for an initiator session")
	}
	if c.Role == RoleAcceptor && c.ListenAddr == "" {
		return configErrf("listen_addr is required for an acceptor session")
	}
	return nil
}

// ReconnectIntervalOrDefault returns c.ReconnectInterval, or the 5s
// default if unset. Exported for callers outside this package (e.g.
// pkg/fixengine's reconnect loop) that need the same default the
// session itself applies internally.
func (c Config) ReconnectIntervalOrDefault() time.Duration {
	return c.reconnectInterval()
}

func (c Config) logonTimeout() time.Duration {
	if c.LogonTimeout > 0 {
		return c.LogonTimeout
	}
	return 10 * time.Second
}

func (c Config) reconnectInterval() time.Duration {
	if c.ReconnectInterval > 0 {
		return c.ReconnectInterval
	}
	return 5 * time.Second
}
