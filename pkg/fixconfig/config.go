// Package fixconfig loads an Engine's session list from YAML, the way
// glennswest-ipmiserial/config loads its own server inventory: a
// defaults-then-unmarshal Config struct read once at process startup.
// Loading configuration is explicitly out of scope for the session and
// engine packages themselves (spec.md's non-goals name it); this
// package is the ambient tooling layer that sits above them and turns
// a file on disk into the typed values those packages accept.
package fixconfig

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coreline/goldfix/pkg/fixsession"
	"github.com/coreline/goldfix/pkg/fixtransport"
)

// TLSConfig mirrors fixtransport.TLSConfig with YAML tags.
type TLSConfig struct {
	CertFile   string        `yaml:"cert_file"`
	KeyFile    string        `yaml:"key_file"`
	CAFile     string        `yaml:"ca_file"`
	VerifyPeer bool          `yaml:"verify_peer"`
	BufferSize int           `yaml:"buffer_size"`
	Timeout    time.Duration `yaml:"timeout"`
}

// TransportConfig mirrors fixtransport.Options with YAML tags.
type TransportConfig struct {
	UseTLS         bool          `yaml:"use_tls"`
	TLS            TLSConfig     `yaml:"tls"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	BufferSize     int           `yaml:"buffer_size"`
}

func (t TransportConfig) toOptions() fixtransport.Options {
	return fixtransport.Options{
		UseTLS:         t.UseTLS,
		ConnectTimeout: t.ConnectTimeout,
		BufferSize:     t.BufferSize,
		TLS: fixtransport.TLSConfig{
			CertFile:          t.TLS.CertFile,
			KeyFile:           t.TLS.KeyFile,
			CAFile:            t.TLS.CAFile,
			VerifyPeer:        t.TLS.VerifyPeer,
			BufferSize:        t.TLS.BufferSize,
			ConnectionTimeout: int64(t.TLS.Timeout),
		},
	}
}

// SessionConfig is one entry in the sessions list.
type SessionConfig struct {
	BeginString  string        `yaml:"begin_string"`
	SenderCompID string        `yaml:"sender_comp_id"`
	TargetCompID string        `yaml:"target_comp_id"`
	Role         string        `yaml:"role"` // "initiator" or "acceptor"
	TargetAddr   string        `yaml:"target_addr"`
	ListenAddr   string        `yaml:"listen_addr"`
	HeartBtInt   time.Duration `yaml:"heart_bt_int"`

	ResetOnLogon      bool `yaml:"reset_on_logon"`
	ResetOnLogout     bool `yaml:"reset_on_logout"`
	ResetOnDisconnect bool `yaml:"reset_on_disconnect"`

	LogonTimeout      time.Duration   `yaml:"logon_timeout"`
	ReconnectInterval time.Duration   `yaml:"reconnect_interval"`
	Transport         TransportConfig `yaml:"transport"`
}

// ToSessionConfig converts a parsed entry into the fixsession.Config
// the engine actually registers.
func (s SessionConfig) ToSessionConfig() fixsession.Config {
	role := fixsession.RoleInitiator
	if s.Role == "acceptor" {
		role = fixsession.RoleAcceptor
	}
	return fixsession.Config{
		BeginString:       s.BeginString,
		SenderCompID:      s.SenderCompID,
		TargetCompID:      s.TargetCompID,
		TargetAddr:        s.TargetAddr,
		ListenAddr:        s.ListenAddr,
		HeartBtInt:        s.HeartBtInt,
		Role:              role,
		ResetOnLogon:      s.ResetOnLogon,
		ResetOnLogout:     s.ResetOnLogout,
		ResetOnDisconnect: s.ResetOnDisconnect,
		LogonTimeout:      s.LogonTimeout,
		ReconnectInterval: s.ReconnectInterval,
		Transport:         s.Transport.toOptions(),
	}
}

// EngineConfig is the top-level document: where the message store
// lives, where the optional read-only admin surface listens, and
// every session to register.
type EngineConfig struct {
	StoreDir  string          `yaml:"store_dir"`
	AdminAddr string          `yaml:"admin_addr"`
	Sessions  []SessionConfig `yaml:"sessions"`
}

// Load reads and parses path, applying the same defaults-then-unmarshal
// pattern the rest of this stack's configuration loaders use: defaults
// are set on the struct before yaml.Unmarshal overwrites whatever the
// file actually specifies.
func Load(path string) (*EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &EngineConfig{
		StoreDir: "./data/store",
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	for i := range cfg.Sessions {
		if cfg.Sessions[i].HeartBtInt <= 0 {
			cfg.Sessions[i].HeartBtInt = 30 * time.Second
		}
	}
	return cfg, nil
}
