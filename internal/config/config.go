// Package config defines the broker's immutable configuration tree and
// loads it from TOML. It replaces the teacher's runtime-global-singleton
// pattern (`cmn.Rom`, read from anywhere at any time) with a value built
// once at boot and passed by pointer into every constructor that needs it
// (SPEC_FULL's "global config singleton" redesign note, spec section 9).
package config

import (
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"github.com/fluxusproxy/fluxus/rights"
)

// Entry mirrors one protocol's two permission knobs
// (permissions.<state>.tcp.{can_create,can_select_port}).
type Entry struct {
	CanCreate     bool `toml:"can_create"`
	CanSelectPort bool `toml:"can_select_port"`
}

// Entries is the permission table for one session state, spanning both
// protocols fluxus binds; spec.md names only the tcp.* keys, Http mirrors
// the same shape (see rights.Set's doc comment for the rationale).
type Entries struct {
	Tcp  Entry `toml:"tcp"`
	Http Entry `toml:"http"`
}

// Permissions is `permissions.*` in spec.md's recognized config options.
type Permissions struct {
	JustConnected           Entries `toml:"just_connected"`
	UniversalPasswordPermit Entries `toml:"universal_password_permit"`
}

// Rights converts the TOML-shaped permission table into the bitset a
// session actually carries.
func (e Entries) Rights() rights.Rights {
	return rights.Set{
		Tcp:  rights.Entry{CanCreate: e.Tcp.CanCreate, CanSelectPort: e.Tcp.CanSelectPort},
		Http: rights.Entry{CanCreate: e.Http.CanCreate, CanSelectPort: e.Http.CanSelectPort},
	}.Rights()
}

// Bufferization is `server.bufferization.*`.
type Bufferization struct {
	Read      int `toml:"read"`
	PerClient int `toml:"per_client"`
}

// Server is `server.*`.
type Server struct {
	Listen            string        `toml:"listen"`
	HTTPListen        string        `toml:"http_listen"` // empty disables the shared HTTP visitor listener
	Name              string        `toml:"name"`
	UniversalPassword string        `toml:"universal_password"`
	WorkerThreads     int           `toml:"worker_threads"`
	Bufferization     Bufferization `toml:"bufferization"`
}

// PasswordEnabled reports whether AuthorizePassword is a usable feature at
// all (spec section 4.7: "mismatch or if feature disabled -> Error{AccessDenied|Disabled}").
func (s Server) PasswordEnabled() bool { return s.UniversalPassword != "" }

// Zstd is `compression.zstd.*`.
type Zstd struct {
	Level     int `toml:"level"`
	Threshold int `toml:"threshold"`
}

// Compression is `compression.*`.
type Compression struct {
	Use  string `toml:"use"`
	Zstd Zstd   `toml:"zstd"`
}

// Config is the broker's full, immutable configuration.
type Config struct {
	Server      Server      `toml:"server"`
	Compression Compression `toml:"compression"`
	Permissions Permissions `toml:"permissions"`
}

// Default returns the configuration a broker runs with when no file is
// given: permissive enough to be useful locally, with password auth
// disabled.
func Default() *Config {
	return &Config{
		Server: Server{
			Listen:        "0.0.0.0:7835",
			Name:          "fluxus",
			WorkerThreads: 1,
			Bufferization: Bufferization{Read: 16 * 1024, PerClient: 4 * 1024},
		},
		Compression: Compression{
			Use:  "zstd",
			Zstd: Zstd{Level: 3, Threshold: 256},
		},
		Permissions: Permissions{
			JustConnected: Entries{
				Tcp: Entry{CanCreate: true, CanSelectPort: false},
			},
			UniversalPasswordPermit: Entries{
				Tcp: Entry{CanCreate: true, CanSelectPort: true},
			},
		},
	}
}

// Load parses a TOML file at path into a Config seeded with Default
// values, so an incomplete file still yields a runnable configuration.
func Load(path string) (*Config, error) {
	cfg := Default()
	tree, err := toml.LoadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: load %s", path)
	}
	if err := tree.Unmarshal(cfg); err != nil {
		return nil, errors.Wrapf(err, "config: unmarshal %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces spec.md's config constraints (≥1 worker thread, >0
// buffer sizes, ≥1 compression level, ≥1 byte threshold, ≤255-byte name
// and password).
func (c *Config) Validate() error {
	if c.Server.WorkerThreads < 1 {
		return errors.New("config: server.worker_threads must be >= 1")
	}
	if c.Server.Bufferization.Read <= 0 || c.Server.Bufferization.PerClient <= 0 {
		return errors.New("config: server.bufferization.* must be > 0")
	}
	if len(c.Server.Name) > 255 {
		return errors.New("config: server.name must be <= 255 bytes")
	}
	if len(c.Server.UniversalPassword) > 255 {
		return errors.New("config: server.universal_password must be <= 255 bytes")
	}
	if c.Compression.Zstd.Level < 1 {
		return errors.New("config: compression.zstd.level must be >= 1")
	}
	if c.Compression.Zstd.Threshold < 1 {
		return errors.New("config: compression.zstd.threshold must be >= 1")
	}
	return nil
}
