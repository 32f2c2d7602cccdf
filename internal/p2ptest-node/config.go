package p2ptestnode

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"gopkg.in/yaml.v3"

	"p2ptest/internal/crypto/pnet"
	"p2ptest/internal/gossip"
	"p2ptest/internal/netx"
	"p2ptest/internal/paths"
	"p2ptest/internal/transport"
)

// Mode picks between running behind a front end and running headless.
type Mode string

const (
	// ModeBridged listens on an OS-chosen port, dials the bootstrap node and
	// exchanges commands and feedback with a front end.
	ModeBridged Mode = "bridged"
	// ModeStandalone listens on a fixed port and only logs.
	ModeStandalone Mode = "standalone"
)

const (
	DefaultTopic          = "p2ptest"
	DefaultDrainTimeout   = 2 * time.Second
	DefaultBootstrapAddr  = "/dns/yuyuwai.net/tcp/8000"
	DefaultBridgedListen  = "/ip4/0.0.0.0/tcp/0"
	DefaultStandaloneAddr = "/ip4/0.0.0.0/tcp/8000"

	// DefaultPSKHex is the network key used when none is configured.
	DefaultPSKHex = "a5c0df4ce4e6add38eacb55fa3673428f554ceab423cc6565dfd37b535d2d157"
)

var ErrInvalidConfig = errors.New("config: invalid")

type Config struct {
	Mode      Mode     `yaml:"mode"`
	Name      string   `yaml:"name"`
	Listen    []string `yaml:"listen"`
	Bootstrap []string `yaml:"bootstrap"`

	// PSK is 64 hex characters. PSKFile points at a swarm key file and
	// wins over PSK when both are set.
	PSK     string `yaml:"psk,omitempty"`
	PSKFile string `yaml:"psk_file,omitempty"`

	Topic            string        `yaml:"topic"`
	Authenticity     string        `yaml:"authenticity"`
	Muxers           []string      `yaml:"muxers"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	DrainTimeout     time.Duration `yaml:"drain_timeout"`
	SeenTTL          time.Duration `yaml:"seen_ttl"`
	SeenCapacity     int           `yaml:"seen_capacity"`

	MetricsAddr string `yaml:"metrics_addr,omitempty"`
	Debug       bool   `yaml:"debug"`
}

// Default returns the configuration for mode with every field filled in.
func Default(mode Mode) *Config {
	c := &Config{Mode: mode}
	c.applyDefaults()
	return c
}

// DefaultPath is the config file inside the per-user data directory.
func DefaultPath() string {
	return paths.ConfigPath(paths.DefaultDataDir())
}

// Load reads path, falling back to Default(mode) when the file does not
// exist. Fields absent from the file keep their defaults; a mode set in the
// file overrides mode.
func Load(path string, mode Mode) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(mode), nil
		}
		return nil, err
	}

	cfg := &Config{Mode: mode}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Save writes cfg to path, creating the directory if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		path = DefaultPath()
	}
	if _, err := paths.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeBridged
	}
	if c.Name == "" {
		c.Name = "anon"
	}
	// nil means unset; an explicit empty list in the file is kept.
	if c.Listen == nil {
		if c.Mode == ModeStandalone {
			c.Listen = []string{DefaultStandaloneAddr}
		} else {
			c.Listen = []string{DefaultBridgedListen}
		}
	}
	if c.Bootstrap == nil {
		if c.Mode == ModeBridged {
			c.Bootstrap = []string{DefaultBootstrapAddr}
		} else {
			c.Bootstrap = []string{}
		}
	}
	if c.Topic == "" {
		c.Topic = DefaultTopic
	}
	if c.Authenticity == "" {
		c.Authenticity = gossip.Signed.String()
	}
	if c.Muxers == nil {
		for _, m := range transport.DefaultMuxers {
			c.Muxers = append(c.Muxers, string(m))
		}
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = transport.DefaultHandshakeTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.SeenTTL <= 0 {
		c.SeenTTL = gossip.DefaultSeenTTL
	}
	if c.SeenCapacity <= 0 {
		c.SeenCapacity = gossip.DefaultSeenCapacity
	}
}

// Validate resolves every field that can fail and reports the first
// problem. A config that validates starts without parse errors.
func (c *Config) Validate() error {
	if c.Mode != ModeBridged && c.Mode != ModeStandalone {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, c.Mode)
	}
	if err := gossip.ValidateTopic(c.Topic); err != nil {
		return fmt.Errorf("%w: topic: %w", ErrInvalidConfig, err)
	}
	if _, err := gossip.ParseAuthenticity(c.Authenticity); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if _, err := c.MuxerIDs(); err != nil {
		return err
	}
	if _, err := c.ListenAddrs(); err != nil {
		return err
	}
	if _, err := c.BootstrapAddrs(); err != nil {
		return err
	}
	if _, err := c.LoadPSK(); err != nil {
		return err
	}
	return nil
}

func (c *Config) ListenAddrs() ([]ma.Multiaddr, error) {
	return parseAddrs("listen", c.Listen)
}

func (c *Config) BootstrapAddrs() ([]ma.Multiaddr, error) {
	return parseAddrs("bootstrap", c.Bootstrap)
}

func parseAddrs(field string, in []string) ([]ma.Multiaddr, error) {
	out := make([]ma.Multiaddr, 0, len(in))
	for _, s := range in {
		m, err := netx.ParseMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("%s address %q: %w", field, s, err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (c *Config) MuxerIDs() ([]transport.MuxerID, error) {
	out := make([]transport.MuxerID, 0, len(c.Muxers))
	for _, s := range c.Muxers {
		m, err := transport.ParseMuxer(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (c *Config) GossipConfig() gossip.Config {
	auth, _ := gossip.ParseAuthenticity(c.Authenticity)
	return gossip.Config{
		Authenticity: auth,
		SeenTTL:      c.SeenTTL,
		SeenCapacity: c.SeenCapacity,
	}
}

// LoadPSK resolves the network key from psk_file, psk, or the built-in
// default, in that order.
func (c *Config) LoadPSK() (*pnet.PSK, error) {
	switch {
	case c.PSKFile != "":
		data, err := os.ReadFile(c.PSKFile)
		if err != nil {
			return nil, fmt.Errorf("read psk file: %w", err)
		}
		if bytes.HasPrefix(bytes.TrimSpace(data), []byte("/key/")) {
			return pnet.DecodeV1PSK(bytes.NewReader(data))
		}
		return pnet.ParseHex(string(data))
	case c.PSK != "":
		return pnet.ParseHex(c.PSK)
	default:
		return pnet.ParseHex(DefaultPSKHex)
	}
}
