// Package config loads the node configuration from YAML
package config

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/multiformats/go-multiaddr"
	"gopkg.in/yaml.v3"

	"github.com/ZentaChain/adnl/pkg/crypto"
	"github.com/ZentaChain/adnl/pkg/fragment"
	"github.com/ZentaChain/adnl/pkg/storage"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config holds the node configuration
type Config struct {
	Node    NodeConfig   `yaml:"node"`
	UDP     UDPConfig    `yaml:"udp"`
	TCP     TCPConfig    `yaml:"tcp"`
	API     APIConfig    `yaml:"api"`
	Log     LogConfig    `yaml:"log"`
	Peers   []PeerConfig `yaml:"peers"`
	Servers []PeerConfig `yaml:"servers"`
}

type NodeConfig struct {
	// Database is the SQLite file holding keys and peers
	Database string `yaml:"database"`
	// KeyName selects the identity in the key store
	KeyName string `yaml:"key_name"`
	// SchemaFile holds extra TL schemas for application payloads
	SchemaFile   string        `yaml:"schema_file"`
	PingTimeout  time.Duration `yaml:"ping_timeout"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
	Workers      int           `yaml:"workers"`
}

type UDPConfig struct {
	Listen        string        `yaml:"listen"`
	MTU           int           `yaml:"mtu"`
	Advertise     []string      `yaml:"advertise"`
	ReassemblyTTL time.Duration `yaml:"reassembly_ttl"`
}

type TCPConfig struct {
	Listen           string        `yaml:"listen"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	Keepalive        time.Duration `yaml:"keepalive"`
}

type APIConfig struct {
	Listen     string `yaml:"listen"`
	EnableCORS bool   `yaml:"enable_cors"`
}

type LogConfig struct {
	Debug bool `yaml:"debug"`
}

// PeerConfig is a remote node: a multiaddr or host:port and a base64
// Ed25519 public key
type PeerConfig struct {
	Address   string `yaml:"address"`
	PublicKey string `yaml:"public_key"`
}

// Resolve parses the address and key
func (p PeerConfig) Resolve() (ed25519.PublicKey, multiaddr.Multiaddr, error) {
	key, err := crypto.ParsePublicKey(p.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	addr, err := storage.ParseAddress(p.Address)
	if err != nil {
		return nil, nil, err
	}
	return key, addr, nil
}

// Default returns the configuration used when no file exists
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Database:     "adnl.db",
			KeyName:      "node",
			PingTimeout:  5 * time.Second,
			QueryTimeout: 15 * time.Second,
			Workers:      64,
		},
		UDP: UDPConfig{
			Listen:        "0.0.0.0:30303",
			MTU:           fragment.MTUConservative,
			ReassemblyTTL: fragment.DefaultTTL,
		},
		TCP: TCPConfig{
			Listen:           "0.0.0.0:4924",
			HandshakeTimeout: 10 * time.Second,
		},
		API: APIConfig{
			Listen: "127.0.0.1:8080",
		},
	}
}

// DefaultPath returns the default config file path: ~/.adnl/config.yaml
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".adnl", "config.yaml")
	}
	return filepath.Join(home, ".adnl", "config.yaml")
}

// Load reads the configuration from the given YAML file path. Fields the
// file leaves out keep their defaults. If the file does not exist, it
// returns Default() with no error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside a transport
func (c *Config) Validate() error {
	if c.UDP.MTU <= 0 || c.UDP.MTU > fragment.HugePacketMaxSize {
		return fmt.Errorf("%w: udp.mtu must be in 1..%d, got %d", ErrInvalidConfig, fragment.HugePacketMaxSize, c.UDP.MTU)
	}
	if c.Node.KeyName == "" {
		return fmt.Errorf("%w: node.key_name is empty", ErrInvalidConfig)
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"node.ping_timeout", c.Node.PingTimeout},
		{"node.query_timeout", c.Node.QueryTimeout},
		{"tcp.handshake_timeout", c.TCP.HandshakeTimeout},
		{"udp.reassembly_ttl", c.UDP.ReassemblyTTL},
	} {
		if d.value <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, d.name)
		}
	}
	for _, a := range c.UDP.Advertise {
		if _, err := storage.ParseAddress(a); err != nil {
			return fmt.Errorf("%w: udp.advertise %q: %v", ErrInvalidConfig, a, err)
		}
	}
	for i, p := range append(append([]PeerConfig(nil), c.Peers...), c.Servers...) {
		if _, _, err := p.Resolve(); err != nil {
			return fmt.Errorf("%w: peer %d (%s): %v", ErrInvalidConfig, i, p.Address, err)
		}
	}
	return nil
}
