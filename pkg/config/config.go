// Package config loads the EchoTrace TOML configuration shared by the
// server and client commands.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/multiformats/go-multiaddr"

	"github.com/ZentaChain/echotrace/pkg/crypto"
	"github.com/ZentaChain/echotrace/pkg/log"
	"github.com/ZentaChain/echotrace/pkg/network"
	"github.com/ZentaChain/echotrace/pkg/protocol"
)

const (
	DefaultPort         = 7700
	DefaultLogLevel     = "NOTICE"
	DefaultAPIAddress   = "127.0.0.1:7780"
	DefaultDialAttempts = 3
	DefaultDialTimeout  = 10
	DefaultJournalPath  = "echotrace-journal.db"
)

// Server is the [Server] section
type Server struct {
	// Address is host:port or a multiaddr such as /ip4/0.0.0.0/tcp/7700
	Address string

	// IdleTimeout in seconds, 0 disables it
	IdleTimeout int

	// Backlog is the number of sessions served at once, 0 is unbounded
	Backlog int

	KeyBits   int
	AAD       string
	AutoStart bool
}

// Client is the [Client] section
type Client struct {
	// Address is host:port or a multiaddr such as /dns4/example.org/tcp/7700
	Address string

	DialAttempts int

	// DialTimeout in seconds
	DialTimeout int

	KeyBits     int
	AAD         string
	AutoConnect bool
}

// Logging is the [Logging] section
type Logging struct {
	// File is the log file, empty for stdout
	File    string
	Level   string
	Disable bool
}

// API is the [API] section (server only)
type API struct {
	Enable  bool
	Address string
}

// Journal is the [Journal] section
type Journal struct {
	Enable bool
	Path   string

	// RetentionHours prunes older entries, 0 keeps everything
	RetentionHours int
}

// Config is the top level configuration
type Config struct {
	Server  *Server
	Client  *Client
	Logging *Logging
	API     *API
	Journal *Journal
}

// FixupAndValidate fills in defaults and checks the configuration
func (cfg *Config) FixupAndValidate() error {
	if cfg.Server == nil {
		cfg.Server = &Server{}
	}
	if cfg.Client == nil {
		cfg.Client = &Client{}
	}
	if cfg.Logging == nil {
		cfg.Logging = &Logging{}
	}
	if cfg.API == nil {
		cfg.API = &API{}
	}
	if cfg.Journal == nil {
		cfg.Journal = &Journal{}
	}

	if err := cfg.Server.fixup(); err != nil {
		return fmt.Errorf("config: Server: %w", err)
	}
	if err := cfg.Client.fixup(); err != nil {
		return fmt.Errorf("config: Client: %w", err)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
	if _, err := log.ParseLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("config: Logging: %w", err)
	}

	if cfg.API.Address == "" {
		cfg.API.Address = DefaultAPIAddress
	}
	if cfg.API.Enable {
		if _, _, err := ParseAddress(cfg.API.Address); err != nil {
			return fmt.Errorf("config: API: %w", err)
		}
	}

	if cfg.Journal.Path == "" {
		cfg.Journal.Path = DefaultJournalPath
	}
	if cfg.Journal.RetentionHours < 0 {
		return errors.New("config: Journal: RetentionHours is negative")
	}

	return nil
}

func (s *Server) fixup() error {
	if s.Address == "" {
		s.Address = net.JoinHostPort("", strconv.Itoa(DefaultPort))
	}
	if _, _, err := ParseAddress(s.Address); err != nil {
		return err
	}
	if s.IdleTimeout < 0 {
		return errors.New("IdleTimeout is negative")
	}
	if s.Backlog < 0 {
		return errors.New("Backlog is negative")
	}
	if err := fixupKeyBits(&s.KeyBits); err != nil {
		return err
	}
	if s.AAD == "" {
		s.AAD = protocol.DefaultAAD
	}
	return nil
}

func (c *Client) fixup() error {
	if c.Address == "" {
		c.Address = net.JoinHostPort("127.0.0.1", strconv.Itoa(DefaultPort))
	}
	if _, port, err := ParseAddress(c.Address); err != nil {
		return err
	} else if port == 0 {
		return errors.New("Address has no port")
	}
	if c.DialAttempts == 0 {
		c.DialAttempts = DefaultDialAttempts
	}
	if c.DialAttempts < 0 {
		return errors.New("DialAttempts is negative")
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.DialTimeout < 0 {
		return errors.New("DialTimeout is negative")
	}
	if err := fixupKeyBits(&c.KeyBits); err != nil {
		return err
	}
	if c.AAD == "" {
		c.AAD = protocol.DefaultAAD
	}
	return nil
}

func fixupKeyBits(bits *int) error {
	if *bits == 0 {
		*bits = crypto.DefaultKeyBits
	}
	if *bits < crypto.MinKeyBits {
		return fmt.Errorf("KeyBits %d is below %d", *bits, crypto.MinKeyBits)
	}
	return nil
}

// ParseAddress splits host:port or a /ip4, /ip6, /dns, /dns4 or /dns6
// multiaddr with a /tcp component into host and port
func ParseAddress(addr string) (string, int, error) {
	if strings.HasPrefix(addr, "/") {
		return parseMultiaddr(addr)
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in %q", addr)
	}
	return host, port, nil
}

func parseMultiaddr(addr string) (string, int, error) {
	maddr, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid multiaddr %q: %w", addr, err)
	}

	var host string
	for _, code := range []int{multiaddr.P_IP4, multiaddr.P_IP6, multiaddr.P_DNS, multiaddr.P_DNS4, multiaddr.P_DNS6} {
		if v, err := maddr.ValueForProtocol(code); err == nil {
			host = v
			break
		}
	}
	if host == "" {
		return "", 0, fmt.Errorf("multiaddr %q has no ip or dns component", addr)
	}

	portStr, err := maddr.ValueForProtocol(multiaddr.P_TCP)
	if err != nil {
		return "", 0, fmt.Errorf("multiaddr %q has no tcp component", addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in %q", addr)
	}
	return host, port, nil
}

// NetworkServer converts the [Server] section to a network.ServerConfig
func (cfg *Config) NetworkServer(backend *log.Backend) network.ServerConfig {
	host, port, _ := ParseAddress(cfg.Server.Address)
	return network.ServerConfig{
		BindAddress: host,
		Port:        port,
		IdleTimeout: time.Duration(cfg.Server.IdleTimeout) * time.Second,
		Backlog:     cfg.Server.Backlog,
		KeyBits:     cfg.Server.KeyBits,
		AAD:         cfg.Server.AAD,
		AutoStart:   cfg.Server.AutoStart,
		LogBackend:  backend,
	}
}

// NetworkClient converts the [Client] section to a network.ClientConfig
func (cfg *Config) NetworkClient(backend *log.Backend) network.ClientConfig {
	host, port, _ := ParseAddress(cfg.Client.Address)
	return network.ClientConfig{
		Host:         host,
		Port:         port,
		DialAttempts: cfg.Client.DialAttempts,
		DialTimeout:  time.Duration(cfg.Client.DialTimeout) * time.Second,
		KeyBits:      cfg.Client.KeyBits,
		AAD:          cfg.Client.AAD,
		AutoConnect:  cfg.Client.AutoConnect,
		LogBackend:   backend,
	}
}

// NewLogBackend creates the log backend described by [Logging]
func (cfg *Config) NewLogBackend() (*log.Backend, error) {
	return log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
}

// Default returns a validated configuration with every default applied
func Default() *Config {
	cfg := new(Config)
	if err := cfg.FixupAndValidate(); err != nil {
		panic(err)
	}
	return cfg
}

// Load parses and validates the provided buffer as a config file
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
