// echotrace-server accepts encrypted EchoTrace sessions and logs (or echoes)
// the traffic it receives
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/op/go-logging.v1"

	"github.com/ZentaChain/echotrace/pkg/api"
	"github.com/ZentaChain/echotrace/pkg/config"
	"github.com/ZentaChain/echotrace/pkg/log"
	"github.com/ZentaChain/echotrace/pkg/network"
	"github.com/ZentaChain/echotrace/pkg/storage"
)

const heartbeatInterval = 5 * time.Minute

// options holds the command line flags. Flags that are set override the
// matching config file value.
type options struct {
	configFile  string
	listen      string
	idleTimeout int
	backlog     int
	keyBits     int
	aad         string
	logLevel    string
	logFile     string
	apiAddress  string
	journalPath string
	echo        bool
}

func newRootCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "echotrace-server",
		Short: "EchoTrace encrypted session server",
		Long: `echotrace-server listens for EchoTrace clients, performs the RSA key
exchange with each of them and logs every text message, command and JSON
document received. With --echo, text messages are sent back to their sender.`,
		Example: `
  # Listen on the default port with defaults for everything else
  echotrace-server

  # Load a config file but listen on a multiaddr instead
  echotrace-server -c server.toml --listen /ip4/0.0.0.0/tcp/7700

  # Record sessions and expose the status API
  echotrace-server --journal ./journal.db --api 127.0.0.1:7780`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, &opts)
			if err != nil {
				return err
			}
			return run(cfg, opts.echo)
		},
	}

	bindFlags(cmd, &opts)
	return cmd
}

func bindFlags(cmd *cobra.Command, opts *options) {
	f := cmd.Flags()
	f.StringVarP(&opts.configFile, "config", "c", "", "path to the configuration file (TOML format)")
	f.StringVarP(&opts.listen, "listen", "l", "", "listen address, host:port or multiaddr")
	f.IntVar(&opts.idleTimeout, "idle-timeout", 0, "close sessions idle for this many seconds (0 = never)")
	f.IntVar(&opts.backlog, "backlog", 0, "sessions served at once (0 = unbounded)")
	f.IntVar(&opts.keyBits, "key-bits", 0, "RSA key size")
	f.StringVar(&opts.aad, "aad", "", "associated data tag shared with clients")
	f.StringVar(&opts.logLevel, "log-level", "", "log level (ERROR, WARNING, NOTICE, INFO, DEBUG)")
	f.StringVar(&opts.logFile, "log-file", "", "log file (default stdout)")
	f.StringVar(&opts.apiAddress, "api", "", "enable the status API on this address")
	f.StringVar(&opts.journalPath, "journal", "", "enable the session journal at this path")
	f.BoolVar(&opts.echo, "echo", false, "send text messages back to their sender")
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file (or the defaults) and applies the flags
// that were set on cmd
func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.configFile != "" {
		cfg, err = config.LoadFile(opts.configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.Default()
	}

	f := cmd.Flags()
	if f.Changed("listen") {
		cfg.Server.Address = opts.listen
	}
	if f.Changed("idle-timeout") {
		cfg.Server.IdleTimeout = opts.idleTimeout
	}
	if f.Changed("backlog") {
		cfg.Server.Backlog = opts.backlog
	}
	if f.Changed("key-bits") {
		cfg.Server.KeyBits = opts.keyBits
	}
	if f.Changed("aad") {
		cfg.Server.AAD = opts.aad
	}
	if f.Changed("log-level") {
		cfg.Logging.Level = opts.logLevel
	}
	if f.Changed("log-file") {
		cfg.Logging.File = opts.logFile
	}
	if f.Changed("api") {
		cfg.API.Enable = true
		cfg.API.Address = opts.apiAddress
	}
	if f.Changed("journal") {
		cfg.Journal.Enable = true
		cfg.Journal.Path = opts.journalPath
	}

	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(cfg *config.Config, echo bool) error {
	backend, err := cfg.NewLogBackend()
	if err != nil {
		return fmt.Errorf("failed to create log backend: %w", err)
	}
	defer backend.Close()
	logger := backend.GetLogger("echotrace-server")

	srv, journal, err := startServer(cfg, backend, logger, echo)
	if err != nil {
		return err
	}
	defer srv.Close()
	if journal != nil {
		defer journal.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.API.Enable {
		apiCfg := api.DefaultConfig()
		apiCfg.Address = cfg.API.Address
		apiCfg.LogBackend = backend
		apiServer, err := api.NewServer(srv, journal, apiCfg)
		if err != nil {
			return fmt.Errorf("failed to create API server: %w", err)
		}
		go func() {
			if err := apiServer.Start(ctx); err != nil {
				logger.Errorf("HTTP API stopped: %v", err)
			}
		}()
	}

	printStatus(srv, cfg, echo)
	go heartbeatLoop(ctx, srv, logger)

	waitForShutdown(backend, logger)

	cancel()
	if err := srv.Close(); err != nil {
		logger.Errorf("Error stopping server: %v", err)
	}
	logger.Notice("Server stopped")
	return nil
}

// serverConfig is the [Server] section with AutoStart cleared. The command
// starts the server itself once every listener is attached.
func serverConfig(cfg *config.Config, backend *log.Backend) network.ServerConfig {
	sc := cfg.NetworkServer(backend)
	sc.AutoStart = false
	return sc
}

// startServer creates the server, attaches the traffic listeners and the
// journal, and only then starts accepting
func startServer(cfg *config.Config, backend *log.Backend, logger *logging.Logger, echo bool) (*network.Server, *storage.Journal, error) {
	srv, err := network.NewServer(serverConfig(cfg, backend))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create server: %w", err)
	}

	if err := addTrafficListeners(srv, logger, echo); err != nil {
		srv.Close()
		return nil, nil, err
	}

	var journal *storage.Journal
	if cfg.Journal.Enable {
		retention := time.Duration(cfg.Journal.RetentionHours) * time.Hour
		journal, err = storage.OpenJournal(cfg.Journal.Path, retention, backend)
		if err != nil {
			srv.Close()
			return nil, nil, fmt.Errorf("failed to open journal: %w", err)
		}
		if err := journal.Attach(srv); err != nil {
			journal.Close()
			srv.Close()
			return nil, nil, err
		}
		logger.Noticef("Journal recording to %s", cfg.Journal.Path)
	}

	if err := srv.Start(); err != nil {
		if journal != nil {
			journal.Close()
		}
		srv.Close()
		return nil, nil, fmt.Errorf("failed to start server: %w", err)
	}
	return srv, journal, nil
}

func addTrafficListeners(srv *network.Server, logger *logging.Logger, echo bool) error {
	err := srv.AddConnectionListener(network.OnConnection(
		func(e *network.ConnectionEvent) {
			logger.Noticef("Session %s from %s (peer %s)", e.Conn.ID(), e.Conn.RemoteAddr(), e.Conn.PeerFingerprint())
		},
		func(e *network.ConnectionEvent) {
			logger.Noticef("Session %s closed", e.Conn.ID())
		},
	))
	if err != nil {
		return err
	}

	err = srv.AddMessageListener(network.OnMessage(func(m *network.Message) {
		logger.Infof("[%s] message: %s", m.Conn.ID(), m.Text)
		if echo {
			if err := m.Conn.SendText(m.Text); err != nil {
				logger.Warningf("[%s] echo failed: %v", m.Conn.ID(), err)
			}
		}
	}))
	if err != nil {
		return err
	}

	err = srv.AddCommandListener(network.OnCommand(func(c *network.Command) {
		logger.Infof("[%s] command: %s %s (%s)", c.Conn.ID(), c.Verb, c.Arguments, c.UUID)
	}))
	if err != nil {
		return err
	}

	return srv.AddJSONListener(network.OnJSON(func(d *network.JSONDocument) {
		b, err := json.Marshal(d.Document)
		if err != nil {
			b = []byte(fmt.Sprint(d.Document))
		}
		logger.Infof("[%s] json: %s", d.Conn.ID(), b)
	}))
}

func heartbeatLoop(ctx context.Context, srv *network.Server, logger *logging.Logger) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		stats := srv.Stats()
		logger.Noticef("Heartbeat: %d active, %d accepted, %d handshake failures, %d events dispatched",
			stats.Active, stats.Accepted, stats.HandshakeFailures, stats.EventsDispatched)
	}
}

func printStatus(srv *network.Server, cfg *config.Config, echo bool) {
	stats := srv.Stats()

	fmt.Println()
	fmt.Println("EchoTrace server")
	fmt.Printf("   Listening: %s\n", stats.Address)
	fmt.Printf("   Key fingerprint: %s\n", stats.KeyFingerprint)
	if cfg.API.Enable {
		fmt.Printf("   Status API: http://%s/api/v1/status\n", cfg.API.Address)
	}
	if cfg.Journal.Enable {
		fmt.Printf("   Journal: %s\n", cfg.Journal.Path)
	}
	if echo {
		fmt.Println("   Echo: enabled")
	}
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()
}

// waitForShutdown blocks until SIGINT or SIGTERM. SIGHUP reopens the log file.
func waitForShutdown(backend *log.Backend, logger *logging.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			if err := backend.Rotate(); err != nil {
				logger.Errorf("Failed to rotate log: %v", err)
			}
			continue
		}
		logger.Notice("Shutting down gracefully...")
		return
	}
}
