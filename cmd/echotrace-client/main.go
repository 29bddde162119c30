// echotrace-client is an interactive line chat against an echotrace-server
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ZentaChain/echotrace/pkg/config"
	"github.com/ZentaChain/echotrace/pkg/network"
	"github.com/ZentaChain/echotrace/pkg/storage"
)

type options struct {
	configFile   string
	server       string
	dialAttempts int
	dialTimeout  int
	keyBits      int
	aad          string
	logLevel     string
	logFile      string
	journalPath  string
}

func newRootCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "echotrace-client",
		Short: "Interactive EchoTrace client",
		Long: `echotrace-client connects to an echotrace-server and sends each line
typed on stdin as an encrypted text message. Lines starting with a slash are
commands:

  /cmd <verb> [arguments]   send a command
  /json {"key": "value"}    send a JSON object
  /quit                     disconnect and exit

Start a line with // to send text that begins with a slash.`,
		Example: `
  # Connect to a local server
  echotrace-client --server 127.0.0.1:7700

  # Connect using a multiaddr and a 2048 bit key
  echotrace-client -s /dns4/chat.example.org/tcp/7700 --key-bits 2048`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, &opts)
			if err != nil {
				return err
			}
			return run(cfg, os.Stdin, os.Stdout)
		},
	}

	bindFlags(cmd, &opts)
	return cmd
}

func bindFlags(cmd *cobra.Command, opts *options) {
	f := cmd.Flags()
	f.StringVarP(&opts.configFile, "config", "c", "", "path to the configuration file (TOML format)")
	f.StringVarP(&opts.server, "server", "s", "", "server address, host:port or multiaddr")
	f.IntVar(&opts.dialAttempts, "dial-attempts", 0, "connection attempts before giving up")
	f.IntVar(&opts.dialTimeout, "dial-timeout", 0, "timeout of each connection attempt in seconds")
	f.IntVar(&opts.keyBits, "key-bits", 0, "RSA key size")
	f.StringVar(&opts.aad, "aad", "", "associated data tag shared with the server")
	f.StringVar(&opts.logLevel, "log-level", "", "log level (ERROR, WARNING, NOTICE, INFO, DEBUG)")
	f.StringVar(&opts.logFile, "log-file", "", "log file (default stdout)")
	f.StringVar(&opts.journalPath, "journal", "", "record the session journal at this path")
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

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
	if f.Changed("server") {
		cfg.Client.Address = opts.server
	}
	if f.Changed("dial-attempts") {
		cfg.Client.DialAttempts = opts.dialAttempts
	}
	if f.Changed("dial-timeout") {
		cfg.Client.DialTimeout = opts.dialTimeout
	}
	if f.Changed("key-bits") {
		cfg.Client.KeyBits = opts.keyBits
	}
	if f.Changed("aad") {
		cfg.Client.AAD = opts.aad
	}
	if f.Changed("log-level") {
		cfg.Logging.Level = opts.logLevel
	}
	if f.Changed("log-file") {
		cfg.Logging.File = opts.logFile
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

func run(cfg *config.Config, in io.Reader, out io.Writer) error {
	backend, err := cfg.NewLogBackend()
	if err != nil {
		return fmt.Errorf("failed to create log backend: %w", err)
	}
	defer backend.Close()
	logger := backend.GetLogger("echotrace-client")

	client, err := network.NewClient(cfg.NetworkClient(backend))
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer client.Close()

	if err := addPrinters(client, out); err != nil {
		return err
	}

	if cfg.Journal.Enable {
		retention := time.Duration(cfg.Journal.RetentionHours) * time.Hour
		journal, err := storage.OpenJournal(cfg.Journal.Path, retention, backend)
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer journal.Close()
		if err := journal.Attach(client); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if client.Conn() == nil {
		fmt.Fprintf(out, "Connecting to %s...\n", cfg.Client.Address)
		if err := client.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
	}
	conn := client.Conn()
	fmt.Fprintf(out, "Connected. Server key %s, our key %s\n", conn.PeerFingerprint(), client.KeyFingerprint())
	fmt.Fprintln(out, "Type a message, /cmd, /json or /quit.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-conn.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Notice("Interrupted, disconnecting")
			return client.Close()
		case <-conn.Done():
			fmt.Fprintln(out, "Server closed the session.")
			return nil
		case line, ok := <-lines:
			if !ok {
				return client.Close()
			}
			quit, err := handleLine(client, line)
			if err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}
			if quit {
				return client.Close()
			}
		}
	}
}

func addPrinters(client *network.Client, out io.Writer) error {
	err := client.AddMessageListener(network.OnMessage(func(m *network.Message) {
		fmt.Fprintf(out, "< %s\n", m.Text)
	}))
	if err != nil {
		return err
	}

	err = client.AddCommandListener(network.OnCommand(func(c *network.Command) {
		fmt.Fprintf(out, "< /cmd %s %s\n", c.Verb, c.Arguments)
	}))
	if err != nil {
		return err
	}

	return client.AddJSONListener(network.OnJSON(func(d *network.JSONDocument) {
		b, _ := json.Marshal(d.Document)
		fmt.Fprintf(out, "< /json %s\n", b)
	}))
}
