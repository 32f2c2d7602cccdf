// Command p2ptest runs a node of the private gossip network.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"p2ptest/internal/bridge"
	"p2ptest/internal/crypto/identity"
	"p2ptest/internal/crypto/pnet"
	"p2ptest/internal/p2ptest-node"
	"p2ptest/internal/paths"
	"p2ptest/internal/telemetry"
	"p2ptest/internal/uiutil"
)

var log = telemetry.NewLogger("p2ptest")

var rootCmd = &cobra.Command{
	Use:   "p2ptest",
	Short: "Private encrypted gossip node",
	Long: `p2ptest joins a private network gated by a pre-shared key, secures
every link with Noise and gossips posts on a single topic.

Without a subcommand it behaves like "p2ptest run".`,
	SilenceUsage: true,
	RunE:         runNode,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the node",
	RunE:  runNode,
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a new swarm key",
	Long:  `Writes a fresh pre-shared key in swarm key format. Use --out - for stdout.`,
	RunE:  runKeygen,
}

var idCmd = &cobra.Command{
	Use:   "id",
	Short: "Show the network key fingerprint and a sample peer id",
	RunE:  runID,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE:  runInit,
}

var (
	configPath string
	debug      bool
	standalone bool

	name      string
	listen    []string
	bootstrap []string
	pskHex    string
	pskFile   string
	topic     string
	metrics   string

	keyOut string
	force  bool
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "config file path")
	pf.BoolVarP(&debug, "debug", "d", false, "enable debug logging")
	pf.BoolVar(&standalone, "standalone", false, "run headless: fixed listen port, no console")
	pf.StringVar(&pskHex, "psk", "", "pre-shared key as 64 hex characters")
	pf.StringVar(&pskFile, "psk-file", "", "swarm key file")

	for _, c := range []*cobra.Command{rootCmd, runCmd} {
		f := c.Flags()
		f.StringVarP(&name, "name", "n", "", "display name")
		f.StringSliceVarP(&listen, "listen", "l", nil, "listen multiaddrs")
		f.StringSliceVarP(&bootstrap, "bootstrap", "b", nil, "bootstrap multiaddrs")
		f.StringVar(&topic, "topic", "", "gossip topic")
		f.StringVar(&metrics, "metrics", "", "serve prometheus metrics on this host:port")
	}

	keygenCmd.Flags().StringVarP(&keyOut, "out", "o", "", "output file (default: swarm.key in the data dir)")
	keygenCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing key")
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing config")

	rootCmd.AddCommand(runCmd, keygenCmd, idCmd, initCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func mode() p2ptestnode.Mode {
	if standalone {
		return p2ptestnode.ModeStandalone
	}
	return p2ptestnode.ModeBridged
}

// loadConfig reads the config file and applies the flags the user set.
func loadConfig(cmd *cobra.Command) (*p2ptestnode.Config, error) {
	cfg, err := p2ptestnode.Load(configPath, mode())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	flags := cmd.Flags()
	if standalone {
		cfg.Mode = p2ptestnode.ModeStandalone
	}
	if flags.Changed("name") {
		cfg.Name = name
	}
	if flags.Changed("listen") {
		cfg.Listen = listen
	}
	if flags.Changed("bootstrap") {
		cfg.Bootstrap = bootstrap
	}
	if flags.Changed("psk") {
		cfg.PSK = pskHex
	}
	if flags.Changed("psk-file") {
		cfg.PSKFile = pskFile
	}
	if flags.Changed("topic") {
		cfg.Topic = topic
	}
	if flags.Changed("metrics") {
		cfg.MetricsAddr = metrics
	}
	if debug {
		cfg.Debug = true
	}
	return cfg, nil
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	telemetry.SetDebug(cfg.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var br *bridge.Bridge
	if cfg.Mode == p2ptestnode.ModeBridged {
		br = bridge.New()
	}

	app, err := p2ptestnode.New(cfg, p2ptestnode.Options{Bridge: br, Logger: log})
	if err != nil {
		return err
	}
	if err := app.Start(ctx); err != nil {
		return err
	}
	log.Infof("peer id %s, topic %q, mode %s", app.LocalID(), cfg.Topic, cfg.Mode)

	if br == nil {
		return app.Run(ctx)
	}

	console := bridge.NewConsole(br, uiutil.NewStdPrinter(os.Stdout), app)
	console.PrintBanner()
	go func() {
		if err := console.ReadCommands(ctx, os.Stdin); err != nil {
			log.Warnf("stdin: %v", err)
		}
	}()
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		console.PrintFeedback(context.Background())
	}()

	err = app.Run(ctx)
	<-printed
	return err
}

func runKeygen(cmd *cobra.Command, args []string) error {
	k, err := pnet.GeneratePSK()
	if err != nil {
		return err
	}
	data := pnet.EncodeV1PSK(k)

	if keyOut == "-" {
		_, err := os.Stdout.Write(data)
		return err
	}
	out := keyOut
	if out == "" {
		dir, err := paths.EnsureDir(paths.DefaultDataDir())
		if err != nil {
			return err
		}
		out = paths.PSKPath(dir)
	}

	flag := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if force {
		flag = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(out, flag, 0o600)
	if err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Printf("wrote %s (fingerprint %s)\n", out, k.Fingerprint())
	return nil
}

// runID prints what identifies this node on the network. The keypair is
// regenerated on every start, so the peer id is only an example.
func runID(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	psk, err := cfg.LoadPSK()
	if err != nil {
		return err
	}
	kp, err := identity.Generate()
	if err != nil {
		return err
	}
	fmt.Printf("network key:  %s\n", psk.Fingerprint())
	fmt.Printf("topic:        %s\n", cfg.Topic)
	fmt.Printf("sample id:    %s\n", kp.ID)
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = p2ptestnode.DefaultPath()
	}
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists, use --force to overwrite", path)
	}
	if err := p2ptestnode.Save(path, p2ptestnode.Default(mode())); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}
