package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/peterje/ttymux/internal/client"
	"github.com/peterje/ttymux/internal/config"
	"github.com/peterje/ttymux/internal/db"
	"github.com/peterje/ttymux/internal/metrics"
	"github.com/peterje/ttymux/internal/preflight"
	ptymgr "github.com/peterje/ttymux/internal/pty"
	"github.com/peterje/ttymux/internal/registry"
	"github.com/peterje/ttymux/internal/server"
	"github.com/peterje/ttymux/internal/session"
)

var (
	cfg config.Settings

	// Client connection flags
	tunnelURL string
	tcpAddr   string
	insecure  bool
)

func main() {
	root := &cobra.Command{
		Use:           "ttymux",
		Short:         "Terminal sessions with a shared line discipline",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}

	pf := root.PersistentFlags()
	pf.String("socket", "", "unix socket path (TTYMUX_SOCKET_PATH)")
	pf.String("data-dir", "", "data directory (TTYMUX_DATA_DIR)")
	pf.String("log-level", "", "log level (TTYMUX_LOG_LEVEL)")
	pf.StringVar(&tunnelURL, "url", "", "connect through a server's websocket tunnel, e.g. wss://host:8800/tunnel")
	pf.StringVar(&tcpAddr, "addr", "", "connect to a server's TCP listener instead of the socket")
	pf.BoolVar(&insecure, "insecure", false, "skip TLS verification for --url")
	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		overrideString(cmd, "socket", &cfg.SocketPath)
		overrideString(cmd, "log-level", &cfg.LogLevel)
		if cmd.Flags().Changed("data-dir") {
			cfg.DataDir, _ = cmd.Flags().GetString("data-dir")
			if !cmd.Flags().Changed("socket") && os.Getenv("TTYMUX_SOCKET_PATH") == "" {
				cfg.SocketPath = filepath.Join(cfg.DataDir, "ttymux.sock")
			}
		}
		setupLogger(cfg)
		return nil
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the session server (default)",
		RunE:  runServe,
	}
	sf := serve.Flags()
	sf.String("listen", "", "also accept protocol connections on this TCP address (TTYMUX_LISTEN_ADDR)")
	sf.String("http", "", "HTTP listen address (TTYMUX_HTTP_ADDR)")
	root.Flags().AddFlagSet(sf)

	root.AddCommand(serve, attachCmd(), listCmd(), sttyCmd(), historyCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ttymux: %v\n", err)
		os.Exit(1)
	}
}

func overrideString(cmd *cobra.Command, name string, dst *string) {
	if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
		*dst = f.Value.String()
	}
}

func setupLogger(s config.Settings) {
	level, err := zerolog.ParseLevel(s.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if s.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

// journaledSpawner notes spawned commands in the journal.
type journaledSpawner struct {
	mgr     *ptymgr.Manager
	journal *db.Journal
}

func (s journaledSpawner) Spawn(id session.ID, command []string) error {
	if err := s.mgr.Spawn(id, command); err != nil {
		return err
	}
	if err := s.journal.SetCommand(id, command); err != nil {
		log.Warn().Err(err).Msg("journal command")
	}
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	overrideString(cmd, "listen", &cfg.ListenAddr)
	overrideString(cmd, "http", &cfg.HTTPAddr)

	log.Info().Str("data_dir", cfg.DataDir).Msg("starting ttymux")

	// Preflight checks
	shell := preflight.CheckShell(cfg.Shell)

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer database.Close()
	journal := db.NewJournal(database)
	if _, err := journal.Reconcile(); err != nil {
		return err
	}

	m := metrics.New()
	reg := registry.New(
		registry.WithObserver(journal),
		registry.WithObserver(m),
		registry.WithSessionOptions(cfg.SessionOptions()...),
	)
	mgr := ptymgr.NewManager(reg)

	srv := server.New(reg,
		server.WithMetrics(m),
		server.WithSpawner(journaledSpawner{mgr: mgr, journal: journal}),
		server.WithShellStatus(shell),
		server.WithAuthToken(cfg.AuthToken),
		server.WithDrainTimeout(cfg.DrainTimeout),
	)

	pidPath := filepath.Join(filepath.Dir(cfg.SocketPath), "ttymux.pid")
	unixLn, err := server.ListenUnix(cfg.SocketPath, pidPath)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	errCh := make(chan error, 3)
	go func() { errCh <- srv.Serve(unixLn) }()

	if cfg.ListenAddr != "" {
		tcpLn, err := net.Listen("tcp", cfg.ListenAddr)
		if err != nil {
			srv.Close()
			return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
		}
		go func() { errCh <- srv.Serve(tcpLn) }()
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		var err error
		if cfg.TLSEnabled {
			tlsCfg, tlsErr := server.TLSConfig(cfg.TLSCert, cfg.TLSKey, cfg.DataDir)
			if tlsErr != nil {
				errCh <- tlsErr
				return
			}
			httpSrv.TLSConfig = tlsCfg
			log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTPS server listening")
			err = httpSrv.ListenAndServeTLS("", "")
		} else {
			log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server listening")
			err = httpSrv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	// Wait for a signal or a listener failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var runErr error
	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("listener failed, shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	srv.Close()
	mgr.StopAll()
	reg.CloseAll()

	log.Info().Msg("server stopped")
	return runErr
}

// dial connects to the server chosen by the connection flags.
func dial() (*client.Client, error) {
	switch {
	case tunnelURL != "":
		return client.DialTunnel(tunnelURL, cfg.AuthToken, insecure)
	case tcpAddr != "":
		return client.Dial("tcp", tcpAddr)
	default:
		return client.Dial("unix", cfg.SocketPath)
	}
}
