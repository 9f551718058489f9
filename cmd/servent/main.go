package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/eiannone/keyboard"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	servent "go-servent"
	"go-servent/config"
	"go-servent/filestore"
	"go-servent/transport"
)

const leaveTimeout = 10 * time.Second

var (
	configPath    string
	index         int
	dbURL         string
	clusterID     string
	metricsListen string
	logLevel      string
	keysMode      bool
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "servent",
		Short: "A chord ring servent with distributed mutual exclusion",
		Long: `Servent joins a chord ring described by a properties file and stores
files on the ring. Upload, remove and list operations run inside a
Suzuki-Kasami distributed critical section.

Commands are read from stdin, one per line:
  upload <path>, remove_file <path>, list_files <host:port>,
  put <key> <value>, get <key>, status, pause <millis>, stop`,
		RunE: runServent,
	}

	rootCmd.Flags().StringVar(&configPath, "config", "servent_list.properties", "Cluster properties file")
	rootCmd.Flags().IntVar(&index, "index", 0, "Index of this servent in the cluster")
	rootCmd.Flags().StringVar(&dbURL, "db", "", "PostgreSQL connection URL for the member registry (static seed if empty)")
	rootCmd.Flags().StringVar(&clusterID, "cluster-id", "servents", "Cluster identifier used by the member registry")
	rootCmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "Address to expose Prometheus metrics on (disabled if empty)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().BoolVar(&keysMode, "keys", false, "Interactive single-key controls instead of stdin commands")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServent(cmd *cobra.Command, args []string) error {
	var v = config.NewViper(configPath)
	if err := v.BindPFlag(config.KeyDatabaseURL, cmd.Flags().Lookup("db")); err != nil {
		return fmt.Errorf("failed to bind flag: %w", err)
	}
	if err := v.BindPFlag(config.KeyClusterID, cmd.Flags().Lookup("cluster-id")); err != nil {
		return fmt.Errorf("failed to bind flag: %w", err)
	}
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	var cfg = config.FromViper(v)
	if err := cfg.Validate(index); err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	// Logs go to stderr so they don't get cleared by status updates
	var logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	files, err := filestore.New(cfg.NodeDir(index))
	if err != nil {
		return err
	}

	var registry = prometheus.NewRegistry()
	if strings.TrimSpace(metricsListen) != "" {
		var metricsServer = &http.Server{
			Addr:              metricsListen,
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
		defer metricsServer.Close()
		logger.Info("metrics enabled", "listen", metricsListen)
	}

	rendezvous, closeRendezvous, err := newRendezvous(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer closeRendezvous()

	var (
		self          = cfg.Node(index)
		grpcTransport = transport.NewGRPC()
	)
	defer grpcTransport.Close()

	node, err := servent.NewNode(self, index, cfg.Peers(), grpcTransport, rendezvous,
		servent.WithRingSize(cfg.ChordSize),
		servent.WithFileStore(files),
		servent.WithRegisterer(registry),
		servent.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("failed to create servent: %w", err)
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", self.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", self.Port, err)
	}
	server, serveErr := transport.Serve(lis, node)
	defer server.Stop()

	var ctx, stop = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Joining ring as %s...\n", self)
	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("failed to start servent: %w", err)
	}
	fmt.Printf("✓ Successfully joined ring!\n\n")

	if keysMode {
		return runKeys(node, serveErr)
	}

	var (
		loop     = &commandLoop{node: node, ringSize: cfg.ChordSize, out: os.Stdout}
		loopDone = make(chan error, 1)
	)
	go func() {
		loopDone <- loop.run(ctx, os.Stdin)
	}()

	select {
	case err := <-loopDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("command loop failed", "error", err)
		}
	case err := <-serveErr:
		logger.Error("transport server stopped", "error", err)
	case <-ctx.Done():
	}

	return leave(node)
}

func newRendezvous(ctx context.Context, cfg *config.Config) (servent.Rendezvous, func(), error) {
	if cfg.DatabaseURL == "" {
		return servent.NewStaticRendezvous(cfg.Seed()), func() {}, nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	rendezvous, err := servent.NewSQLRendezvous(db, cfg.ClusterID)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return rendezvous, func() { _ = db.Close() }, nil
}

func leave(node *servent.Node) error {
	var ctx, cancel = context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()

	fmt.Printf("\nShutting down gracefully...\n")
	if err := node.Leave(ctx); err != nil {
		return fmt.Errorf("failed to leave ring: %w", err)
	}
	fmt.Printf("✓ Gracefully left ring\n")
	return nil
}

// runKeys drives the servent with single-key controls and a live status screen.
func runKeys(node *servent.Node, serveErr <-chan error) error {
	printStatus(node)

	var ticker = time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	// Set up signal handling; a signal crashes like [c]
	var sigCh = make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	if err := keyboard.Open(); err != nil {
		return fmt.Errorf("failed to initialize keyboard: %w", err)
	}
	defer keyboard.Close()

	var keyCh = make(chan rune)
	go func() {
		for {
			char, _, err := keyboard.GetKey()
			if err != nil {
				return
			}
			keyCh <- char
		}
	}()

	for {
		select {
		case <-ticker.C:
			printStatus(node)
		case err := <-serveErr:
			return fmt.Errorf("transport server stopped: %w", err)
		case key := <-keyCh:
			switch key {
			case 'c', 'C':
				fmt.Printf("\n\n💥 Crashing immediately (no cleanup)...\n")
				os.Exit(1)
			case 'q', 'Q':
				return leave(node)
			}
		case sig := <-sigCh:
			fmt.Printf("\n\n💥 Received signal %v, crashing immediately (no cleanup)...\n", sig)
			os.Exit(1)
		}
	}
}

func printStatus(node *servent.Node) {
	fmt.Print("\033[2J\033[H") // Clear screen and move cursor to top
	fmt.Println(node.String())

	fmt.Printf("\nControls:\n")
	fmt.Printf("  [c] Crash without cleanup\n")
	fmt.Printf("  [q] Leave the ring gracefully\n")
}
