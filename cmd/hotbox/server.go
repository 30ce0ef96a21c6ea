package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"

	"github.com/kalambet/hotbox/internal/api"
	"github.com/kalambet/hotbox/internal/builtin"
	"github.com/kalambet/hotbox/internal/config"
	"github.com/kalambet/hotbox/internal/extension"
	"github.com/kalambet/hotbox/internal/logging"
	"github.com/kalambet/hotbox/internal/maintenance"
	"github.com/kalambet/hotbox/internal/query"
	"github.com/kalambet/hotbox/internal/storage"
)

type startOptions struct {
	mcpStdio   bool
	extensions []string
}

var startOpts startOptions

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the hotbox daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context(), startOpts)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running hotbox daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show hotbox status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().BoolVar(&startOpts.mcpStdio, "mcp-stdio", false, "also serve MCP over stdin/stdout")
	startCmd.Flags().StringSliceVar(&startOpts.extensions, "extensions", nil, "only enable these extension ids")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "hotbox.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runningMarkerPath(dataDir string) string {
	return filepath.Join(dataDir, "running")
}

// markRunning creates the running marker and reports whether one was left
// behind by a previous run that did not shut down cleanly.
func markRunning(dataDir string) (unclean bool, err error) {
	path := runningMarkerPath(dataDir)
	if _, err := os.Stat(path); err == nil {
		unclean = true
	}
	if err := os.WriteFile(path, []byte(time.Now().UTC().Format(time.RFC3339)), 0o644); err != nil {
		return unclean, err
	}
	return unclean, nil
}

func baseURL(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}

// applyEnabled disables extensions listed in disabled and, when only is
// non-empty, every extension not listed there.
func applyEnabled(reg *extension.Registry, only, disabled []string, logger *slog.Logger) {
	keep := make(map[string]bool, len(only))
	for _, id := range only {
		keep[strings.TrimSpace(id)] = true
	}
	for _, info := range reg.List() {
		if len(keep) > 0 && !keep[info.ID] {
			reg.SetEnabled(info.ID, false)
		}
	}
	for _, id := range disabled {
		if err := reg.SetEnabled(id, false); err != nil {
			logger.Warn("cannot disable extension", "extension", id, "error", err)
		}
	}
}

func runServer(parent context.Context, opts startOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logging.Init(logging.Config{
		Dir:    cfg.Log.Dir,
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	defer logging.Shutdown()
	logger := logging.Logger()
	logger.Info("hotbox starting", "version", version, "data_dir", cfg.Storage.DataDir)

	token, err := ensureToken(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}

	// Check if a daemon is already running via the health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(baseURL(cfg.Server.Port) + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("hotbox already running (PID %d)", pid)
		}
		return fmt.Errorf("hotbox already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	unclean, err := markRunning(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("writing running marker: %w", err)
	}
	if unclean {
		logger.Warn("previous run did not shut down cleanly")
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.OpenWith(cfg.Storage.DataDir, storage.Options{Weights: cfg.Weights()})
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing storage", "error", err)
		}
	}()
	if _, err := store.Prune(ctx); err != nil {
		logger.Warn("pruning on open failed", "error", err)
	}

	go maintenance.NewWorker(store, cfg.Storage.PruneInterval).Run(ctx)

	reg := extension.NewRegistry()
	if err := reg.Load(ctx, builtin.Source(builtin.Options{
		AppDirs:      cfg.AppDirs(),
		DocDirs:      cfg.DocDirs(),
		WebSearchURL: cfg.WebSearch.URL,
	})); err != nil {
		logger.Warn("loading extensions", "error", err)
	}
	if err := reg.Init(ctx); err != nil {
		logger.Warn("initializing extensions", "error", err)
	}
	defer func() {
		if err := reg.Close(); err != nil {
			logger.Warn("closing extensions", "error", err)
		}
	}()
	applyEnabled(reg, opts.extensions, cfg.DisabledExtensions(), logger)

	eng := query.New(reg, store, query.Options{
		Weights:        cfg.Weights(),
		CoalesceWindow: cfg.Query.CoalesceWindow,
	})
	defer eng.Close()

	deps := api.Deps{Engine: eng, Registry: reg, Store: store, Token: token}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if cfg.Server.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConns)
	}

	srv := &http.Server{
		Handler:           api.NewHandler(deps),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	if opts.mcpStdio {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(deps))
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("MCP stdio server error", "error", err)
			}
		}()
		logger.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("hotbox listening", "addr", addr, "max_conns", cfg.Server.MaxConns)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	eng.Close()
	if err := store.Flush(shutdownCtx); err != nil {
		logger.Warn("flushing storage", "error", err)
	}
	os.Remove(runningMarkerPath(cfg.Storage.DataDir))
	return nil
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("hotbox is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("could not stop hotbox (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to hotbox (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &apiClient{
		baseURL:    baseURL(cfg.Server.Port),
		httpClient: &http.Client{Timeout: 2 * time.Second},
	}
	client.token, _ = readToken(cfg.Storage.DataDir)

	running := false
	if resp, err := client.get(ctx, "/health"); err != nil {
		printStatus("Daemon", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Daemon", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Daemon", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if running && client.token != "" {
		var infos []extension.Info
		if err := client.getJSON(ctx, "/extensions", &infos); err == nil {
			enabled := 0
			for _, info := range infos {
				if info.Enabled {
					enabled++
				}
			}
			printStatus("Extensions", "%d registered, %d enabled", len(infos), enabled)
		}
		var em query.Emission
		if err := client.getJSON(ctx, "/session/results", &em); err == nil {
			printStatus("Session", "active (generation %d)", em.Generation)
		} else {
			printStatus("Session", "inactive")
		}
	}

	if _, err := os.Stat(runningMarkerPath(cfg.Storage.DataDir)); err == nil && !running {
		printWarning("previous run did not shut down cleanly")
	}
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("Config", "%s", config.FilePath())
	return nil
}
