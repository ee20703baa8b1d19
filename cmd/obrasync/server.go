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

	"github.com/kalambet/obrasync/internal/agent"
	"github.com/kalambet/obrasync/internal/api"
	"github.com/kalambet/obrasync/internal/cache"
	"github.com/kalambet/obrasync/internal/config"
	"github.com/kalambet/obrasync/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the obrasync agent (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcp, _ := cmd.Flags().GetBool("mcp")
		return runServer(mcp)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running obrasync agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show agent, network and queue status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "serve the MCP tools on stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "obrasync.pid")
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

func healthURL(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s/health", port, api.Prefix)
}

func parseDuration(key, raw string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		slog.Warn("invalid duration, using default", "key", key, "value", raw, "default", def, "error", err)
		return def
	}
	return d
}

// agentConfig maps the user configuration onto the agent's runtime settings.
func agentConfig(cfg config.Config, manifest []string) agent.Config {
	return agent.Config{
		BaseURL:         cfg.Upstream.BaseURL,
		UpstreamTimeout: parseDuration("upstream.timeout", cfg.Upstream.Timeout, 8*time.Second),
		Versions: map[cache.Role]string{
			cache.RoleCore:    cfg.Cache.CoreVersion,
			cache.RoleObras:   cfg.Cache.ObrasVersion,
			cache.RoleRuntime: cfg.Cache.RuntimeVersion,
		},
		HotEntries:    cfg.Cache.HotEntries,
		Manifest:      manifest,
		FailThreshold: cfg.Network.FailThreshold,
		ForcedOffline: parseDuration("network.forced_offline", cfg.Network.ForcedOffline, 30*time.Second),
		SyncInterval:  parseDuration("sync.interval", cfg.Sync.Interval, time.Minute),
		MaxAttempts:   cfg.Sync.MaxAttempts,
		Rate:          cfg.Sync.Rate,
		QuotaBytes:    int64(cfg.Storage.QuotaMB) << 20,
		Redirect:      cfg.Intercept.Redirect,
	}
}

func runServer(withMCP bool) error {
	fmt.Fprintln(os.Stderr, versionString())

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	apiToken := cfg.Server.APIToken
	if apiToken == "" {
		if apiToken, err = config.GetAPIToken(config.NewKeychain()); err != nil {
			return fmt.Errorf("initializing API token: %w", err)
		}
	}
	slog.Info("API bearer token available")

	// Refuse to start twice on the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL(cfg.Server.Port)); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("obrasync is already running (PID %d)", pid)
			return fmt.Errorf("agent already running (PID %d)", pid)
		}
		printWarning("obrasync is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("agent already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	manifest, err := agent.LoadManifest(cfg.Precache.Manifest)
	if err != nil {
		return err
	}

	a, err := agent.New(ctx, store, agentConfig(cfg, manifest))
	if err != nil {
		return fmt.Errorf("building agent: %w", err)
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewHandler(a, apiToken),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		a.Run(ctx)
	}()

	if withMCP {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(api.MCPDeps{Agent: a, Version: version}))
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("obrasync listening", "addr", addr, "upstream", cfg.Upstream.BaseURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			stop()
			<-runDone
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	<-runDone
	return err
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("obrasync is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop obrasync (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to obrasync (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	printStatus("Upstream", "%s", cfg.Upstream.BaseURL)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(healthURL(cfg.Server.Port))
	if err != nil {
		printStatus("Agent", "stopped")
		return nil
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		printStatus("Agent", "error (HTTP %d)", resp.StatusCode)
		return nil
	}
	printStatus("Agent", "running on port %d", cfg.Server.Port)

	c, err := newAPIClient()
	if err != nil {
		return err
	}
	st, err := fetchStatus(ctx, c)
	if err != nil {
		return err
	}
	printAgentStatus(st)
	return nil
}

func fetchStatus(ctx context.Context, c *apiClient) (agent.Status, error) {
	var st agent.Status
	resp, err := c.get(ctx, "/status")
	if err != nil {
		return st, err
	}
	err = decodeJSON(resp, &st)
	return st, err
}

func printAgentStatus(st agent.Status) {
	switch {
	case st.Online:
		printStatus("Network", "%s", colorize(colorGreen, "online"))
	case st.Network.ForcedOffline:
		printStatus("Network", "%s until %s", colorize(colorYellow, "offline"), st.Network.ForcedOfflineUntil.Local().Format(time.TimeOnly))
	default:
		printStatus("Network", "%s", colorize(colorYellow, "offline"))
	}
	printStatus("Queue", "%d waiting", st.QueueDepth)
	printStatus("Reports", "%d stored", st.PendingReports)
	if st.Rejections > 0 {
		printStatus("Rejections", "%s", colorize(colorRed, strconv.Itoa(st.Rejections)))
	} else {
		printStatus("Rejections", "0")
	}
	printStatus("Storage", "%s of %s", formatBytes(st.StorageUsed), formatBytes(st.StorageQuota))
	for _, role := range cache.Roles {
		name := st.Namespaces[string(role)]
		if name == "" {
			name = "not installed"
		}
		printStatus("Cache "+string(role), "%s", name)
	}
	printStatus("Open pages", "%d", st.ConnectedPages)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGT"[exp])
}
