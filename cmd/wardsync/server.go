package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/halversen/wardsync/internal/api"
	"github.com/halversen/wardsync/internal/backend"
	"github.com/halversen/wardsync/internal/config"
	"github.com/halversen/wardsync/internal/connectivity"
	"github.com/halversen/wardsync/internal/intercept"
	"github.com/halversen/wardsync/internal/metrics"
	"github.com/halversen/wardsync/internal/queue"
	"github.com/halversen/wardsync/internal/storage"
	"github.com/halversen/wardsync/internal/syncer"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the wardsync daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running wardsync daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon, connectivity, and queue status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "wardsync.pid")
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

func logLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "wardsync version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)})))

	// Generate the management API token on first start; CLI commands read
	// the same secret.
	apiToken, err := config.EnsureAPIToken()
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}

	// Refuse to double-start: probe the health endpoint before claiming the
	// PID file.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("wardsync is already running (PID %d)", pid)
			return fmt.Errorf("daemon already running (PID %d)", pid)
		}
		printWarning("wardsync is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("daemon already running on port %d", cfg.Server.Port)
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
			slog.Warn("closing storage", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	m := metrics.NewSyncMetrics(reg)

	backendClient := backend.NewClient(cfg.Backend.BaseURL, time.Duration(cfg.Backend.TimeoutSeconds)*time.Second)

	// Connectivity is seeded with a single startup probe. After that the
	// monitor is driven purely by events on POST /api/connectivity.
	online := backendClient.Reachable(ctx)
	mon := connectivity.NewMonitor(online)
	slog.Info("connectivity seeded", "online", online, "backend", cfg.Backend.BaseURL)

	q := queue.New(store, m)
	s := syncer.New(backendClient, store, q, mon, m, time.Duration(cfg.Cache.RetentionDays)*24*time.Hour)

	// Opportunistic eviction at startup; never timer-driven.
	if _, err := s.EvictExpired(); err != nil {
		slog.Warn("startup eviction failed", "error", err)
	}

	if online {
		go func() {
			if n, err := s.DrainQueue(ctx); err != nil {
				slog.Warn("startup drain incomplete", "replayed", n, "error", err)
			}
		}()
	}

	interceptHandler := intercept.New(intercept.Deps{
		BackendURL: cfg.Backend.BaseURL,
		Cache:      store,
		Queue:      q,
		Metrics:    m,
	})
	apiHandler := api.NewHandler(api.Deps{
		Syncer:  s,
		Queue:   q,
		Store:   store,
		Monitor: mon,
		Token:   apiToken,
	})

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": version})
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Mount("/api", apiHandler)
	r.Mount("/", interceptHandler)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("wardsync listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
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
		printError("wardsync is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop wardsync (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to wardsync (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	running := false
	if err != nil {
		printStatus("Daemon", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Daemon", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Daemon", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Backend", "%s", cfg.Backend.BaseURL)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("Retention", "%d days", cfg.Cache.RetentionDays)

	if !running {
		return nil
	}

	apiCli, err := newAPIClient()
	if err != nil {
		printWarning("cannot query daemon: %v", err)
		return nil
	}
	statusResp, err := apiCli.get(context.Background(), "/status")
	if err != nil {
		printWarning("cannot query daemon: %v", err)
		return nil
	}
	var st struct {
		Online            bool `json:"online"`
		PendingOperations int  `json:"pendingOperations"`
		CachedRecords     int  `json:"cachedRecords"`
	}
	if err := decodeJSON(statusResp, &st); err != nil {
		printWarning("cannot decode daemon status: %v", err)
		return nil
	}

	if st.Online {
		printStatus("Connectivity", "online")
	} else {
		printStatus("Connectivity", "offline")
	}
	printStatus("Pending writes", "%d", st.PendingOperations)
	printStatus("Cached records", "%d", st.CachedRecords)
	return nil
}
