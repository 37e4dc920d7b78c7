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

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fieldeng/casebridge/internal/aggregate"
	"github.com/fieldeng/casebridge/internal/api"
	"github.com/fieldeng/casebridge/internal/bugs"
	"github.com/fieldeng/casebridge/internal/cache"
	"github.com/fieldeng/casebridge/internal/config"
	"github.com/fieldeng/casebridge/internal/notify"
	"github.com/fieldeng/casebridge/internal/portal"
	"github.com/fieldeng/casebridge/internal/reconcile"
	"github.com/fieldeng/casebridge/internal/sched"
	"github.com/fieldeng/casebridge/internal/snapshot"
	"github.com/fieldeng/casebridge/internal/stats"
	"github.com/fieldeng/casebridge/internal/tracker"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the casebridge server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running casebridge server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show casebridge system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "casebridge.pid")
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

func runServer() error {
	fmt.Fprintf(os.Stderr, "casebridge version %s\n", version)

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

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("casebridge is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("casebridge is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open the cache store.
	store, err := cache.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing cache: %v\n", err)
		}
	}()

	// Upstream clients.
	portalClient := portal.New(cfg.Portal.BaseURL, cfg.Portal.SSOURL, cfg.Portal.OfflineToken)
	trackerClient := tracker.New(cfg.Tracker.BaseURL, cfg.Tracker.Token)
	bugClient := bugs.New(cfg.Bugs.BaseURL, cfg.Bugs.APIKey)

	// Notification fan-out.
	mailer := notify.NewMailer(cfg.Notify.SMTPHost, cfg.Notify.From)
	chatClient := notify.NewChatClient(cfg.Notify.ChatBaseURL, cfg.Notify.ChatToken)
	notifier := notify.NewNotifier(cfg.Notify, cfg.Reconcile.Team, mailer, chatClient)

	// Sync pipeline.
	syncer := snapshot.NewSyncer(store, portalClient, trackerClient, bugClient, cfg.Portal, cfg.Tracker)
	aggregator := aggregate.New(store, trackerClient, cfg.Tracker)
	engine := reconcile.New(store, trackerClient, portalClient, notifier, cfg)
	statsEngine := stats.New(store)
	scheduler := sched.New(store, syncer, aggregator, engine, statsEngine, cfg.Reconcile)

	handler := api.NewHandler(api.Deps{
		Store:    store,
		Jobs:     scheduler,
		Engine:   engine,
		Stats:    statsEngine,
		Token:    cfg.Server.APIToken,
		ReadOnly: cfg.Reconcile.ReadOnly,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "casebridge listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := scheduler.Run(gctx); err != nil && err != context.Canceled {
			return fmt.Errorf("scheduler error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
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
		printError("casebridge is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop casebridge (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to casebridge (PID %d)", pid)
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
	lastRefresh := ""
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
			var health struct {
				LastRefresh string `json:"last_refresh"`
			}
			if json.NewDecoder(resp.Body).Decode(&health) == nil {
				lastRefresh = health.LastRefresh
			}
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
		resp.Body.Close()
	}

	printStatus("Portal", "%s", cfg.Portal.BaseURL)
	printStatus("Tracker", "%s (project %s)", cfg.Tracker.BaseURL, cfg.Tracker.Project)
	if cfg.Reconcile.ReadOnly {
		printStatus("Mode", "read-only")
	}
	if lastRefresh != "" {
		printStatus("Last refresh", "%s", lastRefresh)
	}

	if running {
		if apiClient, err := newAPIClient(); err == nil {
			if resp, err := apiClient.get(context.Background(), "/api/progress"); err == nil {
				var prog struct {
					Running  bool `json:"running"`
					Progress struct {
						Current int `json:"current"`
						Total   int `json:"total"`
					} `json:"progress"`
				}
				if decodeJSON(resp, &prog) == nil && prog.Running {
					printStatus("Refresh", "%d/%d", prog.Progress.Current, prog.Progress.Total)
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
