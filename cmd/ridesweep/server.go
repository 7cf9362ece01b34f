package main

import (
	"context"
	"errors"
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

	"github.com/kalambet/ridesweep/internal/api"
	"github.com/kalambet/ridesweep/internal/config"
	"github.com/kalambet/ridesweep/internal/engine"
	"github.com/kalambet/ridesweep/internal/storage"
	"github.com/kalambet/ridesweep/internal/strava"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the ridesweep daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running ridesweep daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status and last cycle summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "ridesweep.pid")
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

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	if strings.EqualFold(level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "ridesweep version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	setupLogging(cfg.Log.Level)

	apiToken, err := config.GetAPIToken(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}

	// Refuse to start twice. The health endpoint is the source of truth; the
	// PID file alone can be stale after a crash.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("ridesweep is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("ridesweep is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
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

	// A credential must be reachable somewhere: either a rotated one already
	// persisted in storage, or the initial refresh token from config/env.
	if _, err := store.LoadCredential(); err != nil {
		if !errors.Is(err, strava.ErrNoCredential) {
			return fmt.Errorf("loading credential: %w", err)
		}
		if cfg.Strava.RefreshToken == "" {
			return fmt.Errorf(
				"no stored Strava credential and no initial refresh token. " +
					"Set RIDESWEEP_STRAVA_REFRESH_TOKEN for the first run")
		}
	}

	tokens := strava.NewTokenManager(
		cfg.Strava.ClientID,
		cfg.Strava.ClientSecret,
		cfg.Strava.RefreshToken,
		store,
	)
	client := strava.NewClient(tokens, strava.WithPageSize(cfg.Sync.PerPage, cfg.Sync.MaxPages))

	hider := engine.NewHider(client, strava.RetryPolicy{
		MaxAttempts: cfg.Hide.MaxAttempts,
		BaseDelay:   cfg.Hide.BaseDelay,
		MaxDelay:    30 * time.Second,
	})
	eng := engine.New(client, hider, store, engine.Options{
		Lookback:    cfg.Sync.Lookback,
		MatchWindow: cfg.Sync.MatchWindow,
		Retention:   cfg.Sync.Retention,
	})
	sched := engine.NewScheduler(eng, cfg.Sync.Interval)

	handler := api.NewHandler(api.Deps{
		Engine:    eng,
		Scheduler: sched,
		Store:     store,
		Token:     apiToken,
		Version:   version,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sched.Run(gctx)
		return nil
	})

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "ridesweep listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
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

	return g.Wait()
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
		printError("ridesweep is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop ridesweep (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to ridesweep (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	httpClient := &http.Client{Timeout: 2 * time.Second}

	resp, err := httpClient.Get(serverURL + "/health")
	if err != nil {
		printStatus("Daemon", "stopped")
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	}
	resp.Body.Close()
	if resp.StatusCode == 200 {
		printStatus("Daemon", "running on port %d", cfg.Server.Port)
	} else {
		printStatus("Daemon", "error (HTTP %d)", resp.StatusCode)
	}

	client, err := newAPIClient()
	if err != nil {
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	}

	var status struct {
		NextTick  time.Time      `json:"next_tick"`
		Decisions map[string]int `json:"decisions"`
		LastCycle *struct {
			FinishedAt time.Time `json:"finished_at"`
			Fetched    int       `json:"fetched"`
			Matched    int       `json:"matched"`
			Hidden     int       `json:"hidden"`
			Failed     int       `json:"failed"`
			Err        string    `json:"error"`
		} `json:"last_cycle"`
	}
	statusResp, err := client.get(context.Background(), "/status")
	if err == nil && decodeJSON(statusResp, &status) == nil {
		printStatus("Next cycle", "%s", status.NextTick.Local().Format(time.RFC1123))
		if status.LastCycle != nil {
			printStatus("Last cycle", "fetched %d, matched %d, hidden %d, failed %d",
				status.LastCycle.Fetched, status.LastCycle.Matched,
				status.LastCycle.Hidden, status.LastCycle.Failed)
			if status.LastCycle.Err != "" {
				printStatus("Last error", "%s", status.LastCycle.Err)
			}
		}
		for outcome, count := range status.Decisions {
			printStatus("Decisions ("+outcome+")", "%d", count)
		}
	}

	printStatus("Sync interval", "%s", cfg.Sync.Interval)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
