package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/e7canasta/beatlamp/internal/audio"
	"github.com/e7canasta/beatlamp/internal/config"
	"github.com/e7canasta/beatlamp/internal/core"
	"github.com/e7canasta/beatlamp/internal/eventstore"
	pebblestore "github.com/e7canasta/beatlamp/internal/storage/pebble"
)

const defaultConfigPath = "configs/beatlamp.yaml"

func main() {
	rootCmd := &cobra.Command{
		Use:           "beatlamp",
		Short:         "Beat-synchronised smart lamp controller",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format: text|json")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		debug, _ := cmd.Flags().GetBool("debug")
		format, _ := cmd.Flags().GetString("log-format")
		return setupLogger(debug, format)
	}

	rootCmd.AddCommand(newRunCommand(), newMessagesCommand(), newProbeCommand(), newCtlCommand())

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func setupLogger(debug bool, format string) error {
	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler
	switch format {
	case "", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return fmt.Errorf("invalid --log-format %q; use text|json", format)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the broker and serve the control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			song, _ := cmd.Flags().GetString("song")
			return runService(configPath, song)
		},
	}
	cmd.Flags().String("config", defaultConfigPath, "Path to configuration file (empty for defaults)")
	cmd.Flags().String("song", "", "Song to load at startup")
	return cmd
}

func runService(configPath, song string) error {
	if configPath == defaultConfigPath {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			configPath = ""
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	slog.Info("starting beatlamp", "config", configPath, "instance_id", cfg.InstanceID)

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	app, err := core.New(cfg, core.WithSong(song))
	if err != nil {
		return fmt.Errorf("failed to create beatlamp service: %w", err)
	}

	if err := app.StartServer(cfg.HTTP.Addr); err != nil {
		return fmt.Errorf("failed to start http server: %w", err)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- app.Run(ctx)
	}()

	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
		<-errChan
	case err := <-errChan:
		if err != nil {
			slog.Error("service error", "error", err)
		}
	}

	shutdownTimeout := app.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := app.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	slog.Info("beatlamp stopped successfully")
	return nil
}

func newMessagesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "messages",
		Short: "List stored broker messages (service must not be running)",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, _ := cmd.Flags().GetString("data-dir")
			filter, _ := cmd.Flags().GetString("filter")
			limit, _ := cmd.Flags().GetInt("limit")
			after, _ := cmd.Flags().GetUint64("after")
			asJSON, _ := cmd.Flags().GetBool("json")

			db, err := pebblestore.Open(pebblestore.Options{DataDir: dataDir, Logger: slog.Default()})
			if err != nil {
				return fmt.Errorf("open %s: %w", dataDir, err)
			}
			defer db.Close()

			log, err := eventstore.OpenLog(db)
			if err != nil {
				return err
			}
			recs, err := log.List(eventstore.ListOptions{AfterID: after, Limit: limit, Filter: filter})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(recs)
			}
			for _, r := range recs {
				fmt.Fprintf(out, "%6d  %s  %-24s %s\n", r.ID, r.Timestamp.Format(time.RFC3339), r.Topic, r.Payload)
			}
			return nil
		},
	}
	cmd.Flags().String("data-dir", "messages.db", "Message store directory")
	cmd.Flags().String("filter", "", `CEL filter over id, topic, payload, ts_ms (e.g. topic.endsWith("/status"))`)
	cmd.Flags().Int("limit", 0, "Maximum records (0 = all)")
	cmd.Flags().Uint64("after", 0, "Only records with id greater than this")
	cmd.Flags().Bool("json", false, "Print JSON")
	return cmd
}

func newProbeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "probe <file>",
		Short: "Print a song's duration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := audio.ProbeDuration(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Loaded song: %s\nDuration: %.2f seconds\n", args[0], d.Seconds())
			return nil
		},
	}
}

// newCtlCommand drives a running service over its control API.
func newCtlCommand() *cobra.Command {
	ctl := &cobra.Command{Use: "ctl", Short: "Control a running beatlamp service"}
	ctl.PersistentFlags().String("addr", apiURL(), "Control API base URL")

	post := func(use, short, path string) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			RunE: func(cmd *cobra.Command, args []string) error {
				return apiCall(cmd, http.MethodPost, path, nil)
			},
		}
	}

	load := &cobra.Command{
		Use:   "load <file>",
		Short: "Load a song",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, _ := json.Marshal(map[string]string{"path": args[0]})
			return apiCall(cmd, http.MethodPost, "/api/load", body)
		},
	}
	status := &cobra.Command{
		Use:   "status",
		Short: "Show playback status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return apiCall(cmd, http.MethodGet, "/api/status", nil)
		},
	}

	ctl.AddCommand(load,
		post("play", "Start playback", "/api/play"),
		post("toggle", "Pause or resume", "/api/toggle"),
		post("stop", "Stop playback", "/api/stop"),
		status,
	)
	return ctl
}

func apiCall(cmd *cobra.Command, method, path string, body []byte) error {
	base, _ := cmd.Flags().GetString("addr")
	req, err := http.NewRequestWithContext(cmd.Context(), method, base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	out, _ := io.ReadAll(resp.Body)
	fmt.Fprint(cmd.OutOrStdout(), string(out))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return nil
}

func apiURL() string {
	if v := os.Getenv("BEATLAMP_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}
