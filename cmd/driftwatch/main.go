package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/driftwatch/driftwatch/internal/bus"
	"github.com/driftwatch/driftwatch/internal/capture"
	"github.com/driftwatch/driftwatch/internal/channel"
	"github.com/driftwatch/driftwatch/internal/config"
	"github.com/driftwatch/driftwatch/internal/convo"
	"github.com/driftwatch/driftwatch/internal/judge"
	"github.com/driftwatch/driftwatch/internal/memstore"
	"github.com/driftwatch/driftwatch/internal/server"
	"github.com/driftwatch/driftwatch/internal/watch"
)

var rootCmd = &cobra.Command{
	Use:   "driftwatch",
	Short: "driftwatch - local attention drift monitor",
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the local screen and escalate when attention drifts",
	RunE:  runWatch,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the activity server (remote pings + schedule checks)",
	RunE:  runServe,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and data directories",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show driftwatch status",
	RunE:  runStatus,
}

var (
	keywordsFlag  string
	intervalFlag  int
	thresholdFlag int
	modelFlag     string
	debugFlag     bool
)

func init() {
	watchCmd.Flags().StringVar(&keywordsFlag, "keywords", "", "Comma-separated on-task keywords")
	watchCmd.Flags().IntVar(&intervalFlag, "interval", config.DefaultIntervalSeconds, "Seconds between periodic evaluations")
	watchCmd.Flags().IntVar(&thresholdFlag, "threshold", config.DefaultHashThreshold, "Perceptual hash distance that counts as a screen change")
	watchCmd.Flags().StringVar(&modelFlag, "model", "", "Judge model code")
	watchCmd.Flags().BoolVar(&debugFlag, "debug", false, "Verbose per-cycle logging")
	rootCmd.AddCommand(watchCmd, serveCmd, onboardCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// collectFlags maps only the flags the user actually set, so the config file
// can override untouched ones.
func collectFlags(cmd *cobra.Command) config.Flags {
	var f config.Flags
	if cmd.Flags().Changed("keywords") {
		f.Keywords = &keywordsFlag
	}
	if cmd.Flags().Changed("interval") {
		f.Interval = &intervalFlag
	}
	if cmd.Flags().Changed("threshold") {
		f.Threshold = &thresholdFlag
	}
	if cmd.Flags().Changed("model") {
		f.Model = &modelFlag
	}
	if cmd.Flags().Changed("debug") {
		f.Debug = &debugFlag
	}
	return f
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(collectFlags(cmd))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Judge.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'driftwatch onboard' or set DRIFTWATCH_API_KEY / OPENAI_API_KEY")
	}
	if strings.TrimSpace(cfg.Task.Description) == "" {
		return fmt.Errorf("no task configured. Set task.description in %s", config.ConfigPath())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	j := judge.NewClient(cfg)

	// Fill in keywords from the judge when the user configured none.
	if len(cfg.Task.Keywords) == 0 {
		if kw := j.SuggestKeywords(ctx, cfg.Task.Description, cfg.Judge.Model, 5); len(kw) > 0 {
			cfg.Task.Keywords = kw
			fmt.Printf("Suggested keywords: %s\n", strings.Join(kw, ", "))
		}
	}

	store := convo.OpenOrEmpty(filepath.Join(config.DataDir(), "convo.db"))
	defer store.Close()

	b := bus.New(config.DefaultBusBufSize)
	channels, err := channel.NewManager(cfg, b, store)
	if err != nil {
		return fmt.Errorf("init channels: %w", err)
	}
	if err := channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	defer channels.StopAll()
	go b.DispatchOutbound(ctx)

	source := capture.NewScreenpipeSource(cfg.Capture.ScreenpipeURL)

	// Headless hosts get nil here and run on title and interval rules only.
	var hasher watch.Hasher
	if g := capture.NewFrameGrabber(); g != nil {
		hasher = g
	}

	loop := watch.New(cfg, source, hasher, j, b, store)
	return loop.Run(ctx)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(collectFlags(cmd))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Judge.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'driftwatch onboard' or set DRIFTWATCH_API_KEY / OPENAI_API_KEY")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := convo.OpenOrEmpty(filepath.Join(config.DataDir(), "convo.db"))
	defer store.Close()

	b := bus.New(config.DefaultBusBufSize)
	channels, err := channel.NewManager(cfg, b, store)
	if err != nil {
		return fmt.Errorf("init channels: %w", err)
	}
	if err := channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	defer channels.StopAll()
	go b.DispatchOutbound(ctx)

	srv := server.New(cfg, judge.NewClient(cfg), memAdapter{memstore.NewClient(cfg)}, store, b)
	return srv.Start(ctx)
}

// memAdapter bridges memstore.Memory to the server's own memory type.
type memAdapter struct {
	c *memstore.Client
}

func (m memAdapter) Search(ctx context.Context, query string, limit int) []server.Memory {
	results := m.c.Search(ctx, query, limit)
	out := make([]server.Memory, 0, len(results))
	for _, r := range results {
		out = append(out, server.Memory{ID: r.ID, Text: r.Text, Metadata: r.Metadata})
	}
	return out
}

func (m memAdapter) Add(ctx context.Context, content string, metadata map[string]string) error {
	return m.c.Add(ctx, content, metadata)
}

func (m memAdapter) UserGoals(ctx context.Context) string {
	return m.c.UserGoals(ctx)
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	if err := os.MkdirAll(config.DataDir(), 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	fmt.Printf("Data dir ready: %s\n", config.DataDir())

	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set your task description\n", cfgPath)
	fmt.Println("  2. Set DRIFTWATCH_API_KEY (or OPENAI_API_KEY)")
	fmt.Println("  3. Run 'driftwatch watch' to start monitoring")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(config.Flags{})
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Task: %s\n", taskDisplay(cfg.Task.Description))
	fmt.Printf("Keywords: %s\n", strings.Join(cfg.Task.Keywords, ", "))
	fmt.Printf("Model: %s\n", cfg.Judge.Model)
	fmt.Printf("API Key: %s\n", maskKey(cfg.Judge.APIKey))
	fmt.Printf("Desktop: enabled=%v\n", cfg.Channels.Desktop.Enabled)
	fmt.Printf("Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)
	fmt.Printf("Voice: enabled=%v\n", cfg.Channels.Voice.Enabled)
	fmt.Printf("Memory service: enabled=%v\n", cfg.Memory.Enabled)

	store, err := convo.Open(filepath.Join(config.DataDir(), "convo.db"))
	if err != nil {
		fmt.Println("Conversation: unavailable (run 'driftwatch onboard')")
		return nil
	}
	defer store.Close()

	if n, err := store.Count(); err == nil {
		fmt.Printf("Conversation: %d turns\n", n)
	}
	return nil
}

func taskDisplay(desc string) string {
	desc = strings.TrimSpace(desc)
	if desc == "" {
		return "not set"
	}
	return desc
}

func maskKey(key string) string {
	if key == "" {
		return "not set"
	}
	if len(key) > 8 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return "set"
}
