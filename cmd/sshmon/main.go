// Command sshmon monitors a remote host over SSH.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/pascal71/sshmon/client"
	"github.com/pascal71/sshmon/config"
	"github.com/pascal71/sshmon/monitor"
	"github.com/pascal71/sshmon/parser"
	"github.com/pascal71/sshmon/state"
	"github.com/pascal71/sshmon/tui"
)

func main() {
	fs := pflag.NewFlagSet("sshmon", pflag.ExitOnError)
	config.Flags(fs)
	jsonOut := fs.Bool("json", false, "print system and disk usage as JSON and exit")
	sortBy := fs.String("sort", string(parser.SortCPU), "process sort for --json: cpu or ram")
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	logFile, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Fatalf("failed to open log file: %v", err)
	}
	defer logFile.Close()

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(logFile, &slog.HandlerOptions{Level: level})))

	if cfg.NeedsPassword() && term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintf(os.Stderr, "%s password: ", cfg.Connection())
		pass, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			log.Fatalf("Reading password: %v", err)
		}
		cfg.Password = string(pass)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store := state.New(cfg.Connection())
	c := client.NewClient(cfg.ClientOptions())
	svc := monitor.NewService(c, store)

	if *jsonOut {
		if err := printJSON(ctx, svc, *sortBy); err != nil {
			log.Fatalf("%v", err)
		}
		return
	}

	hb := monitor.NewHeartbeat(c, store, cfg.HeartbeatOptions())
	go hb.Run(ctx)

	slog.InfoContext(ctx, "Starting dashboard", "target", cfg.Connection().String())
	if err := tui.NewDashboard(svc).Run(ctx); err != nil {
		log.Fatalf("Dashboard error: %v", err)
	}
	if err := svc.Disconnect(context.Background()); err != nil {
		slog.WarnContext(ctx, "Disconnect failed", "error", err)
	}
}

func printJSON(ctx context.Context, svc *monitor.Service, sortBy string) error {
	sort, err := parser.ParseProcessSort(sortBy)
	if err != nil {
		return err
	}
	if err := svc.Connect(ctx); err != nil {
		return fmt.Errorf("Connect error: %w", err)
	}
	defer svc.Disconnect(ctx)

	info, err := svc.SystemInfo(ctx, sort)
	if err != nil {
		return fmt.Errorf("System info: %w", err)
	}
	disk, err := svc.DiskUsage(ctx)
	if err != nil {
		return fmt.Errorf("Disk usage: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		State  state.ConnectionState `json:"state"`
		System parser.SystemInfo     `json:"system"`
		Disk   parser.StorageInfo    `json:"disk"`
	}{svc.Store().Get(), info, disk})
}
