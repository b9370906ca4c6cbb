package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/arkproject/soletrack/internal/ble"
	"github.com/arkproject/soletrack/internal/config"
	"github.com/arkproject/soletrack/internal/event"
	"github.com/arkproject/soletrack/internal/session"
	"github.com/arkproject/soletrack/internal/sink"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/soletrack/config.yaml)")
	scanFor := flag.Duration("scan", 0, "scan for the given duration and list devices instead of acquiring")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	setupLogging(cfg.LogLevel)
	printBanner(cfg)

	bus := event.NewBus()
	defer bus.Close()

	// Echo lifecycle events to the log so a session is diagnosable from
	// its output alone.
	events, cancelEvents := bus.Subscribe(64)
	defer cancelEvents()
	go func() {
		for ev := range events {
			if ev.Type == event.Error {
				slog.Error("event", "type", ev.Type, "fields", ev.Fields)
				continue
			}
			slog.Info("event", "type", ev.Type, "fields", ev.Fields)
		}
	}()

	conn := ble.NewConn(ble.BlueZProvider{}, bus, ble.DefaultConnOptions())
	disc := ble.NewDiscovery(bus, ble.DiscoveryOptions{
		PollInterval:  cfg.Discovery.PollInterval.Std(),
		FetchTimeout:  cfg.Discovery.FetchTimeout.Std(),
		CacheTTL:      cfg.Discovery.CacheTTL.Std(),
		SweepInterval: cfg.Discovery.SweepInterval.Std(),
	})
	reg := ble.NewRegistry(bus)

	out, err := buildSink(cfg)
	if err != nil {
		log.Fatalf("output: %v", err)
	}
	defer out.Close()

	sess := session.New(conn, disc, reg, bus, out, session.Options{
		TargetName:    cfg.Device.Name,
		MinRSSI:       int16(cfg.Device.RSSIThreshold),
		RetryAttempts: cfg.Connection.RetryAttempts,
		RetryDelay:    cfg.Connection.RetryDelay.Std(),
		FindTimeout:   cfg.Discovery.ScanTimeout.Std(),
		AutoReconnect: cfg.Connection.AutoReconnect,
	})
	defer sess.Cleanup()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if *scanFor > 0 {
		runScan(sess, *scanFor, sigCh)
		return
	}

	log.Printf("Acquiring from %q (Ctrl+C to stop)", cfg.Device.Name)
	if err := sess.AutoConnect(); err != nil {
		reg.Cleanup()
		log.Fatalf("connect: %v", err)
	}

	<-sigCh
	log.Println("Shutting down...")
	reg.Cleanup()
}

// runScan performs a manual scan and prints the devices seen.
func runScan(sess *session.Session, duration time.Duration, sigCh chan os.Signal) {
	log.Printf("Scanning for %s...", duration)

	done := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			sess.Cleanup()
		case <-done:
		}
	}()

	devices, err := sess.StartScan(duration)
	close(done)
	if err != nil {
		log.Fatalf("scan: %v", err)
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].Address < devices[j].Address })
	fmt.Printf("\n%-20s %-28s %s\n", "ADDRESS", "NAME", "RSSI")
	for _, d := range devices {
		rssi := "unavailable"
		if d.RSSIValid {
			rssi = fmt.Sprintf("%d dBm", d.RSSI)
		}
		fmt.Printf("%-20s %-28s %s\n", d.Address, d.Name, rssi)
	}
	fmt.Printf("\n%d device(s)\n", len(devices))
}

func buildSink(cfg *config.Config) (sink.FrameSink, error) {
	if err := os.MkdirAll(cfg.Output.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output dir: %w", err)
	}
	file := sink.NewFileSink(sink.FileSinkOptions{
		Path:            filepath.Join(cfg.Output.Dir, "telemetry.log"),
		MaxSizeMB:       cfg.Output.MaxSizeMB,
		SessionDuration: cfg.Output.SessionDuration.Std(),
	})
	if cfg.Output.DBPath == "" {
		return file, nil
	}
	db, err := sink.NewSQLiteSink(cfg.Output.DBPath)
	if err != nil {
		file.Close()
		return nil, err
	}
	return sink.NewMulti(file, db), nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		return config.Load(defaultPath)
	}
	return config.Default(), nil
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func printBanner(cfg *config.Config) {
	log.Printf("soletrack - BLE insole telemetry logger")
	log.Printf("target=%q rssi>=%ddBm output=%s", cfg.Device.Name, cfg.Device.RSSIThreshold, cfg.Output.Dir)
}
