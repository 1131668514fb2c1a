package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/markco-dev/machine-agent/internal/machineagent"
)

// Version info - set by ldflags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	headless := flag.Bool("headless", false, "Run without a system tray icon")
	version := flag.Bool("version", false, "Print version information and exit")
	flag.Parse()

	if *version {
		fmt.Printf("Machine Agent\n")
		fmt.Printf("  Version:    %s\n", Version)
		fmt.Printf("  Build Time: %s\n", BuildTime)
		os.Exit(0)
	}

	slog.Info("starting machine agent", "version", Version, "buildTime", BuildTime)

	a, err := machineagent.New(*headless)
	if err != nil {
		log.Fatalf("failed to initialize machine agent: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.Start(ctx)

	if *headless {
		<-ctx.Done()
		a.Stop()
	} else {
		go func() {
			<-ctx.Done()
			a.Stop()
		}()
		a.RunTray()
	}

	slog.Info("machine agent stopped")
}
