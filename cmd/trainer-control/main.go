// trainer-control: drive ANT+ sensors through a USB stick and serve the
// decoded measurements over TCP.
//
// The daemon pairs with a heart rate strap and an FE-C capable trainer,
// publishes "TELEMETRY ..." lines to every connected client and accepts
// control commands ("SET-SLOPE 3.5", "SET-USER 75 10 0.668") back.
//
// Examples:
//
//	# Run with the built-in defaults, telemetry on port 7500
//	./trainer-control
//
//	# Run with a configuration file and a rotating log
//	./trainer-control -c etc/trainer-control.yaml -log /var/log/trainer-control.log
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/gousb"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/alex-hhh/TrainerControl/pkg/ant"
	"github.com/alex-hhh/TrainerControl/pkg/config"
	"github.com/alex-hhh/TrainerControl/pkg/telemetry"
)

func main() {
	configPath := flag.String("c", "", "Configuration file path (YAML)")
	port := flag.Int("p", 0, "Telemetry port (overrides configuration)")
	logFile := flag.String("log", "", "Log file (overrides configuration; empty logs to stderr)")
	verbose := flag.Bool("v", false, "Verbose output")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Listen.Port = *port
	}
	if *logFile != "" {
		cfg.Log.File = *logFile
	}

	var logWriter io.Writer = os.Stderr
	if cfg.Log.File != "" {
		logWriter = &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
		}
	}
	logf := log.New(logWriter, "", log.LstdFlags)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	usb := gousb.NewContext()
	defer usb.Close()

	if err := run(ctx, usb, cfg, logf, *verbose); err != nil {
		logf.Printf("%v", err)
		os.Exit(1)
	}
}

// run opens the stick and serves telemetry, rebuilding the stick after
// transport failures.  It returns when the context is cancelled or no stick
// is present.
func run(ctx context.Context, usb *gousb.Context, cfg *config.Config, logf *log.Logger, verbose bool) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		err := serveOnce(ctx, usb, cfg, logf, verbose)
		if err == nil {
			return nil
		}
		if errors.Is(err, ant.ErrStickNotFound) {
			return err
		}

		logf.Printf("stick failed, rebuilding: %v", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(2 * time.Second):
		}
	}
}

func serveOnce(ctx context.Context, usb *gousb.Context, cfg *config.Config, logf *log.Logger, verbose bool) error {
	stick, err := ant.OpenStick(usb)
	if err != nil {
		return err
	}
	defer stick.Close()

	logf.Printf("USB stick: serial# %d, version %s, max %d networks, max %d channels",
		stick.SerialNumber(), stick.Version(), stick.MaxNetworks(), stick.MaxChannels())

	if err := stick.SetNetworkKey(ant.AntPlusNetworkKey); err != nil {
		return fmt.Errorf("install network key: %w", err)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Listen.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	logf.Printf("telemetry server on port %d", cfg.Listen.Port)

	server, err := telemetry.New(stick, ln, logf, telemetry.Options{
		RiderWeightKg:  cfg.Rider.WeightKg,
		BikeWeightKg:   cfg.Rider.BikeWeightKg,
		WheelDiameterM: cfg.Rider.WheelDiameterM,
		SampleInterval: cfg.SampleInterval(),
	})
	if err != nil {
		ln.Close()
		return err
	}
	defer server.Close()

	if verbose {
		logf.Printf("rider %g kg, bike %g kg, wheel %g m",
			cfg.Rider.WeightKg, cfg.Rider.BikeWeightKg, cfg.Rider.WheelDiameterM)
	}

	return server.Run(ctx)
}
