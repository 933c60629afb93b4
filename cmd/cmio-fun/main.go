// cmio-fun bridges a deterministic guest process to the host supervisor
// over the HIF yield channel: either relaying TAP Ethernet frames
// ("network" mode) or multiplexing host-driven Unix/TCP client
// connections ("unix" mode).
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/stskeeps/cmio-fun/internal/hif"
	"github.com/stskeeps/cmio-fun/internal/logging"
	"github.com/stskeeps/cmio-fun/internal/sockmux"
	"github.com/stskeeps/cmio-fun/internal/tapnet"
)

const version = "0.1.0"

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [-device path] [-tap-name name] [-v] <network|unix>\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	devicePath := flag.String("device", hif.DefaultDevicePath, "path to the HIF character device")
	tapName := flag.String("tap-name", "tapcmio0", "TAP interface name (network mode only)")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
		os.Exit(0)
	}
	mode := flag.Arg(0)
	if mode != "network" && mode != "unix" {
		usage()
		os.Exit(0)
	}

	logLevel := logging.LevelInfo
	if *verbose {
		logLevel = logging.LevelDebug
	}
	log := logging.New(&logging.Config{Level: logLevel, Output: os.Stderr})
	log.Info("cmio-fun starting", "version", version, "mode", mode, "device", *devicePath)

	tr, err := hif.Open(*devicePath)
	if err != nil {
		log.Error("failed to open HIF device", "path", *devicePath, "err", err)
		os.Exit(1)
	}
	defer tr.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	stop := make(chan struct{})
	go func() {
		sig := <-sigChan
		log.Info("received signal, shutting down", "signal", sig)
		close(stop)
	}()

	var runOnce func() error
	switch mode {
	case "network":
		runOnce = newNetworkRunner(tr, *tapName, log)
	case "unix":
		mux := sockmux.NewMultiplexer(tr, log)
		runOnce = mux.RunOnce
	}

	for {
		select {
		case <-stop:
			log.Info("cmio-fun stopped")
			return
		default:
		}

		if err := runOnce(); err != nil {
			log.Error("fatal error, stopping", "err", err)
			os.Exit(1)
		}
	}
}

// newNetworkRunner creates the TAP interface and returns the adapter's
// drive function, failing fast if the interface cannot be created.
func newNetworkRunner(tr *hif.Transport, tapName string, log *logging.Logger) func() error {
	tap, err := tapnet.Create(tapName)
	if err != nil {
		log.Error("failed to create TAP interface", "name", tapName, "err", err)
		os.Exit(1)
	}
	mac, err := tap.MAC()
	if err == nil {
		log.Info("TAP interface up", "name", tapName, "mac", mac)
	}
	adapter := tapnet.NewAdapter(tr, tap, log)
	return adapter.RunOnce
}
