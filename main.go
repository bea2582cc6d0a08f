package main

// minitouch entrypoint.
//
// A single self-contained binary that:
// - picks the best touch device under /dev/input (or the one given)
// - serves the minitouch text protocol on an abstract unix socket,
//   optionally a WebSocket endpoint, or once over stdin / a command file
// - turns key presses on attached keyboards into taps
//
// Code is split across:
// - config.go: env defaults + YAML keymap
// - linux_input.go: Linux input constants, ioctls, event records
// - device_select.go: probing, scoring and selection of the touch device
// - touch.go: Type A / Type B contact state machine + Touchpad lock
// - protocol.go: handshake and command parsing
// - server.go, ws_server.go: transports
// - keyboard.go, hotplug.go: keyboard listeners and the device watcher

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

func main() {
	cfg := defaultConfig()

	flag.StringVarP(&cfg.Device, "device", "d", cfg.Device, "Use the given touch device. Otherwise autodetect.")
	flag.StringVarP(&cfg.SocketName, "name", "n", cfg.SocketName, "Change the name of the abstract unix domain socket.")
	flag.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "Verbose output.")
	flag.BoolVarP(&cfg.UseStdin, "stdin", "i", false, "Use STDIN and don't start the socket.")
	flag.StringVarP(&cfg.CommandFile, "file", "f", "", "Run a file with a list of commands, don't start the socket.")
	flag.StringVar(&cfg.InputRoot, "input-root", cfg.InputRoot, "Directory scanned for input devices.")
	flag.StringVar(&cfg.WsAddr, "ws-addr", cfg.WsAddr, "Also serve the protocol over WebSocket on this address (e.g. 127.0.0.1:1718).")
	flag.Float64Var(&cfg.PingSeconds, "ping-seconds", cfg.PingSeconds, "WebSocket ping interval (seconds).")
	flag.StringVarP(&cfg.KeymapPath, "keymap", "k", cfg.KeymapPath, "YAML keymap for keyboard-driven taps.")
	flag.BoolVar(&cfg.ListDevices, "list-devices", false, "Print input devices with their classification and exit.")
	flag.Parse()

	log.SetOutput(os.Stderr)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if cfg.Verbose {
		log.SetLevel(log.DebugLevel)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg Config) error {
	if cfg.ListDevices {
		return listDevices(cfg.InputRoot, func(format string, args ...any) {
			fmt.Printf(format, args...)
		})
	}

	dev, err := selectTouchDevice(cfg.InputRoot, cfg.Device)
	if err != nil {
		return err
	}
	defer dev.Close()

	pad := NewTouchpad(dev, dev.file)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	switch {
	case cfg.CommandFile != "":
		return RunCommandFile(ctx, cfg.CommandFile, pad)
	case cfg.UseStdin:
		log.Info("reading from STDIN")
		return RunStream(ctx, os.Stdin, pad)
	}
	return serve(ctx, cfg, pad)
}

// serve runs the socket transport together with keyboard listeners and
// the hot-plug watcher until a signal arrives or the device is lost.
func serve(ctx context.Context, cfg Config, pad *Touchpad) error {
	km, err := LoadKeymap(cfg.KeymapPath)
	if err != nil {
		return err
	}

	ln, err := ListenAbstract(cfg.SocketName)
	if err != nil {
		return err
	}
	log.WithField("socket", "@"+cfg.SocketName).Info("listening")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pool, err := newKeyboardPool(ctx, pad, km)
	if err != nil {
		_ = ln.Close()
		return err
	}
	defer pool.Close()

	if paths, err := listInputNodes(cfg.InputRoot); err == nil {
		for _, p := range paths {
			_ = pool.Add(p)
		}
	}

	// Every goroutine below touches the device; serve waits for all of
	// them before the caller closes it.
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	if hp, err := newHotplugWatcher(cfg.InputRoot, pool); err != nil {
		log.WithError(err).Warn("hot-plug watcher unavailable")
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := hp.Run(ctx); err != nil {
				log.WithError(err).Warn("hot-plug watcher stopped")
			}
		}()
	}

	srv := NewServer(pad)
	errC := make(chan error, 2)

	if cfg.WsAddr != "" {
		wsLn, err := net.Listen("tcp", cfg.WsAddr)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("websocket listen %s: %w", cfg.WsAddr, err)
		}
		log.WithField("addr", wsLn.Addr().String()).Info("websocket listening")
		pingEvery := time.Duration(float64(time.Second) * max(1, cfg.PingSeconds))
		wg.Add(1)
		go func() {
			defer wg.Done()
			errC <- srv.ServeWebSocket(ctx, wsLn, pingEvery)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		errC <- srv.Serve(ctx, ln)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		return nil
	case err := <-srv.Err():
		return err
	case err := <-errC:
		return err
	}
}
