package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ringdock/ringdock/internal/binding"
	"github.com/ringdock/ringdock/internal/bridge"
	"github.com/ringdock/ringdock/internal/capture"
	"github.com/ringdock/ringdock/internal/command"
	"github.com/ringdock/ringdock/internal/console"
	"github.com/ringdock/ringdock/internal/utils"
	"github.com/ringdock/ringdock/wasm"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var code int
	switch os.Args[1] {
	case "list":
		code = runList()
	case "probe":
		code = runProbe()
	case "run":
		code = runService(os.Args[2:])
	case "help", "-h", "-help", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		code = 2
	}
	os.Exit(code)
}

func usage() {
	fmt.Fprint(os.Stderr, `ringdock bridges a serial device to a shared-memory channel set.

Usage:
  ringdock list          enumerate serial devices
  ringdock probe         check that the serial transport is usable
  ringdock run [flags]   open a device and pump bytes (see ringdock run -h)
`)
}

func runList() int {
	candidates, err := bridge.ListCandidates()
	if err != nil {
		fmt.Fprintln(os.Stderr, "enumeration failed:", err)
		return 1
	}
	if len(candidates) == 0 {
		fmt.Println("no serial devices found")
		return 0
	}
	for _, c := range candidates {
		if c.IsUSB {
			fmt.Printf("%s\tUSB %s:%s", c.Path, c.VID, c.PID)
			if c.SerialNumber != "" {
				fmt.Printf("\tserial %s", c.SerialNumber)
			}
			fmt.Println()
		} else {
			fmt.Println(c.Path)
		}
	}
	return 0
}

func runProbe() int {
	candidates, err := bridge.ListCandidates()
	if err != nil {
		fmt.Fprintln(os.Stderr, "serial transport unavailable:", err)
		return 1
	}
	fmt.Printf("serial transport available, %d device(s) attached\n", len(candidates))
	return 0
}

func runService(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	var (
		port        = fs.String("port", "", "open this device path instead of enumerating")
		allow       = fs.String("vid-pid", "", "comma separated VID:PID allow list, e.g. 2E8A:000A,1A86:7523")
		capacity    = fs.Uint("capacity", 4096, "ring capacity in bytes, a power of two")
		modulePath  = fs.String("module", "", "host this wasm module instead of monitor mode")
		step        = fs.String("step", "", "module export to invoke on an interval")
		stepEvery   = fs.Duration("step-interval", 10*time.Millisecond, "interval between step invocations")
		listen      = fs.String("listen", "", "serve the WebSocket console on this address")
		capturePath = fs.String("capture", "", "record device output to this brotli-compressed file")
		level       = fs.String("log-level", "info", "debug, info, warn or error")
	)
	_ = fs.Parse(args)

	// Device bytes own stdout in monitor mode; logs go to stderr.
	logger := utils.NewLogger(utils.LoggerConfig{
		Level:     parseLevel(*level),
		Component: "ringdock",
		Output:    os.Stderr,
		Colorize:  true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	shutdown := utils.NewGracefulShutdown(10*time.Second, logger.WithComponent("shutdown"))

	var (
		set *binding.ChannelSet
		mod *wasm.Module
	)
	if *modulePath != "" {
		host := wasm.NewHost(logger.WithComponent("wasm"))
		m, err := host.LoadFile(*modulePath)
		if err != nil {
			logger.Error("Module load failed", utils.Err(err))
			return 1
		}
		mod = m
		shutdown.Register(mod.Close)
		set, err = mod.Bind()
		if err != nil {
			logger.Error("Module bind failed", utils.Err(err))
			_ = shutdown.Shutdown(context.Background())
			return 1
		}
		logger.Info("Module bound",
			utils.String("path", *modulePath),
			utils.Uint32("capacity", set.Capacity),
			utils.Bool("stdin", set.Stdin != nil))
	} else {
		src, err := binding.NewLocalSource(uint32(*capacity), true)
		if err != nil {
			logger.Error("Channel set allocation failed", utils.Err(err))
			return 1
		}
		shutdown.Register(src.Close)
		set, err = src.Bind()
		if err != nil {
			logger.Error("Channel set binding failed", utils.Err(err))
			_ = shutdown.Shutdown(context.Background())
			return 1
		}
	}

	// Consumer loops watch ctx; stop them before the memory goes away.
	shutdown.Register(func() error { cancel(); return nil })

	cfg := bridge.DefaultConfig()
	cfg.Logger = logger.WithComponent("bridge")
	switch {
	case *port != "":
		cfg.Selector = bridge.StaticSelector{Path: *port}
	case *allow != "":
		pairs, err := parseAllowList(*allow)
		if err != nil {
			logger.Error("Bad allow list", utils.Err(err))
			_ = shutdown.Shutdown(context.Background())
			return 2
		}
		cfg.Selector = bridge.AllowListSelector{Allowed: pairs}
	}

	b, err := bridge.New(cfg, set)
	if err != nil {
		logger.Error("Bridge setup failed", utils.Err(err))
		_ = shutdown.Shutdown(context.Background())
		return 1
	}
	shutdown.Register(b.Disconnect)

	deviceGone := make(chan struct{}, 1)
	b.OnFault(func(err error) {
		if errors.Is(err, bridge.ErrDeviceGone) {
			logger.Warn("Device disconnected", utils.Err(err))
			select {
			case deviceGone <- struct{}{}:
			default:
			}
			return
		}
		logger.Error("Bridge fault", utils.Err(err))
	})

	adapter := command.New(set, logger.WithComponent("command"))

	if *capturePath != "" {
		rec, err := capture.Start(*capturePath, b, logger.WithComponent("capture"))
		if err != nil {
			logger.Error("Capture setup failed", utils.Err(err))
			_ = shutdown.Shutdown(context.Background())
			return 1
		}
		shutdown.Register(rec.Close)
	}

	if *listen != "" {
		consoleSrv, err := console.New(console.Config{
			Tap:    b,
			Input:  adapter,
			Logger: logger.WithComponent("console"),
		})
		if err != nil {
			logger.Error("Console setup failed", utils.Err(err))
			_ = shutdown.Shutdown(context.Background())
			return 1
		}
		httpSrv := &http.Server{Addr: *listen, Handler: consoleSrv}
		go func() {
			logger.Info("Console listening", utils.String("addr", *listen))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Console server failed", utils.Err(err))
			}
		}()
		shutdown.Register(func() error {
			sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer scancel()
			_ = consoleSrv.Close()
			return httpSrv.Shutdown(sctx)
		})
	}

	ok, err := b.Connect(ctx)
	if err != nil {
		logger.Error("Connect failed", utils.Err(err))
		_ = shutdown.Shutdown(context.Background())
		return 1
	}
	if !ok {
		logger.Info("No device selected")
		_ = shutdown.Shutdown(context.Background())
		return 0
	}

	if mod == nil {
		go passthrough(ctx, set, os.Stdout, logger.WithComponent("monitor"))
	} else if *step != "" {
		go stepLoop(ctx, mod, *step, *stepEvery, logger.WithComponent("wasm"))
	}
	if set.Stdin != nil {
		go consoleInput(adapter, logger.WithComponent("stdin"))
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case s := <-sig:
		logger.Info("Signal received", utils.String("signal", s.String()))
	case <-deviceGone:
	}

	if err := shutdown.Shutdown(context.Background()); err != nil {
		return 1
	}
	return 0
}

// passthrough is the monitor-mode consumer: device output goes to out,
// console input crosses from the Stdin ring into TX.
func passthrough(ctx context.Context, set *binding.ChannelSet, out io.Writer, logger *utils.Logger) {
	var stdinWake <-chan struct{}
	if set.Stdin != nil {
		stdinWake = set.Stdin.Wake()
	}

	buf := make([]byte, 4096)
	idle := time.NewTicker(bridge.DefaultPollInterval)
	defer idle.Stop()
	for {
		moved := false
		if n := set.RX.TryPop(len(buf), buf); n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				logger.Error("Monitor output failed", utils.Err(err))
				return
			}
			moved = true
		}
		if set.Stdin != nil {
			if n := set.Stdin.TryPop(len(buf), buf); n > 0 {
				set.TX.TryPush(buf[:n])
				set.TX.Kick()
				moved = true
			}
		}
		if moved {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-set.RX.Wake():
		case <-stdinWake:
		case <-idle.C:
		}
	}
}

// stepLoop drives a hosted module by invoking one of its exports on an
// interval. The module reads RX and fills TX from inside its own memory.
func stepLoop(ctx context.Context, mod *wasm.Module, export string, every time.Duration, logger *utils.Logger) {
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if _, err := mod.Invoke(export); err != nil {
				logger.Error("Module step failed", utils.Err(err))
				return
			}
		}
	}
}

// consoleInput feeds terminal lines into the Stdin ring. It parks on the
// stdin read and ends with the process.
func consoleInput(adapter *command.Adapter, logger *utils.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if err := adapter.SendCommand(scanner.Text()); err != nil {
			logger.Warn("Command dropped", utils.Err(err))
		}
	}
}

func parseAllowList(s string) ([]bridge.VIDPID, error) {
	var out []bridge.VIDPID
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		vid, pid, found := strings.Cut(pair, ":")
		if !found || vid == "" || pid == "" {
			return nil, fmt.Errorf("bad VID:PID pair %q", pair)
		}
		out = append(out, bridge.VIDPID{VID: vid, PID: pid})
	}
	if len(out) == 0 {
		return nil, errors.New("empty allow list")
	}
	return out, nil
}

func parseLevel(s string) utils.LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return utils.DEBUG
	case "warn":
		return utils.WARN
	case "error":
		return utils.ERROR
	default:
		return utils.INFO
	}
}
