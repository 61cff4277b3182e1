package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/shiftbot/shiftbot/internal/config"
	"github.com/shiftbot/shiftbot/internal/debug"
	"github.com/shiftbot/shiftbot/internal/hw/gpio"
	"github.com/shiftbot/shiftbot/internal/hw/shiftreg"
	"github.com/shiftbot/shiftbot/internal/logic/dispatch"
	"github.com/shiftbot/shiftbot/internal/logic/gateway"
	"github.com/shiftbot/shiftbot/internal/logic/motion"
	"github.com/shiftbot/shiftbot/internal/telemetry"
	"github.com/shiftbot/shiftbot/internal/web"
)

func main() {
	// CLI flags
	listen := &listenFlag{}
	flag.Var(listen, "listen", "listen address for the command service, e.g. :50051 or 127.0.0.1:8080 (overrides config)")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	mock := flag.Bool("mock", false, "use the mock GPIO driver (overrides config)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	applyOverrides(cfg, overrides{Listen: listen.addr, Mock: *mock})

	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("shiftbot: %v", err)
	}
}

// run wires the hardware, the command layers and the web service, then
// blocks until ctx is cancelled or one of them fails. Startup errors are
// returned before anything is served.
func run(ctx context.Context, cfg *config.Config) error {
	debug.Step(1, "Validating key map")
	if err := motion.ValidateKeyMap(); err != nil {
		return fmt.Errorf("key map: %w", err)
	}

	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
	debug.Step(2, "Initializing GPIO driver")
	gpioDriver, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
	if err != nil {
		return fmt.Errorf("init GPIO: %w", err)
	}
	defer func() {
		if err := gpioDriver.Close(); err != nil {
			log.Printf("closing GPIO driver failed: %v", err)
		}
	}()

	counters := &telemetry.Counters{}
	broadcaster := web.NewStatusBroadcaster()
	sinks := telemetry.Multi{telemetry.Log{}, counters, broadcaster}
	if cfg.InfluxEnabled() {
		in := cfg.Telemetry.Influx
		influx := telemetry.NewInfluxSink(telemetry.InfluxConfig{URL: in.URL, Token: in.Token, Org: in.Org, Bucket: in.Bucket})
		defer influx.Close()
		sinks = append(sinks, influx)
		debug.Value("InfluxDB", in.URL)
	}

	debug.Step(3, "Initializing shift register")
	p := cfg.ShiftRegister.Pins
	reg, err := shiftreg.New(gpioDriver, shiftreg.Config{
		Pins: shiftreg.Pins{
			Data:         p.Data,
			Clock:        p.Clock,
			Latch:        p.Latch,
			OutputEnable: p.OutputEnable,
		},
		Settle: cfg.Settle(),
	}, sinks)
	if err != nil {
		return fmt.Errorf("init shift register: %w", err)
	}
	debug.PrintStruct("Shift register pins", p)
	debug.Value("Settle", cfg.Settle())

	ctrl := motion.NewController(reg)
	if err := ctrl.Reset(ctx); err != nil {
		return fmt.Errorf("clear shift register: %w", err)
	}

	debug.Step(4, "Starting command dispatcher and web service")
	dispatcher := dispatch.New(ctrl, sinks)
	gw := gateway.New(dispatcher, ctrl, sinks)
	handlers := web.NewHandlers(gw, dispatcher.Pending, counters, broadcaster)
	srv := web.NewServer(cfg.Server.Listen, cfg.ShutdownTimeout(), handlers)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	err = g.Wait()

	debug.Summary("Shutdown")
	if rerr := ctrl.Reset(context.Background()); rerr != nil {
		debug.Error(fmt.Errorf("final reset: %w", rerr))
	}
	debug.PrintStruct("Telemetry", counters.Snapshot())
	return err
}

// overrides holds CLI values that replace config values when set.
type overrides struct {
	Listen string
	Mock   bool
}

// applyOverrides mutates cfg with overrides. Empty or false values keep the config.
func applyOverrides(cfg *config.Config, o overrides) {
	if o.Listen != "" {
		cfg.Server.Listen = o.Listen
	}
	if o.Mock {
		cfg.Defaults.MockGPIO = true
	}
}

// listenFlag implements flag.Value for -listen: "host:port" or ":port", port 0-65535.
type listenFlag struct {
	addr string
}

func (l *listenFlag) String() string { return l.addr }

func (l *listenFlag) Set(s string) error {
	_, port, err := net.SplitHostPort(s)
	if err != nil {
		return err
	}
	v, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("port must be numeric, got %q", port)
	}
	if v < 0 || v > 65535 {
		return fmt.Errorf("port must be 0-65535, got %d", v)
	}
	l.addr = s
	return nil
}
