// reachy-daemon runs the motion-control loop of a Reachy Mini head and
// serves it over a message bus.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/teslashibe/go-reachy-daemon/internal/config"
	"github.com/teslashibe/go-reachy-daemon/internal/log"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type options struct {
	configPath     string
	sim            bool
	mockupSim      bool
	serialPort     string
	kinematics     string
	busKind        string
	busEndpoint    string
	listen         string
	noWakeUp       bool
	noSleep        bool
	hardwareConfig string
	movesDir       string
	movesDB        string
	soundsDir      string
	logLevel       string
	printVersion   bool

	set map[string]bool
}

func main() {
	opts := parseFlags(os.Args[1:])
	if opts.printVersion {
		fmt.Println(version)
		return
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration error: %v\n", err)
		os.Exit(2)
	}
	log.Init(cfg.LogLevel)
	logger := log.With("app", "reachy-daemon", "version", version)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := NewApp(ctx, cfg, opts.soundsDir, logger)
	if err != nil {
		logger.Error("initialization failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	if err := app.Run(ctx); err != nil {
		logger.Error("daemon failed", "error", err)
		app.Close()
		os.Exit(1)
	}
}

func parseFlags(args []string) options {
	var o options
	fs := flag.NewFlagSet("reachy-daemon", flag.ExitOnError)
	fs.StringVar(&o.configPath, "config", "", "YAML config file")
	fs.BoolVar(&o.sim, "sim", false, "Run the physics simulation backend")
	fs.BoolVar(&o.mockupSim, "mockup-sim", false, "Run the mockup backend (no physics)")
	fs.StringVar(&o.serialPort, "serialport", "", "Serial port of the motors (overrides "+config.EnvSerialPort+")")
	fs.StringVar(&o.kinematics, "kinematics", "", "Kinematics engine: analytical, solver or learned")
	fs.StringVar(&o.busKind, "bus", "", "Bus transport: memory, mqtt or websocket")
	fs.StringVar(&o.busEndpoint, "bus-endpoint", "", "Broker URL for mqtt, listen address for websocket")
	fs.StringVar(&o.listen, "listen", "", "Websocket listen address")
	fs.BoolVar(&o.noWakeUp, "no-wake-up", false, "Do not play the wake-up move on start")
	fs.BoolVar(&o.noSleep, "no-sleep", false, "Do not go to sleep on stop")
	fs.StringVar(&o.hardwareConfig, "hardware-config", "", "Motor hardware YAML file")
	fs.StringVar(&o.movesDir, "moves-dir", "", "Directory of recorded moves")
	fs.StringVar(&o.movesDB, "moves-db", "", "SQLite move store")
	fs.StringVar(&o.soundsDir, "sounds-dir", "", "Directory of move sounds; empty disables sound")
	fs.StringVar(&o.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	fs.BoolVar(&o.printVersion, "version", false, "Print the version and exit")
	_ = fs.Parse(args)

	o.set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { o.set[f.Name] = true })
	return o
}

// loadConfig reads the config file, then applies the flags that were set.
func loadConfig(o options) (config.Daemon, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return cfg, err
	}
	cfg.Daemon.Version = version

	switch {
	case o.sim && o.mockupSim:
		return cfg, fmt.Errorf("-sim and -mockup-sim are exclusive")
	case o.sim:
		cfg.Backend = config.BackendPhysics
	case o.mockupSim:
		cfg.Backend = config.BackendMockup
	}
	if o.set["serialport"] {
		cfg.Serial.Port = o.serialPort
	}
	if o.set["kinematics"] {
		cfg.Kinematics = o.kinematics
	}
	if o.set["bus"] {
		cfg.Bus.Kind = o.busKind
	}
	if o.set["bus-endpoint"] {
		cfg.SetBusEndpoint(o.busEndpoint)
	}
	if o.set["listen"] {
		cfg.Bus.WebSocket.Listen = o.listen
	}
	if o.noWakeUp {
		cfg.WakeUpOnStart = false
	}
	if o.noSleep {
		cfg.GotoSleepOnStop = false
	}
	if o.set["hardware-config"] {
		cfg.HardwareConfig = o.hardwareConfig
	}
	if o.set["moves-dir"] {
		cfg.Moves.Dir = o.movesDir
	}
	if o.set["moves-db"] {
		cfg.Moves.DB = o.movesDB
	}
	if o.set["log-level"] {
		cfg.LogLevel = o.logLevel
	}
	return cfg, nil
}
