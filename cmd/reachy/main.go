// reachy is a command-line client of reachy-daemon.
//
// Usage:
//
//	reachy [global flags] status
//	reachy [global flags] goto [-pitch deg] [-roll deg] [-yaw deg] [-z mm] [-antennas r,l] [-duration s] [-method m]
//	reachy [global flags] play [-library name] <move>
//	reachy [global flags] torque [-ids a,b] on|off
//	reachy [global flags] record [-o file] [-gravity] <seconds>
//	reachy [global flags] look [-rate hz] [-base r,p,y] [-interval d] < offsets
//
// look reads one head offset per line, "roll pitch yaw [right left]" in
// degrees, and streams it at a fixed rate until the input ends.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/teslashibe/go-reachy-daemon/internal/config"
	"github.com/teslashibe/go-reachy-daemon/internal/log"
	"github.com/teslashibe/go-reachy-daemon/pkg/pose"
	"github.com/teslashibe/go-reachy-daemon/pkg/protocol"
	"github.com/teslashibe/go-reachy-daemon/pkg/robot"
)

const defaultEndpoint = "ws://localhost:8765/ws"

var errUsage = errors.New("usage: reachy [flags] status|goto|play|torque|record|look")

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

type globals struct {
	endpoint string
	kind     string
	prefix   string
	timeout  time.Duration
	logLevel string
}

func run(ctx context.Context, args []string, in io.Reader, out io.Writer) error {
	var g globals
	fs := flag.NewFlagSet("reachy", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&g.endpoint, "endpoint", config.Env(config.EnvBusEndpoint, defaultEndpoint), "Daemon bus endpoint (ws:// URL or mqtt:// broker)")
	fs.StringVar(&g.kind, "bus", "", "Bus transport: websocket or mqtt (inferred from the endpoint when empty)")
	fs.StringVar(&g.prefix, "prefix", protocol.DefaultPrefix, "Topic prefix")
	fs.DurationVar(&g.timeout, "timeout", 30*time.Second, "Timeout of the whole command")
	fs.StringVar(&g.logLevel, "log-level", "warn", "Log level")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errUsage
	}
	log.Init(g.logLevel)

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	c, err := robot.Connect(ctx, g.kind, g.endpoint, g.prefix, log.L())
	if err != nil {
		return err
	}
	defer c.Close()

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "status":
		return runStatus(c, out)
	case "goto":
		return runGoto(ctx, c, rest, out)
	case "play":
		return runPlay(ctx, c, rest, out)
	case "torque":
		return runTorque(c, rest, out)
	case "record":
		return runRecord(ctx, c, rest, out)
	case "look":
		return runLook(ctx, c, rest, in, out)
	default:
		return fmt.Errorf("unknown command %q: %w", cmd, errUsage)
	}
}

func runStatus(c *robot.Client, out io.Writer) error {
	// State topics flow every tick; the status only once per period.
	deadline := time.Now().Add(2 * time.Second)
	st, ok := c.Status()
	for !ok && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
		st, ok = c.Status()
	}
	if !ok {
		return robot.ErrNoStatus
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}

func runGoto(ctx context.Context, c *robot.Client, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("goto", flag.ContinueOnError)
	fs.SetOutput(out)
	roll := fs.Float64("roll", 0, "Head roll in degrees")
	pitch := fs.Float64("pitch", 0, "Head pitch in degrees")
	yaw := fs.Float64("yaw", 0, "Head yaw in degrees")
	z := fs.Float64("z", 0, "Head height offset in millimeters")
	antennas := fs.String("antennas", "", "Antenna angles in degrees, right,left")
	bodyYaw := fs.Float64("body-yaw", 0, "Body yaw in degrees")
	duration := fs.Float64("duration", 1, "Duration in seconds")
	method := fs.String("method", "minjerk", "Interpolation: linear, minjerk, ease_in_out or cartoon")
	if err := fs.Parse(args); err != nil {
		return err
	}

	head := pose.FromXYZRPY(0, 0, *z/1000, deg(*roll), deg(*pitch), deg(*yaw))
	by := deg(*bodyYaw)
	task := protocol.GotoTask{
		Head:     head.Flat(),
		Duration: *duration,
		Method:   *method,
		BodyYaw:  &by,
	}
	if *antennas != "" {
		a, err := parseAntennas(*antennas)
		if err != nil {
			return err
		}
		task.Antennas = a
	}
	if err := c.Goto(ctx, task); err != nil {
		return err
	}
	fmt.Fprintln(out, "✅ goto done")
	return nil
}

func runPlay(ctx context.Context, c *robot.Client, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("play", flag.ContinueOnError)
	fs.SetOutput(out)
	library := fs.String("library", "", "Move library; empty searches all")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: reachy play [-library name] <move>")
	}
	if err := c.PlayMove(ctx, fs.Arg(0), *library); err != nil {
		return err
	}
	fmt.Fprintf(out, "✅ played %s\n", fs.Arg(0))
	return nil
}

func runTorque(c *robot.Client, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("torque", flag.ContinueOnError)
	fs.SetOutput(out)
	ids := fs.String("ids", "", "Comma-separated motor names; empty switches the whole robot")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: reachy torque [-ids a,b] on|off")
	}
	var on bool
	switch fs.Arg(0) {
	case "on":
		on = true
	case "off":
	default:
		return fmt.Errorf("torque: want on or off, got %q", fs.Arg(0))
	}
	var names []string
	if *ids != "" {
		names = strings.Split(*ids, ",")
	}
	if err := c.SetTorque(on, names...); err != nil {
		return err
	}
	fmt.Fprintf(out, "✅ torque %s\n", fs.Arg(0))
	return nil
}

func runRecord(ctx context.Context, c *robot.Client, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("record", flag.ContinueOnError)
	fs.SetOutput(out)
	output := fs.String("o", "", "Write the move to this file instead of stdout")
	gravity := fs.Bool("gravity", false, "Enable gravity compensation while recording")
	description := fs.String("description", "", "Move description")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: reachy record [-o file] [-gravity] <seconds>")
	}
	seconds, err := strconv.ParseFloat(fs.Arg(0), 64)
	if err != nil || seconds <= 0 {
		return fmt.Errorf("record: invalid duration %q", fs.Arg(0))
	}

	if *gravity {
		if err := c.SetGravityCompensation(true); err != nil {
			return err
		}
		defer c.SetGravityCompensation(false)
	}

	records, err := c.Record(ctx, time.Duration(seconds*float64(time.Second)), robot.DefaultRecordPeriod)
	if err != nil {
		return err
	}
	data, err := robot.ToRecordedData(*description, records)
	if err != nil {
		return err
	}

	w := out
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		return err
	}
	if *output != "" {
		fmt.Fprintf(out, "✅ recorded %d samples to %s\n", len(records), *output)
	}
	return nil
}

func deg(v float64) float64 { return v * math.Pi / 180 }

func parseAntennas(s string) ([]float64, error) {
	v, err := parseDegrees(s, ",")
	if err != nil {
		return nil, fmt.Errorf("antennas: %w", err)
	}
	if len(v) != 2 {
		return nil, fmt.Errorf("antennas: want right,left, got %q", s)
	}
	return v, nil
}
