package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/teslashibe/go-reachy-daemon/internal/log"
	"github.com/teslashibe/go-reachy-daemon/pkg/robot"
)

// lookSample is one parsed input line.
type lookSample struct {
	head     robot.Offset
	antennas *[2]float64 // right, left
}

func runLook(ctx context.Context, c robot.MotionController, args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("look", flag.ContinueOnError)
	fs.SetOutput(out)
	rate := fs.Float64("rate", 30, "Command rate in Hz")
	base := fs.String("base", "", "Base head orientation in degrees, roll,pitch,yaw")
	interval := fs.Duration("interval", 0, "Delay after each input line; 0 applies lines as they arrive")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *rate <= 0 {
		return fmt.Errorf("look: rate must be positive, got %v", *rate)
	}
	period := time.Duration(float64(time.Second) / *rate)

	rc := robot.NewRateController(c, period, log.L())
	if *base != "" {
		v, err := parseDegrees(*base, ",")
		if err != nil || len(v) != 3 {
			return fmt.Errorf("look: base wants roll,pitch,yaw, got %q", *base)
		}
		rc.SetBaseHead(robot.Offset{Roll: v[0], Pitch: v[1], Yaw: v[2]})
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		rc.Run(ctx)
	}()
	defer func() {
		rc.Stop()
		<-done
	}()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	n, lineNo := 0, 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				if err := <-scanErr; err != nil {
					return err
				}
				// Let the last offset go out before stopping.
				select {
				case <-time.After(3 * period):
				case <-ctx.Done():
					return ctx.Err()
				}
				fmt.Fprintf(out, "✅ streamed %d offsets\n", n)
				return nil
			}
			lineNo++
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			s, err := parseLookLine(line)
			if err != nil {
				return fmt.Errorf("look: line %d: %w", lineNo, err)
			}
			rc.SetTrackingOffset(s.head)
			if s.antennas != nil {
				rc.SetAntennas(s.antennas[1], s.antennas[0])
			}
			n++
			if *interval > 0 {
				select {
				case <-time.After(*interval):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

// parseLookLine reads "roll pitch yaw [right left]" in degrees, separated
// by spaces or commas.
func parseLookLine(line string) (lookSample, error) {
	v, err := parseDegrees(line, "")
	if err != nil {
		return lookSample{}, err
	}
	var s lookSample
	switch len(v) {
	case 5:
		s.antennas = &[2]float64{v[3], v[4]}
		fallthrough
	case 3:
		s.head = robot.Offset{Roll: v[0], Pitch: v[1], Yaw: v[2]}
	default:
		return lookSample{}, fmt.Errorf("want 3 or 5 values, got %d", len(v))
	}
	return s, nil
}

// parseDegrees splits s on sep, or on spaces and commas when sep is empty,
// and converts each field to radians.
func parseDegrees(s, sep string) ([]float64, error) {
	var fields []string
	if sep == "" {
		fields = strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' })
	} else {
		fields = strings.Split(s, sep)
	}
	if len(fields) == 0 {
		return nil, errors.New("no values")
	}
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, err
		}
		out[i] = deg(v)
	}
	return out, nil
}
