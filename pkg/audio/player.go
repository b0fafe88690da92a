// Package audio plays the sounds attached to moves through an external
// command-line player.
package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// ErrNoPlayer is returned when no player command is configured or found.
var ErrNoPlayer = errors.New("audio: no player command")

// Config configures a Player.
type Config struct {
	// Command is the player and its leading arguments; the sound path is
	// appended. Empty picks aplay on Linux and afplay on macOS.
	Command []string `yaml:"command" json:"command"`

	// SoundsDir resolves relative sound paths.
	SoundsDir string `yaml:"sounds_dir" json:"sounds_dir"`

	// MaxDuration kills a sound that plays longer.
	MaxDuration time.Duration `yaml:"max_duration" json:"max_duration"`
}

// DefaultConfig returns the platform player with a 30 s cap.
func DefaultConfig() Config {
	cfg := Config{MaxDuration: 30 * time.Second}
	switch runtime.GOOS {
	case "darwin":
		cfg.Command = []string{"afplay"}
	default:
		cfg.Command = []string{"aplay", "-q"}
	}
	return cfg
}

// Player plays one sound at a time. Starting a sound stops the previous
// one.
type Player struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}

	// OnPlaybackStart and OnPlaybackEnd are called around each sound.
	OnPlaybackStart func(path string)
	OnPlaybackEnd   func(path string)
}

// NewPlayer checks that the player command exists.
func NewPlayer(cfg Config, logger *slog.Logger) (*Player, error) {
	if len(cfg.Command) == 0 {
		return nil, ErrNoPlayer
	}
	if _, err := exec.LookPath(cfg.Command[0]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoPlayer, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Player{cfg: cfg, logger: logger.With("component", "audio")}, nil
}

// Resolve returns the file a sound path refers to.
func (p *Player) Resolve(path string) string {
	if filepath.IsAbs(path) || p.cfg.SoundsDir == "" {
		return path
	}
	return filepath.Join(p.cfg.SoundsDir, path)
}

// Play starts path in the background.
func (p *Player) Play(path string) error {
	file := p.Resolve(path)
	if _, err := os.Stat(file); err != nil {
		return fmt.Errorf("sound %s: %w", path, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()

	args := append(append([]string(nil), p.cfg.Command[1:]...), file)
	cmd := exec.Command(p.cfg.Command[0], args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start player: %w", err)
	}
	done := make(chan struct{})
	p.cmd, p.done = cmd, done
	if p.OnPlaybackStart != nil {
		p.OnPlaybackStart(file)
	}

	go p.wait(cmd, done, file)
	return nil
}

func (p *Player) wait(cmd *exec.Cmd, done chan struct{}, file string) {
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	var timeout <-chan time.Time
	if p.cfg.MaxDuration > 0 {
		t := time.NewTimer(p.cfg.MaxDuration)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case err := <-exited:
		if err != nil {
			p.logger.Debug("player exited", "file", file, "error", err)
		}
	case <-timeout:
		p.logger.Warn("sound too long, killing player", "file", file)
		_ = cmd.Process.Kill()
		<-exited
	}

	p.mu.Lock()
	if p.cmd == cmd {
		p.cmd, p.done = nil, nil
	}
	p.mu.Unlock()
	if p.OnPlaybackEnd != nil {
		p.OnPlaybackEnd(file)
	}
	close(done)
}

// Stop kills the current sound and waits for the player to exit.
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *Player) stopLocked() {
	if p.cmd == nil {
		return
	}
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	done := p.done
	p.cmd, p.done = nil, nil
	// wait needs p.mu before it closes done.
	p.mu.Unlock()
	<-done
	p.mu.Lock()
}

// IsPlaying reports whether a sound is playing.
func (p *Player) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cmd != nil
}
