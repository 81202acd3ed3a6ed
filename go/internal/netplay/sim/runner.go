package sim

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/netplay/go/internal/netplay/wire"
)

// Hooks are the per-tick entry points of the lifecycle machine
type Hooks interface {
	OnInputMenu() error
	OnInputFrame() error
	OnRoundOver() error
}

// Script produces the local controller state for a tick
type Script func(tick int) wire.Input

// DelayScript optionally requests a new input delay at a tick
type DelayScript func(tick int) (uint8, bool)

// RunnerConfig holds configuration for a Runner
type RunnerConfig struct {
	TickRate int
	Clock    clockwork.Clock
	Input    Script
	Delay    DelayScript
}

// DefaultRunnerConfig returns a 60Hz runner with an idle controller
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		TickRate: 60,
		Clock:    clockwork.NewRealClock(),
		Input:    func(int) wire.Input { return wire.InputNull },
	}
}

// Runner is the game loop: poll input, call the hooks, simulate
type Runner struct {
	game   *Game
	hooks  Hooks
	config RunnerConfig
	tick   int
}

// NewRunner creates a new runner for game
func NewRunner(game *Game, hooks Hooks, config RunnerConfig) *Runner {
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	if config.Input == nil {
		config.Input = func(int) wire.Input { return wire.InputNull }
	}
	if config.TickRate <= 0 {
		config.TickRate = 60
	}
	return &Runner{game: game, hooks: hooks, config: config}
}

// Tick returns the number of ticks run so far
func (r *Runner) Tick() int {
	return r.tick
}

// Step runs a single tick. The hook error, if any, is returned after the
// tick has been simulated; the game keeps running unsynchronized.
func (r *Runner) Step() error {
	r.game.SetLocalInput(r.config.Input(r.tick))
	if r.config.Delay != nil {
		if d, ok := r.config.Delay(r.tick); ok {
			r.game.RequestDelay(d)
		}
	}

	err := r.hooks.OnInputMenu()
	if err == nil {
		err = r.hooks.OnInputFrame()
	}

	r.game.Advance()
	if r.game.RoundOver() {
		if rerr := r.hooks.OnRoundOver(); rerr != nil && err == nil {
			err = rerr
		}
	}
	r.tick++
	return err
}

// Run steps the game at the configured tick rate until ctx is cancelled.
// Hook errors are logged, not fatal.
func (r *Runner) Run(ctx context.Context) error {
	ticker := r.config.Clock.NewTicker(time.Second / time.Duration(r.config.TickRate))
	defer ticker.Stop()

	log.Info().Int("tick_rate", r.config.TickRate).Msg("game loop started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Int("ticks", r.tick).Msg("game loop stopped")
			return ctx.Err()
		case <-ticker.Chan():
			if err := r.Step(); err != nil {
				log.Warn().Err(err).Int("tick", r.tick).Msg("synchronized play interrupted")
			}
		}
	}
}
