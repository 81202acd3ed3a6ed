package matchlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/sqlc-dev/pqtype"

	"github.com/mcdev12/netplay/go/internal/netplay/lifecycle"
)

// Store persists match history
type Store interface {
	InsertMatch(ctx context.Context, m Match) error
	FinishMatch(ctx context.Context, sessionID uuid.UUID, f Finish) error
}

type Config struct {
	Buffer       int
	WriteTimeout time.Duration
	Clock        clockwork.Clock
}

func DefaultConfig() Config {
	return Config{
		Buffer:       256,
		WriteTimeout: 5 * time.Second,
		Clock:        clockwork.NewRealClock(),
	}
}

type eventKind int

const (
	eventStarted eventKind = iota
	eventDelay
	eventRound
	eventEnded
)

type event struct {
	kind      eventKind
	sessionID uuid.UUID
	at        time.Time

	info   lifecycle.MatchInfo
	delay  uint8
	frame  uint64
	round  int
	reason lifecycle.EndReason
	err    error
}

type pending struct {
	rounds  int
	history []DelayChange
}

// Recorder writes match history off the game thread. Events are queued on a
// buffered channel; when it is full they are dropped with a warning.
type Recorder struct {
	store  Store
	config Config

	events  chan event
	dropped atomic.Int64
	open    map[uuid.UUID]*pending

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

var _ lifecycle.Recorder = (*Recorder)(nil)

func NewRecorder(store Store, cfg Config) *Recorder {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	return &Recorder{
		store:    store,
		config:   cfg,
		events:   make(chan event, cfg.Buffer),
		open:     make(map[uuid.UUID]*pending),
		stopChan: make(chan struct{}),
	}
}

func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("match recorder already running")
	}
	r.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(ctx)

	log.Info().Int("buffer", r.config.Buffer).Msg("match recorder started")
	return nil
}

// Stop writes out what is already queued and waits for the worker to exit
func (r *Recorder) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return fmt.Errorf("match recorder not running")
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopChan)
	r.wg.Wait()

	log.Info().Int64("dropped", r.dropped.Load()).Msg("match recorder stopped")
	return nil
}

// Dropped returns how many events were lost to a full buffer
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

func (r *Recorder) MatchStarted(info lifecycle.MatchInfo) {
	r.enqueue(event{kind: eventStarted, sessionID: info.SessionID, info: info})
}

func (r *Recorder) DelayChanged(sessionID uuid.UUID, delay uint8, frame uint64) {
	r.enqueue(event{kind: eventDelay, sessionID: sessionID, delay: delay, frame: frame})
}

func (r *Recorder) RoundFinished(sessionID uuid.UUID, round int) {
	r.enqueue(event{kind: eventRound, sessionID: sessionID, round: round})
}

func (r *Recorder) MatchEnded(sessionID uuid.UUID, reason lifecycle.EndReason, err error) {
	r.enqueue(event{kind: eventEnded, sessionID: sessionID, reason: reason, err: err})
}

func (r *Recorder) enqueue(e event) {
	e.at = r.config.Clock.Now()
	select {
	case r.events <- e:
	default:
		r.dropped.Add(1)
		log.Warn().
			Str("session_id", e.sessionID.String()).
			Msg("match recorder buffer full, dropping event")
	}
}

func (r *Recorder) run(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			r.drain(ctx)
			return
		case e := <-r.events:
			r.handle(ctx, e)
		}
	}
}

func (r *Recorder) drain(ctx context.Context) {
	for {
		select {
		case e := <-r.events:
			r.handle(ctx, e)
		default:
			return
		}
	}
}

func (r *Recorder) handle(ctx context.Context, e event) {
	switch e.kind {
	case eventStarted:
		r.open[e.sessionID] = &pending{}
		r.write(ctx, e.sessionID, "insert", func(ctx context.Context) error {
			return r.store.InsertMatch(ctx, Match{
				SessionID:    e.sessionID,
				Role:         string(e.info.Role),
				P1Name:       e.info.P1Name,
				P2Name:       e.info.P2Name,
				Settings:     e.info.Settings,
				InitialDelay: e.info.Delay,
				StartedAt:    e.info.StartedAt,
			})
		})
	case eventDelay:
		if p, ok := r.open[e.sessionID]; ok {
			p.history = append(p.history, DelayChange{Delay: e.delay, Frame: e.frame})
		}
	case eventRound:
		if p, ok := r.open[e.sessionID]; ok {
			p.rounds = e.round
		}
	case eventEnded:
		p, ok := r.open[e.sessionID]
		if !ok {
			p = &pending{}
		}
		delete(r.open, e.sessionID)

		f := Finish{
			EndedAt: e.at,
			Reason:  string(e.reason),
			Rounds:  p.rounds,
		}
		if e.err != nil {
			f.Error = e.err.Error()
		}
		if len(p.history) > 0 {
			data, err := json.Marshal(p.history)
			if err != nil {
				log.Error().Err(err).Str("session_id", e.sessionID.String()).Msg("failed to encode delay history")
			} else {
				f.DelayHistory = pqtype.NullRawMessage{RawMessage: data, Valid: true}
			}
		}
		r.write(ctx, e.sessionID, "finish", func(ctx context.Context) error {
			return r.store.FinishMatch(ctx, e.sessionID, f)
		})
	}
}

func (r *Recorder) write(ctx context.Context, sessionID uuid.UUID, op string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, r.config.WriteTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Error().
			Err(err).
			Str("session_id", sessionID.String()).
			Str("op", op).
			Msg("failed to write match log")
	}
}
