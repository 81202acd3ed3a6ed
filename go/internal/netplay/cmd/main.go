package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/netplay/go/internal/netplay/config"
	"github.com/mcdev12/netplay/go/internal/netplay/lifecycle"
	"github.com/mcdev12/netplay/go/internal/netplay/lockstep"
	"github.com/mcdev12/netplay/go/internal/netplay/matchlog"
	"github.com/mcdev12/netplay/go/internal/netplay/session"
	"github.com/mcdev12/netplay/go/internal/netplay/sim"
	"github.com/mcdev12/netplay/go/internal/netplay/status"
	"github.com/mcdev12/netplay/go/internal/netplay/transport"
	"github.com/mcdev12/netplay/go/internal/netplay/wire"
)

func main() {
	configPath := flag.String("config", os.Getenv("NETPLAY_CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	setupLogging(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()

	// match history
	recorder := lifecycle.Recorder(lifecycle.NopRecorder{})
	if cfg.MatchLog.Enabled {
		pool, err := matchlog.Connect(ctx, cfg.MatchLog.ConnString())
		if err != nil {
			log.Fatal().Err(err).Msg("connect match log database")
		}
		defer pool.Close()

		repo := matchlog.NewRepository(pool)
		if err := repo.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("prepare match log schema")
		}
		rec := matchlog.NewRecorder(repo, matchlog.DefaultConfig())
		if err := rec.Start(context.Background()); err != nil {
			log.Fatal().Err(err).Msg("start match recorder")
		}
		defer func() {
			if err := rec.Stop(); err != nil {
				log.Error().Err(err).Msg("stop match recorder")
			}
		}()
		recorder = rec
	}

	options := sim.DefaultOptions()
	options.Entropy = uint64(clock.Now().UnixNano())
	game := sim.NewGame(options)
	machine := lifecycle.NewMachine(game, lifecycle.Config{
		PlayerName: cfg.PlayerName,
		Recorder:   recorder,
		Clock:      clock,
	})

	if cfg.Status.Enabled {
		srv := status.NewServer(cfg.Status.Addr, machine)
		srv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("shutdown status server")
			}
		}()
	}

	queueCfg := lockstep.Config{
		PlayerName:   cfg.PlayerName,
		Delay:        uint8(cfg.Delay),
		StallTimeout: cfg.StallTimeout,
		Clock:        clock,
	}
	peers := &peerLinks{cfg: cfg, queue: queueCfg, machine: machine}
	if err := peers.start(ctx); err != nil {
		log.Fatal().Err(err).Msg("open peer transport")
	}
	defer peers.close()

	runner := sim.NewRunner(game, machine, sim.RunnerConfig{
		TickRate: cfg.TickRate,
		Clock:    clock,
		Input:    autopilot(options.Entropy),
	})

	log.Info().
		Str("role", cfg.Role).
		Str("player", cfg.PlayerName).
		Str("transport", cfg.Transport.Kind).
		Msg("netplay peer started")

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("game loop exited unexpectedly")
	}
	machine.EndMatch()
	log.Info().Msg("graceful shutdown complete")
}

func setupLogging(cfg config.LogConfig) {
	if cfg.Console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		log.Warn().Err(err).Str("level", cfg.Level).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// autopilot plays the local controller: START once, then a fixed pattern
// shifted by seed.
func autopilot(seed uint64) sim.Script {
	pattern := []wire.Input{
		wire.InputNull,
		wire.InputShot,
		wire.InputRight,
		wire.InputUp | wire.InputShot,
		wire.InputNull,
		wire.InputLeft | wire.InputSlow,
		wire.InputDown,
	}
	offset := int(seed % uint64(len(pattern)))
	return func(tick int) wire.Input {
		if tick == 0 {
			return wire.InputStart
		}
		return pattern[(tick+offset)%len(pattern)]
	}
}

// peerLinks connects this peer to the others according to its role and
// offers the resulting sessions to the machine.
type peerLinks struct {
	cfg     config.Config
	queue   lockstep.Config
	machine *lifecycle.Machine

	servers []*http.Server
	nc      *nats.Conn
}

func (p *peerLinks) connConfig() transport.ConnectionConfig {
	c := transport.DefaultConnectionConfig()
	t := p.cfg.Transport
	if t.PingInterval > 0 {
		c.PingInterval = t.PingInterval
	}
	if t.ReadTimeout > 0 {
		c.ReadTimeout = t.ReadTimeout
	}
	if t.WriteTimeout > 0 {
		c.WriteTimeout = t.WriteTimeout
	}
	return c
}

func (p *peerLinks) start(ctx context.Context) error {
	switch p.cfg.Transport.Kind {
	case config.TransportNATS:
		return p.startNATS(ctx)
	default:
		return p.startWebSocket(ctx)
	}
}

func (p *peerLinks) startWebSocket(ctx context.Context) error {
	connCfg := p.connConfig()

	if p.cfg.Role != "host" {
		ch, err := transport.Dial(ctx, p.cfg.Transport.DialURL, connCfg)
		if err != nil {
			return err
		}
		p.offer(ch)
		return nil
	}

	peers := transport.NewListener(connCfg)
	p.serve(p.cfg.Transport.ListenAddr, peers)
	go p.acceptLoop(ctx, "peer", peers, p.offer)

	if addr := p.cfg.Spectator.ListenAddr; addr != "" {
		spectators := transport.NewListener(connCfg)
		p.serve(addr, spectators)
		go p.acceptLoop(ctx, "spectator", spectators, func(ch transport.Channel) {
			p.machine.AttachSpectator(session.NewRelay(ch))
		})
	}
	return nil
}

func (p *peerLinks) serve(addr string, handler http.Handler) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	p.servers = append(p.servers, srv)
	go func() {
		log.Info().Str("addr", addr).Msg("accepting WebSocket links")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("WebSocket listener stopped")
		}
	}()
}

func (p *peerLinks) acceptLoop(ctx context.Context, name string, l *transport.Listener, handle func(transport.Channel)) {
	for {
		ch, err := l.Accept(ctx)
		if err != nil {
			log.Debug().Err(err).Str("listener", name).Msg("accept loop stopped")
			return
		}
		handle(ch)
	}
}

func (p *peerLinks) startNATS(ctx context.Context) error {
	nc, err := transport.ConnectNATS(p.cfg.Transport.NATSURL)
	if err != nil {
		return err
	}
	p.nc = nc

	open := func(local, remote string) (*transport.NATSChannel, error) {
		natsCfg := transport.DefaultNATSConfig(p.cfg.Transport.MatchID, local, remote)
		natsCfg.SubjectPrefix = p.cfg.Transport.SubjectPrefix
		return transport.OpenNATSChannel(ctx, nc, natsCfg)
	}

	go func() {
		var local, remote string
		switch p.cfg.Role {
		case "host":
			local, remote = "host", "guest"
		case "guest":
			local, remote = "guest", "host"
		default:
			local, remote = "spectator", "relay"
		}
		ch, err := open(local, remote)
		if err != nil {
			log.Error().Err(err).Str("role", p.cfg.Role).Msg("failed to open NATS link")
			return
		}
		p.offer(ch)
	}()

	if p.cfg.Role == "host" {
		go func() {
			ch, err := open("relay", "spectator")
			if err != nil {
				log.Debug().Err(err).Msg("no NATS spectator joined")
				return
			}
			p.machine.AttachSpectator(session.NewRelay(ch))
		}()
	}
	return nil
}

// offer wraps ch in a session for the configured role
func (p *peerLinks) offer(ch transport.Channel) {
	var conn session.Conn
	switch p.cfg.Role {
	case "host":
		conn = session.NewHost(ch, p.queue)
	case "guest":
		conn = session.NewGuest(ch, p.queue)
	default:
		conn = session.NewSpectator(ch, p.queue)
	}
	if !p.machine.Offer(conn) {
		log.Warn().Str("session_id", conn.ID().String()).Msg("a match is already pending, dropping link")
		conn.Close()
	}
}

func (p *peerLinks) close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range p.servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Str("addr", srv.Addr).Msg("shutdown WebSocket listener")
		}
	}
	if p.nc != nil {
		p.nc.Close()
	}
}
