package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

const closeHeader = "Netplay-Close"

// NATSConfig describes one end of a subject pair. Each end publishes on
// <prefix>.<match>.<remote> and listens on <prefix>.<match>.<local>.
type NATSConfig struct {
	SubjectPrefix      string
	MatchID            string
	Local              string
	Remote             string
	RendezvousInterval time.Duration
	PendingMessages    int
}

// DefaultNATSConfig returns default subject-pair settings for an endpoint
func DefaultNATSConfig(matchID, local, remote string) NATSConfig {
	return NATSConfig{
		SubjectPrefix:      "netplay",
		MatchID:            matchID,
		Local:              local,
		Remote:             remote,
		RendezvousInterval: 500 * time.Millisecond,
		PendingMessages:    8192,
	}
}

func (c NATSConfig) subject(endpoint string) string {
	return fmt.Sprintf("%s.%s.%s", c.SubjectPrefix, c.MatchID, endpoint)
}

// ConnectNATS dials the broker with reconnect handling logged through zerolog
func ConnectNATS(url string) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("netplay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return nc, nil
}

// NATSChannel is a Channel over a pair of core NATS subjects. The broker
// connection is shared and stays open when the channel closes.
type NATSChannel struct {
	nc     *nats.Conn
	config NATSConfig
	out    string

	msgs  chan *nats.Msg
	sub   *nats.Subscription
	ready *nats.Subscription

	closeOnce sync.Once
	closed    chan struct{}
}

// OpenNATSChannel subscribes to the local subject and then waits until the
// remote end has subscribed too, so that nothing published afterwards is lost
// to a missing subscriber.
func OpenNATSChannel(ctx context.Context, nc *nats.Conn, config NATSConfig) (*NATSChannel, error) {
	c := &NATSChannel{
		nc:     nc,
		config: config,
		out:    config.subject(config.Remote),
		msgs:   make(chan *nats.Msg, config.PendingMessages),
		closed: make(chan struct{}),
	}

	var err error
	c.sub, err = nc.ChanSubscribe(config.subject(config.Local), c.msgs)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", config.subject(config.Local), err)
	}
	c.ready, err = nc.Subscribe(config.subject(config.Local)+".ready", func(m *nats.Msg) {
		if err := m.Respond(nil); err != nil {
			log.Debug().Err(err).Str("subject", m.Subject).Msg("failed to answer rendezvous")
		}
	})
	if err != nil {
		c.sub.Unsubscribe()
		return nil, fmt.Errorf("subscribe to rendezvous subject: %w", err)
	}
	if err := nc.Flush(); err != nil {
		c.unsubscribe()
		return nil, fmt.Errorf("flush subscriptions: %w", err)
	}

	if err := c.rendezvous(ctx); err != nil {
		c.unsubscribe()
		return nil, err
	}

	log.Info().
		Str("local", c.config.subject(config.Local)).
		Str("remote", c.out).
		Msg("NATS peer link established")
	return c, nil
}

func (c *NATSChannel) rendezvous(ctx context.Context) error {
	subject := c.out + ".ready"
	for {
		reqCtx, cancel := context.WithTimeout(ctx, c.config.RendezvousInterval)
		_, err := c.nc.RequestWithContext(reqCtx, subject, nil)
		cancel()
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("wait for %s: %w", c.config.Remote, ctxErr)
		}
		if !errors.Is(err, nats.ErrNoResponders) && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, nats.ErrTimeout) {
			return fmt.Errorf("rendezvous with %s: %w", c.config.Remote, err)
		}

		log.Debug().Str("subject", subject).Msg("peer not subscribed yet")
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for %s: %w", c.config.Remote, ctx.Err())
		case <-time.After(c.config.RendezvousInterval):
		}
	}
}

// Send publishes data on the remote endpoint's subject
func (c *NATSChannel) Send(ctx context.Context, data []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := nats.NewMsg(c.out)
	msg.Data = data
	if err := c.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish to %s: %w", c.out, err)
	}
	return nil
}

// Recv returns the next message published to the local subject. A close
// marker from the remote end reads as ErrClosed.
func (c *NATSChannel) Recv(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-c.msgs:
		if msg.Header.Get(closeHeader) != "" {
			return nil, ErrClosed
		}
		return msg.Data, nil
	case <-c.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tells the remote end we are gone and drops the subscriptions
func (c *NATSChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		msg := nats.NewMsg(c.out)
		msg.Header.Set(closeHeader, "1")
		if perr := c.nc.PublishMsg(msg); perr != nil {
			log.Debug().Err(perr).Str("subject", c.out).Msg("failed to publish close marker")
		}
		err = c.unsubscribe()
	})
	return err
}

func (c *NATSChannel) unsubscribe() error {
	var errs []error
	if c.ready != nil {
		errs = append(errs, c.ready.Unsubscribe())
	}
	if c.sub != nil {
		errs = append(errs, c.sub.Unsubscribe())
	}
	return errors.Join(errs...)
}
