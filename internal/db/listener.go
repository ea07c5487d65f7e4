package db

import (
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// CommandListener is the push side of command intake: a Postgres
// LISTEN/NOTIFY subscription on the configured channel. The dispatcher
// treats every notification as a hint to re-poll rather than trusting
// the payload, keeping the database the single source of truth.
type CommandListener struct {
	listener *pq.Listener
	channel  string
	log      *zap.Logger
	events   chan string
}

// NewCommandListener opens a LISTEN session against the same DSN shape
// Store.Open uses. pq.Listener's own backoff between reconnect attempts
// is bounded to 10 seconds minimum and 1 minute maximum.
func NewCommandListener(cfg Config, channel string, log *zap.Logger) (*CommandListener, error) {
	if log == nil {
		log = zap.NewNop()
	}
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode)

	events := make(chan string, 64)

	reportProblem := func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventDisconnected:
			log.Warn("notify listener disconnected", zap.Error(err))
		case pq.ListenerEventReconnected:
			log.Info("notify listener reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			log.Warn("notify listener reconnect attempt failed", zap.Error(err))
		}
	}

	l := pq.NewListener(dsn, 10*time.Second, time.Minute, reportProblem)
	if err := l.Listen(channel); err != nil {
		l.Close()
		return nil, fmt.Errorf("listening on channel %s: %w", channel, err)
	}

	cl := &CommandListener{listener: l, channel: channel, log: log, events: events}
	go cl.pump()
	return cl, nil
}

// Events yields the channel payload (expected to be a command id, or
// empty to mean "something changed, re-poll") for every NOTIFY received.
func (cl *CommandListener) Events() <-chan string {
	return cl.events
}

func (cl *CommandListener) pump() {
	for {
		select {
		case n, ok := <-cl.listener.Notify:
			if !ok {
				close(cl.events)
				return
			}
			if n == nil {
				// pq.Listener sends a nil notification after it
				// reconnects, meaning "you may have missed events".
				cl.events <- ""
				continue
			}
			cl.events <- n.Extra
		case <-time.After(90 * time.Second):
			// Per pq.Listener's own recommendation: a periodic Ping
			// keeps the connection from being silently dropped by
			// intermediate proxies during idle periods.
			if err := cl.listener.Ping(); err != nil {
				cl.log.Warn("notify listener ping failed", zap.Error(err))
			}
		}
	}
}

func (cl *CommandListener) Close() error {
	return cl.listener.Close()
}
