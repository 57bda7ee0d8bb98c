// Package natsbus mirrors session notifications onto NATS subjects so
// spectators and bots can follow a session without a socket.
package natsbus

import (
	"fmt"
	"io"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

const subjectRoot = "island"

// BroadcastSubject is where every player-wide notification of a session lands.
func BroadcastSubject(sessionID string) string {
	return fmt.Sprintf("%s.%s.broadcast", subjectRoot, token(sessionID))
}

// PlayerSubject carries the notifications addressed to one player.
func PlayerSubject(sessionID, player string) string {
	return fmt.Sprintf("%s.%s.player.%s", subjectRoot, token(sessionID), token(player))
}

// token makes s safe as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// publisher is the subset of *nats.Conn the mirror needs.
type publisher interface {
	Publish(subj string, data []byte) error
}

type Mirror struct {
	pub    publisher
	conn   *nats.Conn
	logger *log.Logger

	published atomic.Uint64
	failed    atomic.Uint64
}

func Connect(url string, logger *log.Logger) (*Mirror, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	nc, err := nats.Connect(url,
		nats.Name("resourceisland"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Printf("nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Printf("nats reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return &Mirror{pub: nc, conn: nc, logger: logger}, nil
}

func newMirror(pub publisher, logger *log.Logger) *Mirror {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Mirror{pub: pub, logger: logger}
}

func (m *Mirror) PublishBroadcast(sessionID string, b []byte) {
	m.publish(BroadcastSubject(sessionID), b)
}

func (m *Mirror) PublishDirect(sessionID, player string, b []byte) {
	m.publish(PlayerSubject(sessionID, player), b)
}

// publish never blocks the caller beyond the client's local buffer.
func (m *Mirror) publish(subj string, b []byte) {
	if err := m.pub.Publish(subj, b); err != nil {
		if m.failed.Add(1) == 1 {
			m.logger.Printf("nats publish %s: %v", subj, err)
		}
		return
	}
	m.published.Add(1)
}

func (m *Mirror) Stats() (published, failed uint64) {
	return m.published.Load(), m.failed.Load()
}

// Close flushes pending publishes and disconnects.
func (m *Mirror) Close() {
	if m.conn == nil {
		return
	}
	if err := m.conn.Drain(); err != nil {
		m.conn.Close()
	}
}
