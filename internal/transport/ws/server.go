package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"resourceisland/internal/protocol"
	"resourceisland/internal/sim/session"
)

const (
	writeWait     = 5 * time.Second
	handshakeWait = 5 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = (pongWait * 9) / 10
	outQueue      = 64
)

// Sessions resolves the session a hello names. An empty id means the
// default room.
type Sessions interface {
	Get(id string) (*session.Session, error)
	Default() (*session.Session, error)
}

type Config struct {
	Sessions  Sessions
	Validator *protocol.Validator
	Logger    *log.Logger

	// Inbound frames per second per connection; zero disables limiting.
	RatePerSecond float64
	RateBurst     int
}

type Server struct {
	cfg Config
	log *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		cfg: cfg,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sess, player, resp, out := s.handshake(r.Context(), conn)
		if sess == nil {
			return
		}
		s.log.Printf("connect session=%s player=%s remote=%s", sess.ID(), player, r.RemoteAddr)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			s.writeLoop(ctx, cancel, conn, out, resp.Done)
		}()

		s.readLoop(ctx, conn, sess, player, out)
		cancel()
		<-writerDone

		sess.Leave(player)
		s.log.Printf("disconnect session=%s player=%s", sess.ID(), player)
	}
}

func (s *Server) handshake(ctx context.Context, conn *websocket.Conn) (*session.Session, string, session.JoinResponse, chan []byte) {
	fail := func(n protocol.Notification, reason string) (*session.Session, string, session.JoinResponse, chan []byte) {
		_ = writeJSON(conn, n)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(time.Second))
		return nil, "", session.JoinResponse{}, nil
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeWait))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, "", session.JoinResponse{}, nil
	}
	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		return fail(badRequest("expected hello"), "expected hello")
	}
	if s.cfg.Validator != nil {
		if err := s.cfg.Validator.Validate(protocol.SchemaHello, msg); err != nil {
			return fail(badRequest(err.Error()), "bad hello")
		}
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return fail(badRequest(err.Error()), "bad hello")
	}
	if hello.ProtocolVersion != protocol.Version {
		return fail(badRequest("bad protocol_version"), "bad protocol_version")
	}

	var sess *session.Session
	if hello.SessionID == "" {
		sess, err = s.cfg.Sessions.Default()
	} else {
		sess, err = s.cfg.Sessions.Get(hello.SessionID)
	}
	if err != nil {
		return fail(protocol.Error(protocol.ErrorJoinRejected, protocol.Target{
			"reason": "session_not_found",
			"code":   protocol.ErrSessionNotFound,
		}), "session not found")
	}

	out := make(chan []byte, outQueue)
	jctx, cancel := context.WithTimeout(ctx, handshakeWait)
	defer cancel()
	resp, err := sess.Join(jctx, hello.Player, out)
	if err != nil {
		return fail(protocol.Error(protocol.ErrorJoinRejected, protocol.Target{
			"reason": "session_closed",
			"code":   protocol.ErrSessionNotFound,
		}), "session closed")
	}
	if !resp.Accepted {
		return fail(protocol.Error(protocol.ErrorJoinRejected, protocol.Target{
			"player": hello.Player,
			"reason": resp.Reason,
			"code":   protocol.ErrBadRequest,
		}), resp.Reason)
	}
	return sess, hello.Player, resp, out
}

// writeLoop owns every write on conn. When the session lets the player go
// it flushes what is queued and closes the socket.
func (s *Server) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, out <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	write := func(b []byte) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			cancel()
			return false
		}
		return true
	}
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-out:
			if !write(b) {
				return
			}
		case <-done:
			for {
				select {
				case b := <-out:
					if !write(b) {
						return
					}
					continue
				default:
				}
				break
			}
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session over"), time.Now().Add(time.Second))
			cancel()
			_ = conn.Close()
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				cancel()
				return
			}
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session, player string, out chan []byte) {
	var limiter *rate.Limiter
	if s.cfg.RatePerSecond > 0 {
		burst := s.cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(s.cfg.RatePerSecond), burst)
	}
	reply := func(n protocol.Notification) {
		b, err := json.Marshal(n)
		if err != nil {
			return
		}
		select {
		case out <- b:
		default:
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Printf("read player=%s: %v", player, err)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		if limiter != nil && !limiter.Allow() {
			reply(protocol.Error(protocol.ErrorRateLimited, protocol.Target{"code": protocol.ErrRateLimit}))
			continue
		}

		var base protocol.BaseMessage
		if s.cfg.Validator != nil {
			base, err = s.cfg.Validator.ValidateFrame(msg)
		} else {
			base, err = protocol.DecodeBase(msg)
		}
		if err != nil {
			reply(badRequest(err.Error()))
			continue
		}

		if base.Type == protocol.TypeCommand {
			var cmd protocol.CommandMsg
			if err := json.Unmarshal(msg, &cmd); err != nil {
				reply(badRequest(err.Error()))
				continue
			}
			actx, cancel := context.WithTimeout(ctx, writeWait)
			n, err := sess.Admin(actx, cmd.Payload)
			cancel()
			if err != nil {
				reply(submitError(player, "command", err))
				continue
			}
			reply(n)
			continue
		}

		var env protocol.ActionEnvelope
		if err := json.Unmarshal(msg, &env); err != nil {
			reply(badRequest(err.Error()))
			continue
		}
		if err := sess.Submit(player, env); err != nil {
			reply(submitError(player, string(env.Type), err))
		}
	}
}

func badRequest(reason string) protocol.Notification {
	return protocol.Error(protocol.ErrorBadRequest, protocol.Target{
		"reason": reason,
		"code":   protocol.ErrProtoBadRequest,
	})
}

// submitError maps a routing failure onto the wire.
func submitError(player, action string, err error) protocol.Notification {
	switch {
	case errors.Is(err, session.ErrSlotBusy):
		return protocol.Error(protocol.ErrorBusy, protocol.Target{
			"player": player,
			"action": action,
			"reason": "pending",
			"code":   protocol.ErrSessionBusy,
		})
	case errors.Is(err, session.ErrNotPlaying):
		return protocol.Error(protocol.ErrorBadRequest, protocol.Target{"player": player, "reason": "not_playing", "code": protocol.ErrNotPlaying})
	case errors.Is(err, session.ErrNotStarted):
		return protocol.Error(protocol.ErrorBadRequest, protocol.Target{"player": player, "reason": "not_started", "code": protocol.ErrBadRequest})
	case errors.Is(err, session.ErrSessionClosed):
		return protocol.Error(protocol.ErrorBadRequest, protocol.Target{"player": player, "reason": "session_closed", "code": protocol.ErrSessionNotFound})
	}
	return protocol.Error(protocol.ErrorBadRequest, protocol.Target{"player": player, "reason": err.Error(), "code": protocol.ErrBadRequest})
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, b)
}
