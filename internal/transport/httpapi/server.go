// Package httpapi is the HTTP binding: session listing and creation, state
// queries, submit-and-await for polling clients, admin verbs and metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"resourceisland/internal/protocol"
	"resourceisland/internal/sim/multisession"
	"resourceisland/internal/sim/session"
)

// Sessions is the registry surface the API needs.
type Sessions interface {
	Create(id string) (*session.Session, error)
	Get(id string) (*session.Session, error)
	Default() (*session.Session, error)
	List() []session.Summary
	Stats() multisession.Stats
}

// ResultsIndex is optional; without it /results answers 503.
type ResultsIndex interface {
	Results(ctx context.Context, sessionID string) (any, error)
}

type ResultsFunc func(ctx context.Context, sessionID string) (any, error)

func (f ResultsFunc) Results(ctx context.Context, sessionID string) (any, error) {
	return f(ctx, sessionID)
}

type Config struct {
	Sessions Sessions
	Results  ResultsIndex
	Logger   *log.Logger

	// EnableAdmin mounts /admin/v1, reachable from loopback only.
	EnableAdmin bool

	// SubmitWait bounds a submit-and-await call.
	SubmitWait time.Duration
	// ExtraMetrics appends lines to /metrics.
	ExtraMetrics func(w io.Writer)
	// WS serves /v1/ws when set.
	WS http.Handler
}

type Server struct {
	cfg Config
	log *log.Logger
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if cfg.SubmitWait <= 0 {
		cfg.SubmitWait = 90 * time.Second
	}
	return &Server{cfg: cfg, log: logger}
}

// Handler is the router behind the CORS layer. Preflight requests never
// reach the router, so they work for POST-only routes too.
func (s *Server) Handler() http.Handler {
	return cors(s.Router())
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	if s.cfg.WS != nil {
		r.Handle("/v1/ws", s.cfg.WS)
	}

	v1 := r.PathPrefix("/v1/sessions").Subrouter()
	v1.HandleFunc("", s.handleList).Methods(http.MethodGet)
	v1.HandleFunc("", s.handleCreate).Methods(http.MethodPost)
	v1.HandleFunc("/{id}/state", s.withSession(s.handleState)).Methods(http.MethodGet)
	v1.HandleFunc("/{id}/players/{player}", s.withSession(s.handlePlayer)).Methods(http.MethodGet)
	v1.HandleFunc("/{id}/players/{player}/join", s.withSession(s.handleJoin)).Methods(http.MethodPost)
	v1.HandleFunc("/{id}/submit/{type}/{player}", s.withSession(s.handleSubmit)).Methods(http.MethodPost)
	v1.HandleFunc("/{id}/results", s.handleResults).Methods(http.MethodGet)

	// Single-room aliases kept for the first clients.
	r.HandleFunc("/game/state", s.withDefault(s.handleState)).Methods(http.MethodGet)
	r.HandleFunc("/playerinfo/{player}", s.withDefault(s.handlePlayer)).Methods(http.MethodGet)
	r.HandleFunc("/submit/{type}/{player}", s.withDefault(s.handleSubmit)).Methods(http.MethodPost)
	r.HandleFunc("/submit/{type}/{player}/", s.withDefault(s.handleSubmit)).Methods(http.MethodPost)

	if s.cfg.EnableAdmin {
		admin := r.PathPrefix("/admin/v1").Subrouter()
		admin.Use(s.adminGuard)
		admin.HandleFunc("/sessions/{id}/commands", s.withSession(s.handleCommand)).Methods(http.MethodPost)
		admin.HandleFunc("/sessions/{id}/stop", s.withSession(s.handleStop)).Methods(http.MethodPost)
	} else {
		s.log.Printf("admin endpoints disabled")
	}
	return r
}

type sessionHandler func(rw http.ResponseWriter, r *http.Request, sess *session.Session)

func (s *Server) withSession(h sessionHandler) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		sess, err := s.cfg.Sessions.Get(mux.Vars(r)["id"])
		if err != nil {
			writeError(rw, http.StatusNotFound, protocol.ErrSessionNotFound, err.Error())
			return
		}
		h(rw, r, sess)
	}
}

func (s *Server) withDefault(h sessionHandler) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		sess, err := s.cfg.Sessions.Default()
		if err != nil {
			writeError(rw, http.StatusNotFound, protocol.ErrSessionNotFound, err.Error())
			return
		}
		h(rw, r, sess)
	}
}

func (s *Server) handleList(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{"sessions": s.cfg.Sessions.List()})
}

func (s *Server) handleCreate(rw http.ResponseWriter, r *http.Request) {
	var body struct {
		ID string `json:"id"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
			return
		}
	}
	if body.ID != "" && strings.ContainsAny(body.ID, " /\t\r\n") {
		writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, "invalid session id")
		return
	}
	sess, err := s.cfg.Sessions.Create(body.ID)
	switch {
	case errors.Is(err, multisession.ErrTooManySessions):
		writeError(rw, http.StatusServiceUnavailable, protocol.ErrSessionBusy, err.Error())
		return
	case errors.Is(err, multisession.ErrSessionExists):
		writeError(rw, http.StatusConflict, protocol.ErrBadRequest, err.Error())
		return
	case err != nil:
		writeError(rw, http.StatusInternalServerError, protocol.ErrInternal, err.Error())
		return
	}
	s.log.Printf("created session %s from %s", sess.ID(), r.RemoteAddr)
	writeJSON(rw, http.StatusCreated, sess.Summary())
}

func (s *Server) handleState(rw http.ResponseWriter, r *http.Request, sess *session.Session) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	v, err := sess.State(ctx)
	if err != nil {
		writeError(rw, http.StatusServiceUnavailable, protocol.ErrTimeout, err.Error())
		return
	}
	writeJSON(rw, http.StatusOK, v)
}

func (s *Server) handlePlayer(rw http.ResponseWriter, r *http.Request, sess *session.Session) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	id := mux.Vars(r)["player"]
	v, ok, err := sess.Player(ctx, id)
	if err != nil {
		writeError(rw, http.StatusServiceUnavailable, protocol.ErrTimeout, err.Error())
		return
	}
	if !ok {
		writeError(rw, http.StatusNotFound, protocol.ErrNotPlaying, fmt.Sprintf("unknown player %q", id))
		return
	}
	writeJSON(rw, http.StatusOK, v)
}

// handleJoin seats a polling client. Its notifications are only observable
// through submit-and-await replies.
func (s *Server) handleJoin(rw http.ResponseWriter, r *http.Request, sess *session.Session) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	resp, err := sess.Join(ctx, mux.Vars(r)["player"], nil)
	if err != nil {
		writeError(rw, http.StatusGone, protocol.ErrSessionNotFound, err.Error())
		return
	}
	if !resp.Accepted {
		writeJSON(rw, http.StatusConflict, protocol.Error(protocol.ErrorJoinRejected, protocol.Target{
			"reason": resp.Reason,
			"code":   protocol.ErrBadRequest,
		}))
		return
	}
	writeJSON(rw, http.StatusOK, resp.Welcome)
}

func (s *Server) handleSubmit(rw http.ResponseWriter, r *http.Request, sess *session.Session) {
	vars := mux.Vars(r)
	raw, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
		return
	}
	env := protocol.ActionEnvelope{Type: protocol.ActionKind(vars["type"]), Payload: json.RawMessage(raw)}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.SubmitWait)
	defer cancel()
	n, err := sess.SubmitAndWait(ctx, vars["player"], env)
	if err != nil {
		status, code := submitStatus(err)
		writeError(rw, status, code, err.Error())
		return
	}
	writeJSON(rw, http.StatusOK, n)
}

func submitStatus(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrUnknownKind), errors.Is(err, session.ErrBadPayload):
		return http.StatusBadRequest, protocol.ErrBadRequest
	case errors.Is(err, session.ErrNotPlaying):
		return http.StatusForbidden, protocol.ErrNotPlaying
	case errors.Is(err, session.ErrNotStarted), errors.Is(err, session.ErrSlotBusy):
		return http.StatusConflict, protocol.ErrSessionBusy
	case errors.Is(err, session.ErrSessionClosed):
		return http.StatusGone, protocol.ErrSessionNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, protocol.ErrTimeout
	}
	return http.StatusInternalServerError, protocol.ErrInternal
}

func (s *Server) handleResults(rw http.ResponseWriter, r *http.Request) {
	if s.cfg.Results == nil {
		writeError(rw, http.StatusServiceUnavailable, protocol.ErrInternal, "results index disabled")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	rows, err := s.cfg.Results.Results(ctx, mux.Vars(r)["id"])
	if err != nil {
		writeError(rw, http.StatusInternalServerError, protocol.ErrInternal, err.Error())
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"session_id": mux.Vars(r)["id"], "results": rows})
}

func (s *Server) adminGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(rw, r)
	})
}

func bearer(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func (s *Server) handleCommand(rw http.ResponseWriter, r *http.Request, sess *session.Session) {
	var cmd protocol.CommandReq
	if err := json.NewDecoder(io.LimitReader(r.Body, 64*1024)).Decode(&cmd); err != nil {
		writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
		return
	}
	if n, ok := s.runCommand(rw, r, sess, cmd); ok {
		writeJSON(rw, http.StatusOK, n)
	}
}

// handleStop is the halt verb with the session summary as the reply.
func (s *Server) handleStop(rw http.ResponseWriter, r *http.Request, sess *session.Session) {
	cmd := protocol.CommandReq{Verb: protocol.VerbHalt, Reason: r.URL.Query().Get("reason")}
	if _, ok := s.runCommand(rw, r, sess, cmd); !ok {
		return
	}
	select {
	case <-sess.Done():
	case <-time.After(3 * time.Second):
	}
	writeJSON(rw, http.StatusOK, sess.Summary())
}

// runCommand applies cmd with the request's Bearer token. It writes the
// response itself unless the command was accepted.
func (s *Server) runCommand(rw http.ResponseWriter, r *http.Request, sess *session.Session, cmd protocol.CommandReq) (protocol.Notification, bool) {
	if tok := bearer(r); tok != "" {
		cmd.Token = tok
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	n, err := sess.Admin(ctx, cmd)
	if err != nil {
		status, code := submitStatus(err)
		writeError(rw, status, code, err.Error())
		return protocol.Notification{}, false
	}
	s.log.Printf("admin %s session=%s remote=%s -> %s", cmd.Verb, sess.ID(), r.RemoteAddr, n.Type())
	switch n.Type() {
	case protocol.ErrorPermissionDenied:
		writeJSON(rw, http.StatusForbidden, n)
		return protocol.Notification{}, false
	case protocol.ErrorCmdSyntax:
		writeJSON(rw, http.StatusBadRequest, n)
		return protocol.Notification{}, false
	}
	return n, true
}

func (s *Server) handleMetrics(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
	st := s.cfg.Sessions.Stats()

	fmt.Fprintf(rw, "# HELP island_sessions Sessions known to the registry.\n")
	fmt.Fprintf(rw, "# TYPE island_sessions gauge\n")
	fmt.Fprintf(rw, "island_sessions{state=%q} %d\n", "live", st.Live)
	fmt.Fprintf(rw, "island_sessions{state=%q} %d\n", "finished", st.Finished)

	fmt.Fprintf(rw, "# HELP island_pending_decisions Routed submissions not yet consumed.\n")
	fmt.Fprintf(rw, "# TYPE island_pending_decisions gauge\n")
	fmt.Fprintf(rw, "island_pending_decisions %d\n", st.Pending)

	fmt.Fprintf(rw, "# HELP island_notifications_sent_total Outbound frames queued to players.\n")
	fmt.Fprintf(rw, "# TYPE island_notifications_sent_total counter\n")
	fmt.Fprintf(rw, "island_notifications_sent_total %d\n", st.Sent)

	fmt.Fprintf(rw, "# HELP island_notifications_dropped_total Frames dropped for slow players.\n")
	fmt.Fprintf(rw, "# TYPE island_notifications_dropped_total counter\n")
	fmt.Fprintf(rw, "island_notifications_dropped_total %d\n", st.Dropped)

	for _, sum := range s.cfg.Sessions.List() {
		if sum.Finished {
			continue
		}
		fmt.Fprintf(rw, "island_session_epoch{session=%q,phase=%q} %d\n", sum.ID, sum.PhaseName, sum.Epoch)
		fmt.Fprintf(rw, "island_session_players{session=%q} %d\n", sum.ID, sum.Players)
	}
	if s.cfg.ExtraMetrics != nil {
		s.cfg.ExtraMetrics(rw)
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, code, msg string) {
	writeJSON(rw, status, map[string]any{"ok": false, "code": code, "error": msg})
}
