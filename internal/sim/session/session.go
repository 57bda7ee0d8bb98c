package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"sync"
	"time"

	"resourceisland/internal/protocol"
	"resourceisland/internal/sim/catalogs"
	"resourceisland/internal/sim/market"
	"resourceisland/internal/sim/tuning"
)

var (
	ErrNotPlaying    = errors.New("player is not in the session")
	ErrNotStarted    = errors.New("session has not started")
	ErrSessionClosed = errors.New("session closed")
	ErrBadPayload    = errors.New("bad payload")
	ErrUnknownKind   = errors.New("unknown action kind")
)

// Join rejection reasons.
const (
	RejectRoomFull       = "room_full"
	RejectAlreadyStarted = "already_started"
	RejectDuplicate      = "duplicate"
	RejectInvalidName    = "invalid_name"
)

// End reasons.
const (
	EndEpochCap     = "epoch_cap"
	EndNoPlayers    = "no_players"
	EndHalted       = "halted"
	EndCancelled    = "cancelled"
	EndLobbyExpired = "lobby_expired"
)

type Config struct {
	ID       string
	Tuning   tuning.Tuning
	Catalogs *catalogs.Catalogs
	Seed     uint64

	// Optional collaborators (may be nil).
	Logger      *log.Logger
	Verifier    AdminVerifier
	Mirror      Mirror
	PhaseLogger PhaseLogger
	AuditLogger AuditLogger
	Results     ResultRecorder
}

// AdminVerifier checks an admin credential. Implemented in internal/auth.
type AdminVerifier interface {
	VerifyAdmin(token string) error
}

type PhaseLogger interface {
	WritePhase(entry PhaseLogEntry) error
}

type AuditLogger interface {
	WriteAudit(entry AuditEntry) error
}

type ResultRecorder interface {
	RecordResult(res Result)
}

type PhaseLogEntry struct {
	SessionID string         `json:"session_id"`
	Epoch     int            `json:"epoch"`
	Phase     Phase          `json:"phase"`
	Name      string         `json:"name"`
	Players   []string       `json:"players"`
	Market    int            `json:"market"`
	Deck      int            `json:"deck"`
	Values    map[string]int `json:"values"`
	Digest    string         `json:"digest"`
	UnixMs    int64          `json:"unix_ms"`
}

type AuditEntry struct {
	SessionID string `json:"session_id"`
	Epoch     int    `json:"epoch"`
	Actor     string `json:"actor"`
	Action    string `json:"action"`
	Player    string `json:"player,omitempty"`
	Detail    string `json:"detail,omitempty"`
	UnixMs    int64  `json:"unix_ms"`
}

// Result is the outcome record of a finished session.
type Result struct {
	SessionID  string    `json:"session_id"`
	Reason     string    `json:"reason"`
	Epoch      int       `json:"epoch"`
	Scores     []Score   `json:"scores"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

type JoinResponse struct {
	Accepted bool
	Reason   string
	Welcome  protocol.Notification
	// Done closes when the player leaves the session for any reason.
	Done <-chan struct{}
}

type joinRequest struct {
	Player string
	Out    chan []byte
	Resp   chan JoinResponse
}

type playerRequest struct {
	ID   string
	Resp chan playerReply
}

type playerReply struct {
	View PlayerView
	OK   bool
}

type adminRequest struct {
	Cmd  protocol.CommandReq
	Resp chan protocol.Notification
}

// Summary is readable without going through the loop.
type Summary struct {
	ID         string    `json:"id"`
	Epoch      int       `json:"epoch"`
	Phase      Phase     `json:"phase"`
	PhaseName  string    `json:"phase_name"`
	Players    int       `json:"players"`
	Started    bool      `json:"started"`
	Finished   bool      `json:"finished"`
	EndReason  string    `json:"end_reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Session is one independently scheduled game. All State access happens on
// the goroutine running Run.
type Session struct {
	cfg    Config
	logger *log.Logger
	rng    *rand.Rand

	st     *State
	router *Router
	gw     *Gateway

	join     chan joinRequest
	leave    chan string
	query    chan chan StateView
	queryP   chan playerRequest
	admin    chan adminRequest
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	bids      []bidRecord
	endReason string
	scores    []Score
	startedAt time.Time

	pubMu  sync.RWMutex
	roster map[string]struct{}
	sum    Summary
	final  StateView
}

func New(cfg Config) (*Session, error) {
	if cfg.Catalogs == nil {
		return nil, fmt.Errorf("session %s: missing catalogs", cfg.ID)
	}
	if err := cfg.Tuning.Validate(); err != nil {
		return nil, fmt.Errorf("session %s: %w", cfg.ID, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))

	st := &State{
		Players: map[string]*Player{},
		Market:  market.New(),
		Deck:    market.NewDeck(cfg.Catalogs.DeckCounts(), rng),
		Values:  cfg.Catalogs.StartingValues(),
		Epoch:   1,
		Phase:   PhaseLobby,
		Taken:   map[string]int{},
	}
	for _, id := range cfg.Catalogs.Resources.Order {
		st.Taken[id] = 0
	}
	for _, ev := range cfg.Catalogs.Events.Deck {
		for i := 0; i < ev.Count; i++ {
			st.events = append(st.events, ev)
		}
	}

	s := &Session{
		cfg:    cfg,
		logger: logger,
		rng:    rng,
		st:     st,
		router: NewRouter(),
		gw:     NewGateway(cfg.ID, cfg.Mirror),
		join:   make(chan joinRequest, 64),
		leave:  make(chan string, 64),
		query:  make(chan chan StateView, 64),
		queryP: make(chan playerRequest, 64),
		admin:  make(chan adminRequest, 16),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		roster: map[string]struct{}{},
	}
	s.sum = Summary{ID: cfg.ID, Epoch: 1, Phase: PhaseLobby, PhaseName: PhaseLobby.String(), CreatedAt: time.Now().UTC()}
	return s, nil
}

func (s *Session) ID() string { return s.cfg.ID }

// Done closes once Run has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// Stop ends the session at the next wait point.
func (s *Session) Stop() { s.stopOnce.Do(func() { close(s.stop) }) }

func (s *Session) Summary() Summary {
	s.pubMu.RLock()
	defer s.pubMu.RUnlock()
	return s.sum
}

// PendingDecisions is the number of routed submissions not yet consumed.
func (s *Session) PendingDecisions() int { return s.router.Pending() }

func (s *Session) GatewayStats() (sent, dropped uint64) { return s.gw.Stats() }

func (s *Session) Join(ctx context.Context, player string, out chan []byte) (JoinResponse, error) {
	req := joinRequest{Player: player, Out: out, Resp: make(chan JoinResponse, 1)}
	select {
	case s.join <- req:
	case <-s.done:
		return JoinResponse{}, ErrSessionClosed
	case <-ctx.Done():
		return JoinResponse{}, ctx.Err()
	}
	select {
	case resp := <-req.Resp:
		return resp, nil
	case <-s.done:
		return JoinResponse{}, ErrSessionClosed
	case <-ctx.Done():
		return JoinResponse{}, ctx.Err()
	}
}

// Leave reports a closed player channel. After the start this eliminates.
func (s *Session) Leave(player string) {
	select {
	case s.leave <- player:
	case <-s.done:
	}
}

func (s *Session) State(ctx context.Context) (StateView, error) {
	resp := make(chan StateView, 1)
	select {
	case s.query <- resp:
	case <-s.done:
		return s.finalView(), nil
	case <-ctx.Done():
		return StateView{}, ctx.Err()
	}
	select {
	case v := <-resp:
		return v, nil
	case <-s.done:
		return s.finalView(), nil
	case <-ctx.Done():
		return StateView{}, ctx.Err()
	}
}

// Player returns ok=false for an unknown or eliminated player.
func (s *Session) Player(ctx context.Context, id string) (PlayerView, bool, error) {
	req := playerRequest{ID: id, Resp: make(chan playerReply, 1)}
	select {
	case s.queryP <- req:
	case <-s.done:
		return PlayerView{}, false, nil
	case <-ctx.Done():
		return PlayerView{}, false, ctx.Err()
	}
	select {
	case r := <-req.Resp:
		return r.View, r.OK, nil
	case <-s.done:
		return PlayerView{}, false, nil
	case <-ctx.Done():
		return PlayerView{}, false, ctx.Err()
	}
}

// Submit decodes env and routes it. It never waits for the scheduler.
func (s *Session) Submit(player string, env protocol.ActionEnvelope) error {
	sub, err := decodeSubmission(player, env)
	if err != nil {
		return err
	}
	if err := s.checkPlaying(player); err != nil {
		return err
	}
	return s.router.Submit(sub)
}

// SubmitAndWait routes env and returns the next reply correlated to it.
func (s *Session) SubmitAndWait(ctx context.Context, player string, env protocol.ActionEnvelope) (protocol.Notification, error) {
	sub, err := decodeSubmission(player, env)
	if err != nil {
		return protocol.Notification{}, err
	}
	if err := s.checkPlaying(player); err != nil {
		return protocol.Notification{}, err
	}
	ch, cancel := s.gw.Await(player, sub.Kind)
	defer cancel()
	if err := s.router.Submit(sub); err != nil {
		return protocol.Notification{}, err
	}
	select {
	case n, ok := <-ch:
		if !ok {
			return protocol.Notification{}, ErrNotPlaying
		}
		return n, nil
	case <-s.done:
		return protocol.Notification{}, ErrSessionClosed
	case <-ctx.Done():
		return protocol.Notification{}, ctx.Err()
	}
}

// Admin runs a privileged verb. A bad credential never reaches the loop.
func (s *Session) Admin(ctx context.Context, cmd protocol.CommandReq) (protocol.Notification, error) {
	if s.cfg.Verifier == nil || s.cfg.Verifier.VerifyAdmin(cmd.Token) != nil {
		s.logger.Printf("admin: permission denied verb=%s", cmd.Verb)
		return protocol.Error(protocol.ErrorPermissionDenied, protocol.Target{"verb": cmd.Verb, "code": protocol.ErrPermission}), nil
	}
	req := adminRequest{Cmd: cmd, Resp: make(chan protocol.Notification, 1)}
	select {
	case s.admin <- req:
	case <-s.done:
		return protocol.Notification{}, ErrSessionClosed
	case <-ctx.Done():
		return protocol.Notification{}, ctx.Err()
	}
	select {
	case n := <-req.Resp:
		return n, nil
	case <-s.done:
		return protocol.Notification{}, ErrSessionClosed
	case <-ctx.Done():
		return protocol.Notification{}, ctx.Err()
	}
}

func decodeSubmission(player string, env protocol.ActionEnvelope) (Submission, error) {
	sub := Submission{Player: player, Kind: env.Type}
	var err error
	switch env.Type {
	case protocol.KindInvestment:
		sub.Investment, err = protocol.DecodeInvestment(env.Payload)
	case protocol.KindBidding:
		sub.Bid, err = protocol.DecodeBid(env.Payload)
	case protocol.KindBiddingWant:
		sub.Want, err = protocol.DecodeWant(env.Payload)
	default:
		return Submission{}, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}
	if err != nil {
		return Submission{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return sub, nil
}

func (s *Session) checkPlaying(player string) error {
	s.pubMu.RLock()
	defer s.pubMu.RUnlock()
	if s.sum.Finished {
		return ErrSessionClosed
	}
	if _, ok := s.roster[player]; !ok {
		return ErrNotPlaying
	}
	if !s.sum.Started {
		return ErrNotStarted
	}
	return nil
}

// publish refreshes the lock-guarded copies read by handlers.
func (s *Session) publish() {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	s.roster = make(map[string]struct{}, len(s.st.Order))
	for _, id := range s.st.Order {
		s.roster[id] = struct{}{}
	}
	s.sum.Epoch = s.st.Epoch
	s.sum.Phase = s.st.Phase
	s.sum.PhaseName = s.st.Phase.String()
	s.sum.Players = len(s.st.Order)
	s.sum.Started = s.st.Started
	s.sum.Finished = s.st.Finished
	s.sum.EndReason = s.endReason
}

func (s *Session) finalView() StateView {
	s.pubMu.RLock()
	defer s.pubMu.RUnlock()
	return s.final
}

type wake int

const (
	wakeReady wake = iota
	wakeDeadline
	wakeControl
	wakeStop
)

// wait blocks until a submission lands, deadline passes, or a control
// request has been served. A zero deadline waits without a timer.
func (s *Session) wait(ctx context.Context, deadline time.Time) wake {
	var timer <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return wakeDeadline
		}
		t := time.NewTimer(d)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-ctx.Done():
		s.end(EndCancelled)
		return wakeStop
	case <-s.stop:
		s.end(EndHalted)
		return wakeStop
	case <-s.router.Ready():
		return wakeReady
	case <-timer:
		return wakeDeadline
	case req := <-s.join:
		req.Resp <- s.handleJoin(req)
	case id := <-s.leave:
		s.handleLeave(id)
	case resp := <-s.query:
		resp <- s.view()
	case req := <-s.queryP:
		var r playerReply
		if p, ok := s.st.active(req.ID); ok {
			r = playerReply{View: p.view(), OK: true}
		}
		req.Resp <- r
	case req := <-s.admin:
		req.Resp <- s.handleAdmin(req.Cmd)
	}
	return wakeControl
}

func (s *Session) end(reason string) {
	if s.endReason == "" {
		s.endReason = reason
	}
}

// ending reports whether the game loop must unwind.
func (s *Session) ending() bool {
	if s.endReason != "" {
		return true
	}
	if s.st.Started && len(s.st.Order) == 0 {
		s.endReason = EndNoPlayers
		return true
	}
	return false
}

func (s *Session) broadcast(n protocol.Notification) { s.gw.Broadcast(n) }

func (s *Session) direct(player string, kind protocol.ActionKind, n protocol.Notification) {
	s.gw.Direct(player, kind, n)
}

func (s *Session) audit(actor, action, player, detail string) {
	if s.cfg.AuditLogger == nil {
		return
	}
	_ = s.cfg.AuditLogger.WriteAudit(AuditEntry{
		SessionID: s.cfg.ID,
		Epoch:     s.st.Epoch,
		Actor:     actor,
		Action:    action,
		Player:    player,
		Detail:    detail,
		UnixMs:    time.Now().UnixMilli(),
	})
}
