package session

import (
	"context"
	"strings"
	"time"

	"resourceisland/internal/protocol"
)

// Run drives the session from lobby to game over. It is the only writer of
// session state and returns ctx.Err() when cancelled.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)
	s.logger.Printf("open: start_players=%d max_players=%d epoch_cap=%d", s.cfg.Tuning.StartPlayers, s.cfg.Tuning.MaxPlayers, s.cfg.Tuning.EpochCap)

	if s.lobby(ctx) {
		s.start()
		for {
			s.runInvestment(ctx)
			s.runBidding(ctx)
			s.runFulfillment(ctx)
			s.runValueUpdate()
			s.runEventCard()
			if s.ending() || s.st.Epoch >= s.cfg.Tuning.EpochCap {
				break
			}
			s.st.Epoch++
		}
		s.end(EndEpochCap)
	}
	s.finish()

	if s.endReason == EndCancelled {
		return ctx.Err()
	}
	return nil
}

// lobby reports whether the game should start.
func (s *Session) lobby(ctx context.Context) bool {
	t := s.cfg.Tuning
	var deadline time.Time
	if lt := t.LobbyTimeout(); lt > 0 {
		deadline = time.Now().Add(lt)
	}
	for {
		if len(s.st.Order) >= t.StartPlayers {
			return true
		}
		if s.endReason != "" {
			return false
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			if len(s.st.Order) >= t.MinPlayers {
				return true
			}
			s.logger.Printf("lobby expired with %d players", len(s.st.Order))
			s.broadcast(protocol.Error(protocol.ErrorLobbyExpired, protocol.Target{"players": append([]string{}, s.st.Order...)}))
			s.end(EndLobbyExpired)
			return false
		}
		s.wait(ctx, deadline)
	}
}

func (s *Session) handleJoin(req joinRequest) JoinResponse {
	t := s.cfg.Tuning
	reject := func(reason string) JoinResponse {
		s.logger.Printf("join rejected player=%q reason=%s", req.Player, reason)
		return JoinResponse{Reason: reason}
	}
	switch {
	case req.Player == "" || strings.ContainsAny(req.Player, " \t\r\n/"):
		return reject(RejectInvalidName)
	case s.st.Started || s.st.Finished:
		return reject(RejectAlreadyStarted)
	case s.st.Players[req.Player] != nil:
		return reject(RejectDuplicate)
	case len(s.st.Order) >= t.MaxPlayers:
		return reject(RejectRoomFull)
	}

	s.st.Players[req.Player] = newPlayer(req.Player, s.cfg.Catalogs.Resources.Order)
	s.st.Order = append(s.st.Order, req.Player)
	done := s.gw.Attach(req.Player, req.Out)
	s.publish()
	s.logger.Printf("join player=%s players=%d", req.Player, len(s.st.Order))

	welcome := protocol.Notify(protocol.NotifyWelcome, protocol.Target{
		"session_id":       s.cfg.ID,
		"player":           req.Player,
		"players":          append([]string{}, s.st.Order...),
		"protocol_version": protocol.Version,
		"start_players":    t.StartPlayers,
		"max_players":      t.MaxPlayers,
		"catalogs_digest":  s.cfg.Catalogs.Digest(),
	})
	s.direct(req.Player, "", welcome)
	s.broadcast(protocol.Notify(protocol.NotifyPlayerJoin, protocol.Target{
		"player":  req.Player,
		"players": append([]string{}, s.st.Order...),
	}))
	return JoinResponse{Accepted: true, Welcome: welcome, Done: done}
}

func (s *Session) handleLeave(id string) {
	if _, ok := s.st.active(id); !ok {
		return
	}
	reason := "left"
	if s.st.Started {
		reason = "disconnected"
	}
	s.eliminate(id, reason)
	s.broadcast(protocol.Notify(protocol.NotifyPlayerLeft, protocol.Target{
		"player":  id,
		"reason":  reason,
		"players": append([]string{}, s.st.Order...),
	}))
}

// eliminate removes id everywhere at once so no later "everyone answered"
// check can wait on it.
func (s *Session) eliminate(id, reason string) {
	if _, ok := s.st.active(id); !ok {
		return
	}
	s.st.removePlayer(id)
	s.router.Forget(id)
	s.gw.Detach(id)
	s.publish()
	s.logger.Printf("remove player=%s reason=%s players=%d", id, reason, len(s.st.Order))
	if s.st.Started {
		s.audit("session", "eliminate", id, reason)
	}
}

func (s *Session) start() {
	t := s.cfg.Tuning
	s.st.Deck.Shuffle()
	s.st.Market.Add(s.st.Deck.Draw(t.InitialMarket)...)
	for _, id := range s.st.Order {
		p := s.st.Players[id]
		p.ActionPoints = t.StartingActionPoints
		for r, n := range t.StartingResources {
			p.Resources[r] += n
		}
	}
	s.st.Started = true
	s.st.Epoch = 1
	s.startedAt = time.Now().UTC()
	s.publish()
	s.logger.Printf("start players=%v market=%d deck=%d", s.st.Order, s.st.Market.Len(), s.st.Deck.Len())

	s.broadcast(protocol.Notify(protocol.NotifyGameStart, protocol.Target{
		"session_id": s.cfg.ID,
		"players":    append([]string{}, s.st.Order...),
		"market":     s.st.Market.Items(),
		"values":     copyInts(s.st.Values),
		"epoch_cap":  t.EpochCap,
	}))
}

func (s *Session) enterPhase(ph Phase) {
	s.st.Phase = ph
	s.publish()
	s.broadcast(protocol.Notify(protocol.NotifyPhaseChanged, protocol.Target{
		"epoch": s.st.Epoch,
		"phase": int(ph),
		"name":  ph.String(),
	}))
	if s.cfg.PhaseLogger != nil {
		_ = s.cfg.PhaseLogger.WritePhase(PhaseLogEntry{
			SessionID: s.cfg.ID,
			Epoch:     s.st.Epoch,
			Phase:     ph,
			Name:      ph.String(),
			Players:   append([]string{}, s.st.Order...),
			Market:    s.st.Market.Len(),
			Deck:      s.st.Deck.Len(),
			Values:    copyInts(s.st.Values),
			Digest:    s.st.digest(),
			UnixMs:    time.Now().UnixMilli(),
		})
	}
}

// drain clears stale submissions of kind and tells any polling caller.
func (s *Session) drain(kind protocol.ActionKind) {
	for _, sub := range s.router.Drain(kind) {
		s.direct(sub.Player, kind, protocol.Error(protocol.ErrorBusy, protocol.Target{
			"player": sub.Player,
			"action": string(kind),
			"reason": "phase_closed",
			"code":   protocol.ErrSessionBusy,
		}))
	}
}

// deadlines tracks the idle deadline of each player still owing a decision.
type deadlines map[string]time.Time

func (d deadlines) earliest(pending []string) time.Time {
	var out time.Time
	for _, id := range pending {
		t, ok := d[id]
		if !ok {
			continue
		}
		if out.IsZero() || t.Before(out) {
			out = t
		}
	}
	return out
}

// expired returns pending players whose deadline has passed, in the given order.
func (d deadlines) expired(pending []string, now time.Time) []string {
	var out []string
	for _, id := range pending {
		if t, ok := d[id]; ok && !now.Before(t) {
			out = append(out, id)
		}
	}
	return out
}

func (s *Session) broadcastTimeout(player string, ph Phase) {
	s.logger.Printf("timeout player=%s phase=%s epoch=%d", player, ph, s.st.Epoch)
	s.broadcast(protocol.Error(protocol.ErrorTimeout, protocol.Target{
		"player": player,
		"phase":  int(ph),
		"epoch":  s.st.Epoch,
		"code":   protocol.ErrTimeout,
	}))
}

func (s *Session) finish() {
	s.st.Finished = true
	aborted := s.endReason == EndLobbyExpired || !s.st.Started
	if !aborted {
		s.scores = s.computeScores()
		ranking := make([]string, len(s.scores))
		for i, sc := range s.scores {
			ranking[i] = sc.Player
		}
		s.broadcast(protocol.Notify(protocol.NotifyGameOver, protocol.Target{
			"epoch":   s.st.Epoch,
			"reason":  s.endReason,
			"scores":  s.scores,
			"ranking": ranking,
		}))
		if s.cfg.Results != nil {
			s.cfg.Results.RecordResult(Result{
				SessionID:  s.cfg.ID,
				Reason:     s.endReason,
				Epoch:      s.st.Epoch,
				Scores:     s.scores,
				StartedAt:  s.startedAt,
				FinishedAt: time.Now().UTC(),
			})
		}
	}
	s.gw.DetachAll()
	s.logger.Printf("finished reason=%s epoch=%d", s.endReason, s.st.Epoch)

	final := s.view()
	s.pubMu.Lock()
	s.final = final
	s.pubMu.Unlock()
	s.publish()
	s.pubMu.Lock()
	s.sum.FinishedAt = time.Now().UTC()
	s.pubMu.Unlock()
}

func copyInts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
