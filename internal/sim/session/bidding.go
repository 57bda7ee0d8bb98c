package session

import (
	"context"
	"sort"
	"time"

	"resourceisland/internal/protocol"
)

type bidRecord struct {
	Player string `json:"player"`
	Bid    int    `json:"bid"`
}

func (s *Session) runBidding(ctx context.Context) {
	s.bids = s.bids[:0]
	if s.ending() {
		return
	}
	s.drain(protocol.KindBidding)
	s.enterPhase(PhaseBidding)
	s.broadcast(protocol.Notify(protocol.NotifyDataRequired, protocol.Target{
		"epoch": s.st.Epoch,
		"phase": int(PhaseBidding),
	}))

	recorded := map[string]bool{}
	for _, id := range s.st.Order {
		if s.st.Players[id].ActionPoints == 0 {
			s.recordBid(id, 0, recorded)
		}
	}

	timeout := s.cfg.Tuning.DecisionTimeout()
	dl := deadlines{}
	now := time.Now()
	for _, id := range s.st.Order {
		dl[id] = now.Add(timeout)
	}

	for !s.ending() {
		pending := s.pendingBidders(recorded)
		if len(pending) == 0 {
			break
		}
		subs := s.router.TakeAll(protocol.KindBidding, pending)
		for _, sub := range subs {
			p, ok := s.st.active(sub.Player)
			if !ok || recorded[sub.Player] {
				continue
			}
			dl[sub.Player] = time.Now().Add(timeout)
			switch {
			case sub.Bid.Amount < 0:
				s.bidError(p.ID, protocol.KindBidding, protocol.BidReasonInvalidBid)
			case sub.Bid.Amount > p.ActionPoints:
				s.bidError(p.ID, protocol.KindBidding, protocol.BidReasonInsufficient)
			default:
				s.recordBid(p.ID, sub.Bid.Amount, recorded)
			}
		}
		if len(subs) > 0 {
			continue
		}

		s.wait(ctx, dl.earliest(pending))
		for _, id := range dl.expired(s.pendingBidders(recorded), time.Now()) {
			s.broadcastTimeout(id, PhaseBidding)
			s.recordBid(id, 0, recorded)
		}
	}
	s.drain(protocol.KindBidding)
}

func (s *Session) pendingBidders(recorded map[string]bool) []string {
	var out []string
	for _, id := range s.st.Order {
		if !recorded[id] {
			out = append(out, id)
		}
	}
	return out
}

func (s *Session) recordBid(player string, amount int, recorded map[string]bool) {
	recorded[player] = true
	s.bids = append(s.bids, bidRecord{Player: player, Bid: amount})
	s.direct(player, protocol.KindBidding, protocol.Notify(protocol.NotifyBiddingOK, protocol.Target{
		"player": player,
		"bid":    amount,
	}))
}

func (s *Session) bidError(player string, kind protocol.ActionKind, r protocol.Reason) {
	s.direct(player, kind, protocol.Error(protocol.ErrorBidding, protocol.Target{
		"player": player,
		"action": string(kind),
		"reason": int(r),
		"code":   protocol.BiddingCode(r),
	}))
}

// sortedBids orders bids high to low; equal bids keep submission order.
func sortedBids(bids []bidRecord) []bidRecord {
	out := append([]bidRecord(nil), bids...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Bid > out[j].Bid })
	return out
}

func (s *Session) runFulfillment(ctx context.Context) {
	if s.ending() {
		return
	}
	s.drain(protocol.KindBiddingWant)
	s.enterPhase(PhaseBiddingFulfillment)

	order := sortedBids(s.bids)
	announced := make([]bidRecord, 0, len(order))
	for _, b := range order {
		if b.Bid > 0 {
			announced = append(announced, b)
		}
	}
	s.broadcast(protocol.Notify(protocol.NotifyBiddingSorted, protocol.Target{
		"epoch":  s.st.Epoch,
		"sorted": announced,
	}))

	for _, b := range announced {
		if s.ending() {
			break
		}
		if _, ok := s.st.active(b.Player); !ok {
			continue
		}
		s.fulfill(ctx, b)
	}
	s.drain(protocol.KindBiddingWant)
}

// fulfill runs one bidder's turn: prompt, take, repeat while affordable.
func (s *Session) fulfill(ctx context.Context, b bidRecord) {
	timeout := s.cfg.Tuning.DecisionTimeout()
	for {
		p, ok := s.st.active(b.Player)
		if !ok || s.st.Market.Len() == 0 {
			return
		}
		if p.ActionPoints < b.Bid {
			return
		}
		s.direct(p.ID, "", protocol.Notify(protocol.NotifyDataRequired, protocol.Target{
			"epoch":  s.st.Epoch,
			"phase":  int(PhaseBiddingFulfillment),
			"bid":    b.Bid,
			"market": s.st.Market.Items(),
		}))

		sub, ok := s.awaitWant(ctx, p.ID, time.Now().Add(timeout))
		if !ok {
			return
		}
		if _, still := s.st.active(p.ID); !still {
			return
		}
		if sub.Want.Done {
			s.direct(p.ID, protocol.KindBiddingWant, protocol.Notify(protocol.NotifyBiddingOK, protocol.Target{
				"player": p.ID,
				"done":   true,
			}))
			return
		}
		if sub.Want.Index < 0 || sub.Want.Index >= s.st.Market.Len() {
			s.bidError(p.ID, protocol.KindBiddingWant, protocol.BidReasonBadIndex)
			continue
		}
		if p.ActionPoints < b.Bid {
			s.bidError(p.ID, protocol.KindBiddingWant, protocol.BidReasonInsufficient)
			return
		}
		item, err := s.st.Market.Take(sub.Want.Index)
		if err != nil {
			s.bidError(p.ID, protocol.KindBiddingWant, protocol.BidReasonBadIndex)
			continue
		}
		s.st.Taken[item]++
		p.ActionPoints -= b.Bid
		p.Resources[item]++
		s.direct(p.ID, protocol.KindBiddingWant, protocol.Notify(protocol.NotifyBiddingOK, protocol.Target{
			"player":        p.ID,
			"item":          item,
			"index":         sub.Want.Index,
			"action_points": p.ActionPoints,
		}))
	}
}

// awaitWant waits for player's next fulfillment decision. ok=false ends the
// turn: deadline, elimination, or shutdown.
func (s *Session) awaitWant(ctx context.Context, player string, deadline time.Time) (Submission, bool) {
	for {
		if sub, ok := s.router.Take(player, protocol.KindBiddingWant); ok {
			return sub, true
		}
		if s.ending() {
			return Submission{}, false
		}
		if _, ok := s.st.active(player); !ok {
			return Submission{}, false
		}
		if !time.Now().Before(deadline) {
			s.broadcastTimeout(player, PhaseBiddingFulfillment)
			return Submission{}, false
		}
		s.wait(ctx, deadline)
	}
}
