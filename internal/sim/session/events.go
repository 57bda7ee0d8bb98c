package session

import (
	"slices"

	"resourceisland/internal/protocol"
	"resourceisland/internal/sim/catalogs"
	"resourceisland/internal/sim/solver"
)

// runValueUpdate reprices resources from this epoch's fulfillment takes. The
// counters are cleared every epoch, priced or not.
func (s *Session) runValueUpdate() {
	defer s.st.resetTaken()
	if s.ending() || s.st.Epoch%s.cfg.Tuning.ValueUpdateEvery != 0 {
		return
	}
	s.enterPhase(PhaseValueUpdate)
	for _, res := range s.cfg.Catalogs.Resources.Order {
		delta := 0
		switch n := s.st.Taken[res]; {
		case n == 0:
			delta = 1
		case n >= s.cfg.Tuning.TakeThreshold && s.st.Values[res] > 1:
			delta = -1
		}
		if delta == 0 {
			continue
		}
		s.st.Values[res] += delta
		s.broadcast(protocol.Notify(protocol.NotifyValueChanged, protocol.Target{
			"epoch":    s.st.Epoch,
			"resource": res,
			"value":    s.st.Values[res],
			"delta":    delta,
		}))
	}
}

func (s *Session) runEventCard() {
	ev := s.cfg.Catalogs.Events
	if s.ending() || !slices.Contains(ev.Epochs, s.st.Epoch) {
		return
	}
	s.enterPhase(PhaseEventCard)

	if !s.st.immunityStruck && slices.Contains(ev.ImmunityEpochs, s.st.Epoch) {
		s.st.immunityStruck = true
		s.st.events = slices.DeleteFunc(s.st.events, func(e catalogs.EventDef) bool { return e.StruckByImmunity })
	}
	if len(s.st.events) == 0 {
		return
	}
	card := s.st.events[s.rng.IntN(len(s.st.events))]
	s.broadcast(protocol.Notify(protocol.NotifyEventChoiced, protocol.Target{
		"epoch": s.st.Epoch,
		"event": card.ID,
	}))
	s.logger.Printf("event epoch=%d event=%s", s.st.Epoch, card.ID)
	s.bury(card.ID, s.applyEvent(card))
}

// applyEvent returns the players who could not survive the event, in join
// order.
func (s *Session) applyEvent(ev catalogs.EventDef) []string {
	var dead []string
	switch ev.Effect {
	case catalogs.EffectHalveMarket:
		s.st.Deck.Return(s.st.Market.Truncate(s.st.Market.Len() / 2)...)

	case catalogs.EffectToll:
		price := ev.Multiplier * s.st.Values[ev.Resource]
		for _, id := range s.st.Order {
			p := s.st.Players[id]
			if ev.Shield != "" && p.RemoveBuilding(ev.Shield, 1) {
				continue
			}
			pay, ok := solver.Best(p.Resources, s.st.Values, price, s.cfg.Tuning.ReservedPrefix)
			if !ok {
				dead = append(dead, id)
				continue
			}
			s.st.Deck.Return(p.pay(pay.Combination)...)
		}

	case catalogs.EffectLevy:
		for _, id := range s.st.Order {
			p := s.st.Players[id]
			if p.Resources[ev.Resource] < ev.Amount {
				dead = append(dead, id)
				continue
			}
			p.Resources[ev.Resource] -= ev.Amount
			s.st.Deck.Return(repeat(ev.Resource, ev.Amount)...)
		}

	case catalogs.EffectActionPoints:
		for _, id := range s.st.Order {
			s.st.Players[id].ActionPoints += ev.Amount
		}

	case catalogs.EffectNone:
	}
	return dead
}

func (s *Session) bury(event string, dead []string) {
	if len(dead) == 0 {
		return
	}
	s.broadcast(protocol.Notify(protocol.NotifyDiedPlayers, protocol.Target{
		"epoch":   s.st.Epoch,
		"event":   event,
		"players": dead,
	}))
	for _, id := range dead {
		s.direct(id, "", protocol.Notify(protocol.NotifyEliminated, protocol.Target{
			"player": id,
			"event":  event,
		}))
		s.eliminate(id, "event:"+event)
	}
}
