package session

import (
	"context"
	"time"

	"resourceisland/internal/protocol"
	"resourceisland/internal/sim/catalogs"
	"resourceisland/internal/sim/solver"
)

// investmentRound is the per-phase scratch of the investment step.
type investmentRound struct {
	done         map[string]bool
	exchangeUsed map[string]bool
	advMined     map[string]bool
}

func newInvestmentRound() *investmentRound {
	return &investmentRound{
		done:         map[string]bool{},
		exchangeUsed: map[string]bool{},
		advMined:     map[string]bool{},
	}
}

func (s *Session) runInvestment(ctx context.Context) {
	if s.ending() {
		return
	}
	s.drain(protocol.KindInvestment)
	s.enterPhase(PhaseInvestment)

	round := newInvestmentRound()
	s.applyYields(round)
	s.broadcast(protocol.Notify(protocol.NotifyDataRequired, protocol.Target{
		"epoch": s.st.Epoch,
		"phase": int(PhaseInvestment),
	}))

	timeout := s.cfg.Tuning.DecisionTimeout()
	dl := deadlines{}
	now := time.Now()
	for _, id := range s.st.Order {
		dl[id] = now.Add(timeout)
	}

	for !s.ending() {
		pending := s.pendingInvestors(round)
		if len(pending) == 0 {
			break
		}
		subs := s.router.TakeAll(protocol.KindInvestment, pending)
		for _, sub := range subs {
			p, ok := s.st.active(sub.Player)
			if !ok || round.done[sub.Player] {
				continue
			}
			s.checkMarket()
			s.handleInvestment(p, sub.Investment, round)
			dl[sub.Player] = time.Now().Add(timeout)
		}
		if len(subs) > 0 {
			continue
		}

		s.wait(ctx, dl.earliest(pending))
		for _, id := range dl.expired(s.pendingInvestors(round), time.Now()) {
			round.done[id] = true
			s.broadcastTimeout(id, PhaseInvestment)
		}
	}
	s.drain(protocol.KindInvestment)
}

func (s *Session) pendingInvestors(round *investmentRound) []string {
	var out []string
	for _, id := range s.st.Order {
		if !round.done[id] {
			out = append(out, id)
		}
	}
	return out
}

func (s *Session) applyYields(round *investmentRound) {
	for _, id := range s.st.Order {
		p := s.st.Players[id]
		for _, b := range append([]string{}, p.Buildings...) {
			def, ok := s.cfg.Catalogs.Buildings.ByID[b]
			if !ok || def.Yield == nil {
				continue
			}
			fields, worked := s.applyYield(p, def.Yield, round)
			typ := protocol.NotifyBuildingIdle
			if worked {
				typ = protocol.NotifyBuildingWorked
			}
			fields["player"] = id
			fields["building"] = b
			s.direct(id, "", protocol.Notify(typ, fields))
		}
	}
}

func (s *Session) applyYield(p *Player, y *catalogs.YieldDef, round *investmentRound) (protocol.Target, bool) {
	fields := protocol.Target{}
	if y.ActionPoints > 0 {
		p.ActionPoints += y.ActionPoints
		if y.MarksExchange {
			round.exchangeUsed[p.ID] = true
		}
		fields["action_points"] = y.ActionPoints
	}
	if y.Resource == "" || y.Amount <= 0 {
		return fields, true
	}

	switch y.Source {
	case catalogs.SourceMarket:
		got := 0
		for got < y.Amount && s.st.Market.RemoveFirst(y.Resource) {
			got++
		}
		if got == 0 {
			return fields, false
		}
		p.Resources[y.Resource] += got
		fields["resource"] = y.Resource
		fields["amount"] = got
	case catalogs.SourceDeck:
		if s.st.Deck.Count(y.Resource) < y.Amount {
			return fields, false
		}
		for i := 0; i < y.Amount; i++ {
			s.st.Deck.Remove(y.Resource)
		}
		p.Resources[y.Resource] += y.Amount
		fields["resource"] = y.Resource
		fields["amount"] = y.Amount
	default:
		return fields, false
	}
	return fields, true
}

// checkMarket runs the pre-checks that precede every investment action.
func (s *Session) checkMarket() {
	m := s.st.Market
	if m.Len() > 0 && m.Distinct() == 1 {
		cards := m.Clear()
		s.st.Deck.Return(cards...)
		s.broadcast(protocol.Error(protocol.ErrorMarket, protocol.Target{
			"epoch":    s.st.Epoch,
			"returned": len(cards),
		}))
	}
	if m.Len() > 0 || s.st.Deck.Len() == 0 {
		return
	}
	s.broadcast(protocol.Error(protocol.ErrorMarketEmpty, protocol.Target{"epoch": s.st.Epoch}))
	cost := s.cfg.Tuning.ExploreCost
	for _, id := range s.st.Order {
		p := s.st.Players[id]
		if p.ActionPoints < cost || p.ActionPoints <= 0 {
			continue
		}
		p.ActionPoints -= cost
		m.Add(s.st.Deck.Draw(s.cfg.Tuning.MarketEmptyDraw)...)
	}
}

func (s *Session) handleInvestment(p *Player, act protocol.InvestmentAction, round *investmentRound) {
	fields, reason := s.applyInvestment(p, act, round)
	if reason != 0 {
		s.direct(p.ID, protocol.KindInvestment, protocol.Error(protocol.ErrorInvestment, protocol.Target{
			"player": p.ID,
			"action": act.Tag(),
			"reason": int(reason),
			"code":   protocol.InvestmentCode(reason),
		}))
		return
	}
	if fields == nil {
		fields = protocol.Target{}
	}
	fields["player"] = p.ID
	fields["action"] = act.Tag()
	fields["action_points"] = p.ActionPoints
	s.direct(p.ID, protocol.KindInvestment, protocol.Notify(protocol.NotifyInvestmentOK, fields))
}

// applyInvestment validates and applies one action. A non-zero reason means
// nothing was changed.
func (s *Session) applyInvestment(p *Player, act protocol.InvestmentAction, round *investmentRound) (protocol.Target, protocol.Reason) {
	t := s.cfg.Tuning
	switch a := act.(type) {
	case protocol.Explore:
		if p.ActionPoints < t.ExploreCost || s.st.Deck.Len() == 0 {
			return nil, protocol.ReasonInsufficient
		}
		p.ActionPoints -= t.ExploreCost
		cards := s.st.Deck.Draw(t.ExploreDraw)
		s.st.Market.Add(cards...)
		return protocol.Target{"drawn": cards}, 0

	case protocol.Exchange:
		if round.exchangeUsed[p.ID] {
			return nil, protocol.ReasonAlreadyUsed
		}
		if p.Resources["food"] < t.Exchange.FoodCost {
			return nil, protocol.ReasonInsufficient
		}
		p.Resources["food"] -= t.Exchange.FoodCost
		s.st.Deck.Return(repeat("food", t.Exchange.FoodCost)...)
		p.ActionPoints += t.Exchange.ActionPoints
		round.exchangeUsed[p.ID] = true
		return nil, 0

	case protocol.Build:
		return s.build(p, a.Building)

	case protocol.OpenCrate:
		return s.openCrate(p)

	case protocol.BankDeposit:
		return s.bankDeposit(p, a)

	case protocol.Mine:
		return s.mine(p, a.Selections, round)

	case protocol.UsePickaxe:
		idx := s.findRole(p, catalogs.RolePickaxe)
		if idx < 0 {
			return nil, protocol.ReasonInsufficient
		}
		cards := s.st.Deck.Draw(1)
		if len(cards) == 0 {
			return nil, protocol.ReasonInsufficient
		}
		p.Resources[cards[0]]++
		p.RemoveBuilding(p.Buildings[idx], 1)
		return protocol.Target{"drawn": cards[0]}, 0

	case protocol.Done:
		round.done[p.ID] = true
		return nil, 0
	}
	return nil, protocol.ReasonUnknownTag
}

func (s *Session) build(p *Player, building string) (protocol.Target, protocol.Reason) {
	t := s.cfg.Tuning
	def, ok := s.cfg.Catalogs.Buildings.ByID[building]
	if !ok {
		return nil, protocol.ReasonUnknownName
	}
	if p.ActionPoints < t.BuildCost {
		return nil, protocol.ReasonInsufficient
	}
	for name, n := range def.Recipe.Buildings {
		if p.CountBuilding(name) < n {
			return nil, protocol.ReasonInsufficient
		}
	}
	price := s.recipePrice(def.Recipe)
	pay, ok := solver.Best(p.Resources, s.st.Values, price, t.ReservedPrefix)
	if !ok {
		return nil, protocol.ReasonInsufficient
	}

	p.ActionPoints -= t.BuildCost
	s.st.Deck.Return(p.pay(pay.Combination)...)
	for _, name := range s.cfg.Catalogs.Buildings.Order {
		p.RemoveBuilding(name, def.Recipe.Buildings[name])
	}
	p.Buildings = append(p.Buildings, building)
	return protocol.Target{"building": building, "paid": pay.Combination, "price": price}, 0
}

// recipePrice values the resource part of a recipe at current prices.
func (s *Session) recipePrice(r catalogs.Recipe) int {
	total := 0
	for name, q := range r.Resources {
		total += s.st.Values[name] * q
	}
	return total
}

func (s *Session) openCrate(p *Player) (protocol.Target, protocol.Reason) {
	c := s.cfg.Tuning.Crate
	if p.ActionPoints < c.ActionPointCost || p.Resources["ore"] < c.OreCost {
		return nil, protocol.ReasonInsufficient
	}
	p.ActionPoints -= c.ActionPointCost
	p.Resources["ore"] -= c.OreCost
	s.st.Deck.Return(repeat("ore", c.OreCost)...)

	award := s.drawCrate()
	if award != "" && s.st.Deck.Remove(award) {
		p.Resources[award]++
	} else {
		award = ""
	}
	return protocol.Target{"award": award}, 0
}

func (s *Session) drawCrate() string {
	crate := s.cfg.Catalogs.Crate
	if crate.Total <= 0 {
		return ""
	}
	roll := s.rng.IntN(crate.Total)
	for _, o := range crate.Outcomes {
		if roll < o.Weight {
			return o.Award
		}
		roll -= o.Weight
	}
	return ""
}

func (s *Session) bankDeposit(p *Player, a protocol.BankDeposit) (protocol.Target, protocol.Reason) {
	if s.findRole(p, catalogs.RoleBank) < 0 {
		return nil, protocol.ReasonInsufficient
	}
	if !s.cfg.Catalogs.IsResource(a.Item) {
		return nil, protocol.ReasonUnknownName
	}
	if a.Qty < 1 {
		return nil, protocol.ReasonBadIndex
	}
	if p.Resources[a.Item] < a.Qty {
		return nil, protocol.ReasonInsufficient
	}
	p.Resources[a.Item] -= a.Qty
	p.Bank += a.Qty * s.st.Values[a.Item]
	s.st.Deck.Return(repeat(a.Item, a.Qty)...)
	return protocol.Target{"item": a.Item, "qty": a.Qty, "bank": p.Bank}, 0
}

func (s *Session) mine(p *Player, sel []int, round *investmentRound) (protocol.Target, protocol.Reason) {
	building, def, reason := s.pickMiner(p, round)
	if reason != 0 {
		return nil, reason
	}
	if len(sel) == 0 {
		return nil, protocol.ReasonBadIndex
	}
	if len(sel) > def.Cap {
		return nil, protocol.ReasonOverCap
	}
	if err := s.st.Market.ValidateIndices(sel); err != nil {
		return nil, protocol.ReasonBadIndex
	}
	for _, i := range sel {
		card, _ := s.st.Market.At(i)
		if !s.cfg.Catalogs.Resources.ByID[card].Mineable {
			return nil, protocol.ReasonBadIndex
		}
	}

	cards, err := s.st.Market.TakeIndices(sel)
	if err != nil {
		return nil, protocol.ReasonBadIndex
	}
	for _, c := range cards {
		p.Resources[c]++
	}
	if def.Consumed {
		p.RemoveBuilding(building, 1)
	}
	if def.OncePerPhase {
		round.advMined[p.ID] = true
	}
	return protocol.Target{"building": building, "mined": cards}, 0
}

// pickMiner prefers a consumable miner and falls back to a reusable one that
// has not worked this phase.
func (s *Session) pickMiner(p *Player, round *investmentRound) (string, *catalogs.MineDef, protocol.Reason) {
	var reusable string
	var reusableDef *catalogs.MineDef
	for _, b := range p.Buildings {
		def, ok := s.cfg.Catalogs.Buildings.ByID[b]
		if !ok || def.Mine == nil {
			continue
		}
		if !def.Mine.OncePerPhase {
			return b, def.Mine, 0
		}
		if reusable == "" {
			reusable, reusableDef = b, def.Mine
		}
	}
	if reusable == "" {
		return "", nil, protocol.ReasonInsufficient
	}
	if round.advMined[p.ID] {
		return "", nil, protocol.ReasonAlreadyUsed
	}
	return reusable, reusableDef, 0
}

// findRole returns the index of the first building with role, or -1.
func (s *Session) findRole(p *Player, role string) int {
	for i, b := range p.Buildings {
		if s.cfg.Catalogs.Buildings.ByID[b].Role == role {
			return i
		}
	}
	return -1
}
