package session

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"

	"resourceisland/internal/sim/catalogs"
	"resourceisland/internal/sim/market"
)

// Phase is the wire tag of a scheduler phase.
type Phase int

const (
	PhaseLobby              Phase = 0
	PhaseInvestment         Phase = 1
	PhaseBidding            Phase = 2
	PhaseBiddingFulfillment Phase = -2
	PhaseValueUpdate        Phase = 3
	PhaseEventCard          Phase = 4
)

func (p Phase) String() string {
	switch p {
	case PhaseLobby:
		return "lobby"
	case PhaseInvestment:
		return "investment"
	case PhaseBidding:
		return "bidding"
	case PhaseBiddingFulfillment:
		return "bidding_fulfillment"
	case PhaseValueUpdate:
		return "value_update"
	case PhaseEventCard:
		return "event_card"
	}
	return "unknown"
}

// State is the aggregate owned by the session loop.
type State struct {
	Players map[string]*Player
	// Order is join order; it breaks ties everywhere players are ranked.
	Order []string

	Market *market.Market
	Deck   *market.Deck
	Values map[string]int

	Epoch    int
	Phase    Phase
	Started  bool
	Finished bool

	// Taken counts this epoch's fulfillment takes per resource. It is cleared
	// at the end of every value update step, whether or not prices move.
	Taken map[string]int

	events         []catalogs.EventDef
	immunityStruck bool
}

func (st *State) active(id string) (*Player, bool) {
	p, ok := st.Players[id]
	return p, ok
}

func (st *State) removePlayer(id string) {
	delete(st.Players, id)
	for i, x := range st.Order {
		if x == id {
			st.Order = append(st.Order[:i], st.Order[i+1:]...)
			return
		}
	}
}

func (st *State) resetTaken() {
	for k := range st.Taken {
		st.Taken[k] = 0
	}
}

// StateView is the public session snapshot.
type StateView struct {
	SessionID string         `json:"session_id"`
	Market    []string       `json:"market"`
	Epoch     int            `json:"epoch"`
	Phase     Phase          `json:"phase"`
	PhaseName string         `json:"phase_name"`
	Players   []string       `json:"players"`
	Values    map[string]int `json:"values"`
	Started   bool           `json:"started"`
	Finished  bool           `json:"finished"`
	Deck      int            `json:"deck"`
	Scores    []Score        `json:"scores,omitempty"`
}

func (s *Session) view() StateView {
	st := s.st
	values := make(map[string]int, len(st.Values))
	for k, v := range st.Values {
		values[k] = v
	}
	return StateView{
		SessionID: s.cfg.ID,
		Market:    st.Market.Items(),
		Epoch:     st.Epoch,
		Phase:     st.Phase,
		PhaseName: st.Phase.String(),
		Players:   append([]string{}, st.Order...),
		Values:    values,
		Started:   st.Started,
		Finished:  st.Finished,
		Deck:      st.Deck.Len(),
		Scores:    s.scores,
	}
}

// digest hashes everything a replay needs to agree on.
func (st *State) digest() string {
	h := sha256.New()
	var tmp [8]byte
	writeI64 := func(v int64) {
		binary.LittleEndian.PutUint64(tmp[:], uint64(v))
		h.Write(tmp[:])
	}
	writeMap := func(m map[string]int) {
		keys := make([]string, 0, len(m))
		for k, v := range m {
			if v != 0 {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		writeI64(int64(len(keys)))
		for _, k := range keys {
			h.Write([]byte(k))
			writeI64(int64(m[k]))
		}
	}

	writeI64(int64(st.Epoch))
	writeI64(int64(st.Phase))
	items := st.Market.Items()
	writeI64(int64(len(items)))
	for _, c := range items {
		h.Write([]byte(c))
		h.Write([]byte{0})
	}
	writeI64(int64(st.Deck.Len()))
	writeMap(st.Values)
	for _, id := range st.Order {
		p := st.Players[id]
		h.Write([]byte(id))
		writeI64(int64(p.ActionPoints))
		writeI64(int64(p.Bank))
		writeMap(p.Resources)
		for _, b := range p.Buildings {
			h.Write([]byte(b))
			h.Write([]byte{0})
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
