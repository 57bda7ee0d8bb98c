package session

import (
	"errors"
	"sort"
	"sync"

	"resourceisland/internal/protocol"
)

var ErrSlotBusy = errors.New("a decision of this kind is already pending")

// Submission is one decoded decision waiting for the scheduler.
type Submission struct {
	Player     string
	Kind       protocol.ActionKind
	Investment protocol.InvestmentAction
	Bid        protocol.Bid
	Want       protocol.Want

	seq uint64
}

type routeKey struct {
	player string
	kind   protocol.ActionKind
}

// Router holds at most one unconsumed submission per (player, kind). Handlers
// write, the session loop reads; neither side ever blocks.
type Router struct {
	mu    sync.Mutex
	slots map[routeKey]chan Submission
	seq   uint64

	ready chan struct{}
}

func NewRouter() *Router {
	return &Router{
		slots: map[routeKey]chan Submission{},
		ready: make(chan struct{}, 1),
	}
}

func (r *Router) slot(k routeKey) chan Submission {
	ch := r.slots[k]
	if ch == nil {
		ch = make(chan Submission, 1)
		r.slots[k] = ch
	}
	return ch
}

func (r *Router) Submit(sub Submission) error {
	r.mu.Lock()
	r.seq++
	sub.seq = r.seq
	ch := r.slot(routeKey{player: sub.Player, kind: sub.Kind})
	r.mu.Unlock()

	select {
	case ch <- sub:
	default:
		return ErrSlotBusy
	}
	select {
	case r.ready <- struct{}{}:
	default:
	}
	return nil
}

// Ready fires after a submission lands. One pulse may cover several.
func (r *Router) Ready() <-chan struct{} { return r.ready }

func (r *Router) Take(player string, kind protocol.ActionKind) (Submission, bool) {
	r.mu.Lock()
	ch := r.slots[routeKey{player: player, kind: kind}]
	r.mu.Unlock()
	if ch == nil {
		return Submission{}, false
	}
	select {
	case sub := <-ch:
		return sub, true
	default:
		return Submission{}, false
	}
}

// TakeAll collects the pending submissions of kind from players, in arrival
// order.
func (r *Router) TakeAll(kind protocol.ActionKind, players []string) []Submission {
	var out []Submission
	for _, p := range players {
		if sub, ok := r.Take(p, kind); ok {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Drain discards every pending submission of kind and returns them.
func (r *Router) Drain(kind protocol.ActionKind) []Submission {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Submission
	for k, ch := range r.slots {
		if k.kind != kind {
			continue
		}
		select {
		case sub := <-ch:
			out = append(out, sub)
		default:
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Forget drops every slot of player.
func (r *Router) Forget(player string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.slots {
		if k.player == player {
			delete(r.slots, k)
		}
	}
}

func (r *Router) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ch := range r.slots {
		n += len(ch)
	}
	return n
}
