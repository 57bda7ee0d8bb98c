package session

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"resourceisland/internal/protocol"
)

// Mirror receives a copy of every encoded envelope. Implemented in
// internal/transport/natsbus.
type Mirror interface {
	PublishBroadcast(sessionID string, b []byte)
	PublishDirect(sessionID, player string, b []byte)
}

type outlet struct {
	out  chan []byte
	done chan struct{}
}

// Gateway fans notifications out to player channels. Writes never block the
// session loop. A player whose channel is full is detached; the transport
// closes the connection and the session treats it as a leave.
type Gateway struct {
	sessionID string
	mirror    Mirror

	mu      sync.Mutex
	outlets map[string]*outlet
	waiters map[routeKey][]chan protocol.Notification

	sent    atomic.Uint64
	dropped atomic.Uint64
}

func NewGateway(sessionID string, mirror Mirror) *Gateway {
	return &Gateway{
		sessionID: sessionID,
		mirror:    mirror,
		outlets:   map[string]*outlet{},
		waiters:   map[routeKey][]chan protocol.Notification{},
	}
}

// Attach registers a player channel. out may be nil for polling clients. The
// returned channel closes when the player is detached.
func (g *Gateway) Attach(player string, out chan []byte) <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	if old := g.outlets[player]; old != nil {
		close(old.done)
	}
	o := &outlet{out: out, done: make(chan struct{})}
	g.outlets[player] = o
	return o.done
}

func (g *Gateway) Detach(player string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.detachLocked(player)
}

func (g *Gateway) DetachAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id := range g.outlets {
		g.detachLocked(id)
	}
	for k := range g.waiters {
		g.closeWaitersLocked(k)
	}
}

func (g *Gateway) detachLocked(player string) {
	if o := g.outlets[player]; o != nil {
		close(o.done)
		delete(g.outlets, player)
	}
	for k := range g.waiters {
		if k.player == player {
			g.closeWaitersLocked(k)
		}
	}
}

func (g *Gateway) closeWaitersLocked(k routeKey) {
	for _, ch := range g.waiters[k] {
		close(ch)
	}
	delete(g.waiters, k)
}

func (g *Gateway) Attached(player string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.outlets[player]
	return ok
}

// Broadcast sends n to every attached player.
func (g *Gateway) Broadcast(n protocol.Notification) {
	b, err := json.Marshal(n)
	if err != nil {
		return
	}
	g.mu.Lock()
	var slow []string
	for id, o := range g.outlets {
		if !g.push(o, b) {
			slow = append(slow, id)
		}
	}
	for _, id := range slow {
		g.detachLocked(id)
	}
	g.mu.Unlock()
	if g.mirror != nil {
		g.mirror.PublishBroadcast(g.sessionID, b)
	}
}

// Direct sends n to one player. A non-empty kind marks n as the reply to that
// player's last submission of kind and resolves any waiter for it.
func (g *Gateway) Direct(player string, kind protocol.ActionKind, n protocol.Notification) {
	b, err := json.Marshal(n)
	if err != nil {
		return
	}
	g.mu.Lock()
	slow := false
	if o := g.outlets[player]; o != nil {
		slow = !g.push(o, b)
	}
	if kind != "" {
		k := routeKey{player: player, kind: kind}
		for _, ch := range g.waiters[k] {
			select {
			case ch <- n:
			default:
			}
		}
		delete(g.waiters, k)
	}
	if slow {
		g.detachLocked(player)
	}
	g.mu.Unlock()
	if g.mirror != nil {
		g.mirror.PublishDirect(g.sessionID, player, b)
	}
}

// Await registers for the next reply correlated to (player, kind). The
// channel is closed without a value if the player is detached first.
func (g *Gateway) Await(player string, kind protocol.ActionKind) (<-chan protocol.Notification, func()) {
	ch := make(chan protocol.Notification, 1)
	k := routeKey{player: player, kind: kind}
	g.mu.Lock()
	g.waiters[k] = append(g.waiters[k], ch)
	g.mu.Unlock()

	cancel := func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		list := g.waiters[k]
		for i, c := range list {
			if c == ch {
				g.waiters[k] = append(list[:i], list[i+1:]...)
				if len(g.waiters[k]) == 0 {
					delete(g.waiters, k)
				}
				return
			}
		}
	}
	return ch, cancel
}

// Stats reports queued frames and frames lost to slow players.
func (g *Gateway) Stats() (sent, dropped uint64) {
	return g.sent.Load(), g.dropped.Load()
}

// push reports false when o is full. The frame is not queued.
func (g *Gateway) push(o *outlet, b []byte) bool {
	if o.out == nil {
		return true
	}
	select {
	case o.out <- b:
		g.sent.Add(1)
		return true
	default:
		g.dropped.Add(1)
		return false
	}
}
