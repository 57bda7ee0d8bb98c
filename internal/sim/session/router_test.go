package session

import (
	"errors"
	"testing"
	"time"

	"resourceisland/internal/protocol"
)

func TestRouter_OneSlotPerPlayerAndKind(t *testing.T) {
	r := NewRouter()
	if err := r.Submit(Submission{Player: "a", Kind: protocol.KindBidding, Bid: protocol.Bid{Amount: 1}}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := r.Submit(Submission{Player: "a", Kind: protocol.KindBidding}); !errors.Is(err, ErrSlotBusy) {
		t.Fatalf("second submit err=%v", err)
	}
	if err := r.Submit(Submission{Player: "a", Kind: protocol.KindInvestment, Investment: protocol.Done{}}); err != nil {
		t.Fatalf("other kind: %v", err)
	}
	if err := r.Submit(Submission{Player: "b", Kind: protocol.KindBidding}); err != nil {
		t.Fatalf("other player: %v", err)
	}
	if r.Pending() != 3 {
		t.Fatalf("pending=%d", r.Pending())
	}

	select {
	case <-r.Ready():
	default:
		t.Fatalf("expected ready pulse")
	}

	sub, ok := r.Take("a", protocol.KindBidding)
	if !ok || sub.Bid.Amount != 1 {
		t.Fatalf("take=%+v ok=%v", sub, ok)
	}
	if _, ok := r.Take("a", protocol.KindBidding); ok {
		t.Fatalf("slot should be empty")
	}
	if err := r.Submit(Submission{Player: "a", Kind: protocol.KindBidding}); err != nil {
		t.Fatalf("resubmit after take: %v", err)
	}
}

func TestRouter_TakeAllKeepsArrivalOrder(t *testing.T) {
	r := NewRouter()
	for _, p := range []string{"c", "a", "b"} {
		if err := r.Submit(Submission{Player: p, Kind: protocol.KindInvestment, Investment: protocol.Explore{}}); err != nil {
			t.Fatalf("submit %s: %v", p, err)
		}
	}
	got := r.TakeAll(protocol.KindInvestment, []string{"a", "b", "c"})
	if len(got) != 3 || got[0].Player != "c" || got[1].Player != "a" || got[2].Player != "b" {
		t.Fatalf("order=%+v", got)
	}
}

func TestRouter_DrainAndForget(t *testing.T) {
	r := NewRouter()
	_ = r.Submit(Submission{Player: "a", Kind: protocol.KindBidding})
	_ = r.Submit(Submission{Player: "b", Kind: protocol.KindBidding})
	_ = r.Submit(Submission{Player: "a", Kind: protocol.KindBiddingWant})

	if got := r.Drain(protocol.KindBidding); len(got) != 2 {
		t.Fatalf("drained=%d", len(got))
	}
	if r.Pending() != 1 {
		t.Fatalf("pending=%d", r.Pending())
	}
	r.Forget("a")
	if r.Pending() != 0 {
		t.Fatalf("pending after forget=%d", r.Pending())
	}
}

func TestGateway_DirectResolvesWaiter(t *testing.T) {
	g := NewGateway("s", nil)
	out := make(chan []byte, 4)
	done := g.Attach("a", out)

	ch, cancel := g.Await("a", protocol.KindInvestment)
	defer cancel()

	g.Direct("a", "", protocol.Notify(protocol.NotifyDataRequired, nil))
	select {
	case n := <-ch:
		t.Fatalf("uncorrelated message resolved waiter: %v", n)
	default:
	}

	g.Direct("a", protocol.KindInvestment, protocol.Notify(protocol.NotifyInvestmentOK, protocol.Target{"player": "a"}))
	select {
	case n := <-ch:
		if n.Type() != protocol.NotifyInvestmentOK {
			t.Fatalf("got %s", n.Type())
		}
	case <-time.After(time.Second):
		t.Fatalf("waiter not resolved")
	}
	if len(out) != 2 {
		t.Fatalf("out=%d want 2", len(out))
	}

	g.Detach("a")
	select {
	case <-done:
	default:
		t.Fatalf("done not closed on detach")
	}
}

func TestGateway_DetachClosesWaiters(t *testing.T) {
	g := NewGateway("s", nil)
	g.Attach("a", nil)
	ch, cancel := g.Await("a", protocol.KindBidding)
	defer cancel()
	g.Detach("a")
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed waiter")
	}
}

func TestGateway_FullChannelDetachesPlayer(t *testing.T) {
	g := NewGateway("s", nil)
	slowOut := make(chan []byte, 1)
	slowDone := g.Attach("slow", slowOut)
	fastOut := make(chan []byte, 4)
	g.Attach("fast", fastOut)

	g.Broadcast(protocol.Notify("first", nil))
	g.Broadcast(protocol.Notify("second", nil))

	select {
	case <-slowDone:
	default:
		t.Fatalf("slow player still attached")
	}
	if g.Attached("slow") || !g.Attached("fast") {
		t.Fatalf("attached slow=%v fast=%v", g.Attached("slow"), g.Attached("fast"))
	}
	// The frame already queued is kept for the transport to flush.
	if b := <-slowOut; string(b) != `{"kind":"notify","target":{"type":"first"}}` {
		t.Fatalf("slow got %s", b)
	}
	if len(fastOut) != 2 {
		t.Fatalf("fast out=%d want 2", len(fastOut))
	}
	if sent, dropped := g.Stats(); sent != 3 || dropped != 1 {
		t.Fatalf("sent=%d dropped=%d", sent, dropped)
	}

	g.Broadcast(protocol.Notify("third", nil))
	if len(slowOut) != 0 {
		t.Fatalf("detached player still receiving")
	}
}

func TestGateway_FullChannelStillResolvesReply(t *testing.T) {
	g := NewGateway("s", nil)
	out := make(chan []byte, 1)
	done := g.Attach("a", out)
	ch, cancel := g.Await("a", protocol.KindBidding)
	defer cancel()

	g.Direct("a", "", protocol.Notify(protocol.NotifyDataRequired, nil))
	g.Direct("a", protocol.KindBidding, protocol.Notify(protocol.NotifyBiddingOK, nil))

	select {
	case n, ok := <-ch:
		if !ok || n.Type() != protocol.NotifyBiddingOK {
			t.Fatalf("reply ok=%v type=%s", ok, n.Type())
		}
	case <-time.After(time.Second):
		t.Fatalf("waiter not resolved")
	}
	select {
	case <-done:
	default:
		t.Fatalf("slow player still attached")
	}
}

type recordingMirror struct {
	broadcasts int
	directs    map[string]int
}

func (m *recordingMirror) PublishBroadcast(string, []byte) { m.broadcasts++ }
func (m *recordingMirror) PublishDirect(_ string, player string, _ []byte) {
	if m.directs == nil {
		m.directs = map[string]int{}
	}
	m.directs[player]++
}

func TestGateway_Mirror(t *testing.T) {
	m := &recordingMirror{}
	g := NewGateway("s", m)
	g.Broadcast(protocol.Notify(protocol.NotifyGameStart, nil))
	g.Direct("a", "", protocol.Notify(protocol.NotifyWelcome, nil))
	if m.broadcasts != 1 || m.directs["a"] != 1 {
		t.Fatalf("mirror=%+v", m)
	}
}
