package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"

	"github.com/gorilla/websocket"

	"resourceisland/internal/protocol"
)

// policy plays the simplest legal game: explore once, pass, bid a fixed
// amount and take the first market item while allowed.
type policy struct {
	bid int

	epoch    int
	explored bool
	passed   bool
}

type frame struct {
	Kind   string         `json:"kind"`
	Target map[string]any `json:"target"`
}

func (f frame) typ() string {
	s, _ := f.Target["type"].(string)
	return s
}

func (f frame) num(key string) int {
	n, _ := f.Target[key].(float64)
	return int(n)
}

func action(kind protocol.ActionKind, payload any) protocol.ActionEnvelope {
	b, _ := json.Marshal(payload)
	return protocol.ActionEnvelope{Type: kind, Payload: b}
}

// next returns the envelopes to send in reply to f.
func (p *policy) next(f frame) []protocol.ActionEnvelope {
	switch f.typ() {
	case protocol.NotifyDataRequired:
		switch f.num("phase") {
		case 1:
			p.epoch = f.num("epoch")
			p.explored, p.passed = true, false
			return []protocol.ActionEnvelope{action(protocol.KindInvestment, map[string]string{"action": protocol.ActExplore})}
		case 2:
			return []protocol.ActionEnvelope{action(protocol.KindBidding, map[string]int{"bid": p.bid})}
		case -2:
			if market, _ := f.Target["market"].([]any); len(market) == 0 {
				return []protocol.ActionEnvelope{action(protocol.KindBiddingWant, map[string]bool{"done": true})}
			}
			return []protocol.ActionEnvelope{action(protocol.KindBiddingWant, map[string]int{"index": 0})}
		}
	case protocol.NotifyInvestmentOK, protocol.ErrorInvestment:
		if p.explored && !p.passed {
			p.passed = true
			return []protocol.ActionEnvelope{action(protocol.KindInvestment, map[string]string{"action": protocol.ActDone})}
		}
	case protocol.ErrorBidding:
		if f.Target["action"] == string(protocol.KindBiddingWant) {
			return []protocol.ActionEnvelope{action(protocol.KindBiddingWant, map[string]bool{"done": true})}
		}
		return []protocol.ActionEnvelope{action(protocol.KindBidding, map[string]int{"bid": 0})}
	}
	return nil
}

func main() {
	var (
		url       = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name      = flag.String("name", "bot", "player name")
		sessionID = flag.String("session", "", "session id (default session when empty)")
		bid       = flag.Int("bid", 1, "bid placed every epoch")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		SessionID:       *sessionID,
		Player:          *name,
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send hello: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	go func() {
		<-stop
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		_ = conn.Close()
	}()

	p := &policy{bid: *bid}
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			logger.Printf("closed: %v", err)
			return
		}
		var f frame
		if err := json.Unmarshal(msg, &f); err != nil {
			continue
		}
		switch f.typ() {
		case protocol.NotifyWelcome:
			logger.Printf("welcome session=%v players=%v", f.Target["session_id"], f.Target["players"])
		case protocol.NotifyGameStart:
			logger.Printf("game start players=%v", f.Target["players"])
		case protocol.NotifyGameOver:
			logger.Printf("game over reason=%v ranking=%v", f.Target["reason"], f.Target["ranking"])
		case protocol.ErrorJoinRejected:
			logger.Printf("join rejected: %v", f.Target["reason"])
			return
		}
		for _, env := range p.next(f) {
			if err := conn.WriteJSON(env); err != nil {
				logger.Printf("send: %v", err)
				return
			}
		}
	}
}
