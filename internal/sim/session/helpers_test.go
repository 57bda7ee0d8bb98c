package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"resourceisland/internal/protocol"
	"resourceisland/internal/sim/catalogs"
	"resourceisland/internal/sim/tuning"
)

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatalf("could not find repo root from %s", dir)
		}
		dir = parent
	}
}

const timeoutShort = time.Second

var testCatalogs *catalogs.Catalogs

func loadTestCatalogs(t *testing.T) *catalogs.Catalogs {
	t.Helper()
	if testCatalogs != nil {
		return testCatalogs
	}
	cats, err := catalogs.Load(filepath.Join(findRepoRoot(t), "configs"))
	if err != nil {
		t.Fatalf("load catalogs: %v", err)
	}
	testCatalogs = cats
	return cats
}

func newTestSession(t *testing.T, tune func(*tuning.Tuning)) *Session {
	t.Helper()
	tu := tuning.Defaults()
	tu.LobbyTimeoutMs = 0
	if tune != nil {
		tune(&tu)
	}
	s, err := New(Config{ID: "test", Tuning: tu, Catalogs: loadTestCatalogs(t), Seed: 42})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return s
}

// seat adds a started player directly, bypassing the loop.
func seat(s *Session, id string, ap int, res map[string]int, buildings ...string) *Player {
	p := newPlayer(id, s.cfg.Catalogs.Resources.Order)
	p.ActionPoints = ap
	for k, v := range res {
		p.Resources[k] = v
	}
	p.Buildings = append(p.Buildings, buildings...)
	s.st.Players[id] = p
	s.st.Order = append(s.st.Order, id)
	s.st.Started = true
	return p
}

type wireMsg struct {
	Kind   string         `json:"kind"`
	Target map[string]any `json:"target"`
}

func (m wireMsg) typ() string {
	s, _ := m.Target["type"].(string)
	return s
}

func (m wireMsg) num(key string) int {
	f, _ := m.Target[key].(float64)
	return int(f)
}

// waitMsg reads out until a message of typ satisfying match arrives.
func waitMsg(t *testing.T, out <-chan []byte, typ string, match func(wireMsg) bool, timeout time.Duration) wireMsg {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case <-deadline:
			t.Fatalf("timeout waiting %s", typ)
		case b := <-out:
			var m wireMsg
			if err := json.Unmarshal(b, &m); err != nil {
				continue
			}
			if m.typ() != typ {
				continue
			}
			if match == nil || match(m) {
				return m
			}
		}
	}
}

func waitPhase(t *testing.T, out <-chan []byte, epoch int, ph Phase) {
	t.Helper()
	waitMsg(t, out, protocol.NotifyPhaseChanged, func(m wireMsg) bool {
		return m.num("epoch") == epoch && m.num("phase") == int(ph)
	}, 5*time.Second)
}

func envelope(kind protocol.ActionKind, payload string) protocol.ActionEnvelope {
	return protocol.ActionEnvelope{Type: kind, Payload: json.RawMessage(payload)}
}

func playerView(t *testing.T, s *Session, id string) PlayerView {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, ok, err := s.Player(ctx, id)
	if err != nil || !ok {
		t.Fatalf("player %s: ok=%v err=%v", id, ok, err)
	}
	return v
}

func reasonOf(n protocol.Notification) int {
	r, _ := n.Target["reason"].(int)
	return r
}

type allowToken string

func (a allowToken) VerifyAdmin(tok string) error {
	if tok != string(a) {
		return os.ErrPermission
	}
	return nil
}
