package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"resourceisland/internal/auth"
	"resourceisland/internal/protocol"
	"resourceisland/internal/sim/catalogs"
	"resourceisland/internal/sim/multisession"
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

type testEnv struct {
	url string
	h   http.Handler
	m   *multisession.Manager
	v   *auth.Verifier
}

func newEnv(t *testing.T, mut func(*Config)) testEnv {
	t.Helper()
	cats, err := catalogs.Load(filepath.Join(findRepoRoot(t), "configs"))
	if err != nil {
		t.Fatalf("catalogs: %v", err)
	}
	v, err := auth.NewVerifier("test-secret")
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	tu := tuning.Defaults()
	tu.StartPlayers = 2
	tu.LobbyTimeoutMs = 0
	tu.DecisionTimeoutMs = 10_000
	m, err := multisession.NewManager(multisession.Config{
		Tuning:    tu,
		Catalogs:  cats,
		DefaultID: "main",
		Verifier:  v,
		SeedFn:    func(string) uint64 { return 3 },
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	t.Cleanup(m.Close)

	cfg := Config{Sessions: m, EnableAdmin: true, SubmitWait: 5 * time.Second}
	if mut != nil {
		mut(&cfg)
	}
	h := New(cfg).Handler()
	hs := httptest.NewServer(h)
	t.Cleanup(hs.Close)
	return testEnv{url: hs.URL, h: h, m: m, v: v}
}

func do(t *testing.T, method, url, body string, hdr map[string]string) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b
}

type frame struct {
	Kind   string         `json:"kind"`
	Target map[string]any `json:"target"`
}

func decodeFrame(t *testing.T, b []byte) frame {
	t.Helper()
	var f frame
	if err := json.Unmarshal(b, &f); err != nil {
		t.Fatalf("decode %s: %v", b, err)
	}
	return f
}

func TestHTTP_HealthAndMetrics(t *testing.T) {
	env := newEnv(t, func(c *Config) {
		c.ExtraMetrics = func(w io.Writer) { _, _ = io.WriteString(w, "island_extra 1\n") }
	})
	if code, b := do(t, http.MethodGet, env.url+"/healthz", "", nil); code != http.StatusOK || string(b) != "ok" {
		t.Fatalf("healthz=%d %q", code, b)
	}
	code, b := do(t, http.MethodGet, env.url+"/metrics", "", nil)
	if code != http.StatusOK {
		t.Fatalf("metrics=%d", code)
	}
	for _, want := range []string{
		`island_sessions{state="live"} 1`,
		`island_session_players{session="main"} 0`,
		"island_extra 1",
	} {
		if !bytes.Contains(b, []byte(want)) {
			t.Fatalf("metrics missing %q:\n%s", want, b)
		}
	}
}

func TestHTTP_CreateListAndState(t *testing.T) {
	env := newEnv(t, nil)

	code, b := do(t, http.MethodPost, env.url+"/v1/sessions", `{"id":"side"}`, nil)
	if code != http.StatusCreated || !bytes.Contains(b, []byte(`"id":"side"`)) {
		t.Fatalf("create=%d %s", code, b)
	}
	if code, _ := do(t, http.MethodPost, env.url+"/v1/sessions", `{"id":"side"}`, nil); code != http.StatusConflict {
		t.Fatalf("duplicate create=%d", code)
	}
	if code, _ := do(t, http.MethodPost, env.url+"/v1/sessions", `{"id":"a b"}`, nil); code != http.StatusBadRequest {
		t.Fatalf("bad id create=%d", code)
	}
	code, b = do(t, http.MethodPost, env.url+"/v1/sessions", "", nil)
	if code != http.StatusCreated {
		t.Fatalf("anonymous create=%d %s", code, b)
	}

	code, b = do(t, http.MethodGet, env.url+"/v1/sessions", "", nil)
	var list struct {
		Sessions []struct {
			ID string `json:"id"`
		} `json:"sessions"`
	}
	if err := json.Unmarshal(b, &list); err != nil || code != http.StatusOK || len(list.Sessions) != 3 {
		t.Fatalf("list=%d %s err=%v", code, b, err)
	}

	code, b = do(t, http.MethodGet, env.url+"/v1/sessions/side/state", "", nil)
	if code != http.StatusOK || !bytes.Contains(b, []byte(`"started":false`)) {
		t.Fatalf("state=%d %s", code, b)
	}
	if code, _ := do(t, http.MethodGet, env.url+"/v1/sessions/nope/state", "", nil); code != http.StatusNotFound {
		t.Fatalf("missing session state=%d", code)
	}
	if code, _ := do(t, http.MethodGet, env.url+"/playerinfo/ghost", "", nil); code != http.StatusNotFound {
		t.Fatalf("unknown player=%d", code)
	}
}

func TestHTTP_PollingPlay(t *testing.T) {
	env := newEnv(t, nil)

	code, b := do(t, http.MethodPost, env.url+"/v1/sessions/main/players/alice/join", "", nil)
	if f := decodeFrame(t, b); code != http.StatusOK || f.Target["type"] != protocol.NotifyWelcome {
		t.Fatalf("join=%d %s", code, b)
	}
	code, b = do(t, http.MethodPost, env.url+"/v1/sessions/main/players/alice/join", "", nil)
	if f := decodeFrame(t, b); code != http.StatusConflict || f.Target["reason"] != "duplicate" {
		t.Fatalf("rejoin=%d %s", code, b)
	}

	code, _ = do(t, http.MethodPost, env.url+"/submit/investment/alice/", `{"action":"explore"}`, nil)
	if code != http.StatusConflict {
		t.Fatalf("lobby submit=%d", code)
	}

	do(t, http.MethodPost, env.url+"/v1/sessions/main/players/bob/join", "", nil)

	// The first investment phase opens right after the second join.
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, b = do(t, http.MethodGet, env.url+"/game/state", "", nil)
		if bytes.Contains(b, []byte(`"started":true`)) && bytes.Contains(b, []byte(`"phase":1`)) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session never started: %s", b)
		}
		time.Sleep(10 * time.Millisecond)
	}

	code, b = do(t, http.MethodPost, env.url+"/submit/investment/alice/", `{"action":"explore"}`, nil)
	f := decodeFrame(t, b)
	if code != http.StatusOK || f.Target["type"] != protocol.NotifyInvestmentOK || f.Target["action_points"].(float64) != 2 {
		t.Fatalf("submit=%d %s", code, b)
	}

	code, b = do(t, http.MethodGet, env.url+"/playerinfo/alice", "", nil)
	if code != http.StatusOK || !bytes.Contains(b, []byte(`"action_points":2`)) {
		t.Fatalf("playerinfo=%d %s", code, b)
	}

	cases := []struct {
		path string
		body string
		want int
	}{
		{"/v1/sessions/main/submit/teleport/alice", `{}`, http.StatusBadRequest},
		{"/v1/sessions/main/submit/investment/alice", `{"action":`, http.StatusBadRequest},
		{"/v1/sessions/main/submit/investment/carol", `{"action":"explore"}`, http.StatusForbidden},
		{"/v1/sessions/nope/submit/investment/alice", `{"action":"explore"}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		if code, b := do(t, http.MethodPost, env.url+tc.path, tc.body, nil); code != tc.want {
			t.Fatalf("%s: code=%d want %d body=%s", tc.path, code, tc.want, b)
		}
	}
}

func TestHTTP_AdminCommands(t *testing.T) {
	env := newEnv(t, nil)
	do(t, http.MethodPost, env.url+"/v1/sessions/main/players/alice/join", "", nil)

	tok, err := env.v.Mint("ops", time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	bearer := map[string]string{"Authorization": "Bearer " + tok}
	path := env.url + "/admin/v1/sessions/main/commands"

	code, b := do(t, http.MethodPost, path, `{"verb":"grant","player":"alice","resource":"gold","amount":4}`, bearer)
	f := decodeFrame(t, b)
	if code != http.StatusOK || f.Target["type"] != protocol.NotifyCommandOK || f.Target["balance"].(float64) != 4 {
		t.Fatalf("grant=%d %s", code, b)
	}

	code, _ = do(t, http.MethodPost, path, `{"verb":"grant","player":"alice","resource":"gold","amount":1}`, nil)
	if code != http.StatusForbidden {
		t.Fatalf("no token=%d", code)
	}
	code, _ = do(t, http.MethodPost, path, `{"verb":"grant","player":"alice","resource":"unobtainium","amount":1}`, bearer)
	if code != http.StatusBadRequest {
		t.Fatalf("bad resource=%d", code)
	}

	stop := env.url + "/admin/v1/sessions/main/stop"
	if code, _ = do(t, http.MethodPost, stop, "", nil); code != http.StatusForbidden {
		t.Fatalf("stop without token=%d", code)
	}
	sess, err := env.m.Get("main")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess.Summary().Finished {
		t.Fatalf("session finished by an unauthenticated stop")
	}
	code, b = do(t, http.MethodPost, stop, "", bearer)
	if code != http.StatusOK || !bytes.Contains(b, []byte(`"finished":true`)) {
		t.Fatalf("stop=%d %s", code, b)
	}
}

func TestHTTP_AdminRejectsRemoteCallers(t *testing.T) {
	env := newEnv(t, nil)
	tok, err := env.v.Mint("ops", time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	for _, path := range []string{"/admin/v1/sessions/main/stop", "/admin/v1/sessions/main/commands"} {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"verb":"halt"}`))
		req.RemoteAddr = "203.0.113.7:5555"
		req.Header.Set("Authorization", "Bearer "+tok)
		rr := httptest.NewRecorder()
		env.h.ServeHTTP(rr, req)
		if rr.Code != http.StatusForbidden {
			t.Fatalf("%s from remote=%d %s", path, rr.Code, rr.Body.String())
		}
	}
	sess, err := env.m.Get("main")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess.Summary().Finished {
		t.Fatalf("remote caller ended the session")
	}
}

func TestHTTP_AdminDisabledAndResults(t *testing.T) {
	var mu sync.Mutex
	var asked []string
	env := newEnv(t, func(c *Config) {
		c.EnableAdmin = false
		c.Results = ResultsFunc(func(_ context.Context, id string) (any, error) {
			mu.Lock()
			asked = append(asked, id)
			mu.Unlock()
			return []map[string]any{{"player": "a", "rank": 1}}, nil
		})
	})
	if code, _ := do(t, http.MethodPost, env.url+"/admin/v1/sessions/main/stop", "", nil); code != http.StatusNotFound && code != http.StatusMethodNotAllowed {
		t.Fatalf("admin disabled=%d", code)
	}
	code, b := do(t, http.MethodGet, env.url+"/v1/sessions/old/results", "", nil)
	if code != http.StatusOK || !bytes.Contains(b, []byte(`"session_id":"old"`)) || !bytes.Contains(b, []byte(`"rank":1`)) {
		t.Fatalf("results=%d %s", code, b)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(asked) != 1 || asked[0] != "old" {
		t.Fatalf("asked=%v", asked)
	}
}

func TestHTTP_CORSPreflight(t *testing.T) {
	env := newEnv(t, nil)
	req, err := http.NewRequest(http.MethodOptions, env.url+"/v1/sessions/main/submit/investment/alice", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("preflight=%d headers=%v", resp.StatusCode, resp.Header)
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	for in, want := range map[string]bool{
		"127.0.0.1:5000": true,
		"[::1]:80":       true,
		"10.0.0.2:80":    false,
		"garbage":        false,
	} {
		if got := isLoopbackRemote(in); got != want {
			t.Fatalf("%s: got %v want %v", in, got, want)
		}
	}
}
