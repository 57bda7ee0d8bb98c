package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"resourceisland/internal/protocol"
)

func baseURLFlag(fs *flag.FlagSet) *string {
	return fs.String("url", "http://127.0.0.1:8080", "server base url")
}

func endpoint(base string, parts ...string) string {
	u := strings.TrimRight(strings.TrimSpace(base), "/")
	for _, p := range parts {
		u += "/" + url.PathEscape(p)
	}
	return u
}

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	baseURL := baseURLFlag(fs)
	sessionID := fs.String("session", "", "session id (default: the default session)")
	player := fs.String("player", "", "show one player instead of the session")
	_ = fs.Parse(args)

	var u string
	switch {
	case *sessionID == "" && *player == "":
		u = endpoint(*baseURL, "game", "state")
	case *sessionID == "":
		u = endpoint(*baseURL, "playerinfo", *player)
	case *player == "":
		u = endpoint(*baseURL, "v1", "sessions", *sessionID, "state")
	default:
		u = endpoint(*baseURL, "v1", "sessions", *sessionID, "players", *player)
	}
	doRequest(http.MethodGet, u, nil, "")
}

func sessionsCmd(args []string) {
	fs := flag.NewFlagSet("sessions", flag.ExitOnError)
	baseURL := baseURLFlag(fs)
	create := fs.String("create", "", "open a session with this id (use \"-\" for a random id)")
	_ = fs.Parse(args)

	u := endpoint(*baseURL, "v1", "sessions")
	if *create == "" {
		doRequest(http.MethodGet, u, nil, "")
		return
	}
	id := *create
	if id == "-" {
		id = ""
	}
	body, _ := json.Marshal(map[string]string{"id": id})
	doRequest(http.MethodPost, u, body, "")
}

func commandCmd(args []string) {
	fs := flag.NewFlagSet("cmd", flag.ExitOnError)
	baseURL := baseURLFlag(fs)
	sessionID := fs.String("session", "main", "session id")
	token := fs.String("token", "", "admin token (see: admin token)")
	verb := fs.String("verb", "", "evict|grant|relay|force_build|halt")
	player := fs.String("player", "", "target player")
	reason := fs.String("reason", "", "reason shown to players")
	resource := fs.String("resource", "", "grant: resource id or action_points")
	amount := fs.Int("amount", 0, "grant: signed amount")
	building := fs.String("building", "", "force_build: building id")
	data := fs.String("data", "", "relay: raw JSON payload")
	_ = fs.Parse(args)

	if strings.TrimSpace(*verb) == "" {
		fmt.Fprintln(os.Stderr, "missing -verb")
		os.Exit(2)
	}
	req := protocol.CommandReq{
		Verb:     *verb,
		Player:   *player,
		Reason:   *reason,
		Resource: *resource,
		Amount:   *amount,
		Building: *building,
	}
	if *data != "" {
		if !json.Valid([]byte(*data)) {
			fmt.Fprintln(os.Stderr, "-data is not valid JSON")
			os.Exit(2)
		}
		req.Data = json.RawMessage(*data)
	}
	body, _ := json.Marshal(req)
	doRequest(http.MethodPost, endpoint(*baseURL, "admin", "v1", "sessions", *sessionID, "commands"), body, *token)
}

func doRequest(method, u string, body []byte, token string) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, u, rd)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(2)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	cl := &http.Client{Timeout: 10 * time.Second}
	resp, err := cl.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}
