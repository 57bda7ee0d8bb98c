package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"resourceisland/internal/persistence/indexdb"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (default: <data>/index.sqlite)")
	sessionID := fs.String("session", "", "session id (results, audits, phases)")
	limit := fs.Int("limit", 20, "result limit (sessions)")
	_ = fs.Parse(args)

	q := "sessions"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index.sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer idx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	needSession := func() {
		if strings.TrimSpace(*sessionID) == "" {
			fmt.Fprintf(os.Stderr, "%s needs -session\n", q)
			os.Exit(2)
		}
	}

	enc := json.NewEncoder(os.Stdout)
	switch q {
	case "sessions":
		rows, err := idx.RecentSessions(ctx, *limit)
		exitOn(err)
		for _, r := range rows {
			_ = enc.Encode(r)
		}
	case "results":
		needSession()
		rows, err := idx.Results(ctx, *sessionID)
		exitOn(err)
		for _, r := range rows {
			_ = enc.Encode(r)
		}
	case "audits":
		needSession()
		rows, err := idx.Audits(ctx, *sessionID)
		exitOn(err)
		for _, r := range rows {
			_ = enc.Encode(r)
		}
	case "phases":
		needSession()
		n, err := idx.PhaseCount(ctx, *sessionID)
		exitOn(err)
		_ = enc.Encode(map[string]any{"session_id": *sessionID, "phases": n})
	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q, "(sessions|results|audits|phases)")
		os.Exit(2)
	}
}

func exitOn(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
}
