package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	persistlog "resourceisland/internal/persistence/log"
	"resourceisland/internal/sim/session"
)

func main() {
	var (
		dataDir   = flag.String("data", "./data", "runtime data directory (reads phases/ and audit/)")
		sessionID = flag.String("session", "", "only this session (optional)")
		verbose   = flag.Bool("v", false, "print every phase entry")
		audits    = flag.Bool("audits", false, "also print the audit trail")
	)
	flag.Parse()

	entries, err := persistlog.ReadPhases(*dataDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read phases:", err)
		if len(entries) == 0 {
			os.Exit(1)
		}
	}
	if *sessionID != "" {
		entries = filterSession(entries, *sessionID)
	}
	if len(entries) == 0 {
		fmt.Fprintln(os.Stderr, "no phase entries found")
		os.Exit(2)
	}

	if *verbose {
		for _, e := range entries {
			fmt.Printf("%s %s epoch=%d phase=%s players=%d market=%d deck=%d digest=%s\n",
				time.UnixMilli(e.UnixMs).UTC().Format(time.RFC3339), e.SessionID, e.Epoch, e.Name, len(e.Players), e.Market, e.Deck, e.Digest)
		}
	}
	for _, s := range summarize(entries) {
		printSummary(os.Stdout, s)
	}

	if *audits {
		if err := printAudits(os.Stdout, *dataDir, *sessionID); err != nil {
			fmt.Fprintln(os.Stderr, "read audits:", err)
			os.Exit(1)
		}
	}
}

func filterSession(in []session.PhaseLogEntry, id string) []session.PhaseLogEntry {
	var out []session.PhaseLogEntry
	for _, e := range in {
		if e.SessionID == id {
			out = append(out, e)
		}
	}
	return out
}

type sessionSummary struct {
	SessionID   string
	Epochs      int
	Phases      int
	Players     []string
	Survivors   []string
	FirstValues map[string]int
	LastValues  map[string]int
	LastMarket  int
	LastDeck    int
	LastDigest  string
	// Anomalies lists epochs that went backwards in the log.
	Anomalies []int
}

func summarize(entries []session.PhaseLogEntry) []sessionSummary {
	byID := map[string]*sessionSummary{}
	var order []string
	for _, e := range entries {
		s := byID[e.SessionID]
		if s == nil {
			s = &sessionSummary{SessionID: e.SessionID, Players: append([]string{}, e.Players...), FirstValues: e.Values}
			byID[e.SessionID] = s
			order = append(order, e.SessionID)
		}
		if e.Epoch < s.Epochs {
			s.Anomalies = append(s.Anomalies, e.Epoch)
		}
		if e.Epoch > s.Epochs {
			s.Epochs = e.Epoch
		}
		s.Phases++
		s.Survivors = append([]string{}, e.Players...)
		s.LastValues = e.Values
		s.LastMarket = e.Market
		s.LastDeck = e.Deck
		s.LastDigest = e.Digest
	}
	out := make([]sessionSummary, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out
}

func printSummary(w io.Writer, s sessionSummary) {
	fmt.Fprintf(w, "session=%s epochs=%d phases=%d players=%s survivors=%s market=%d deck=%d digest=%s\n",
		s.SessionID, s.Epochs, s.Phases, strings.Join(s.Players, ","), strings.Join(s.Survivors, ","), s.LastMarket, s.LastDeck, s.LastDigest)
	keys := make([]string, 0, len(s.LastValues))
	for k := range s.LastValues {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		from, to := s.FirstValues[k], s.LastValues[k]
		if from == to {
			fmt.Fprintf(w, "  %-8s %d\n", k, to)
			continue
		}
		fmt.Fprintf(w, "  %-8s %d -> %d\n", k, from, to)
	}
	if len(s.Anomalies) > 0 {
		fmt.Fprintf(w, "  WARNING epoch went backwards at %v\n", s.Anomalies)
	}
}

func printAudits(w io.Writer, dataDir, sessionID string) error {
	files, err := persistlog.Files(filepath.Join(dataDir, "audit"), "audit")
	if err != nil {
		return err
	}
	for _, path := range files {
		err := persistlog.ReadLines(path, func(line []byte) error {
			var a session.AuditEntry
			if err := json.Unmarshal(line, &a); err != nil {
				return err
			}
			if sessionID != "" && a.SessionID != sessionID {
				return nil
			}
			fmt.Fprintf(w, "audit %s epoch=%d actor=%s action=%s player=%s %s\n", a.SessionID, a.Epoch, a.Actor, a.Action, a.Player, a.Detail)
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}
