package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"resourceisland/internal/sim/catalogs"
	"resourceisland/internal/sim/session"
	"resourceisland/internal/sim/tuning"
)

var ErrClosed = errors.New("index closed")

// SQLiteIndex is a queryable secondary index of session outcomes. Writes are
// queued and applied by one goroutine; the JSONL logs stay authoritative.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropPhase   atomic.Uint64
	dropAudit   atomic.Uint64
	dropResult  atomic.Uint64
	dropSession atomic.Uint64
}

type reqKind int

const (
	reqPhase reqKind = iota + 1
	reqAudit
	reqResult
	reqSession
	reqFlush
)

type req struct {
	kind reqKind

	phase   session.PhaseLogEntry
	audit   session.AuditEntry
	result  session.Result
	session session.Summary
	ack     chan struct{}
}

// Stats reports queue pressure.
type Stats struct {
	QueueDepth       int
	QueueCapacity    int
	DropPhaseTotal   uint64
	DropAuditTotal   uint64
	DropResultTotal  uint64
	DropSessionTotal uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 16384),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS catalogs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			finished_at TEXT,
			epoch INTEGER NOT NULL,
			players INTEGER NOT NULL,
			started INTEGER NOT NULL,
			end_reason TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS results (
			session_id TEXT NOT NULL,
			rank INTEGER NOT NULL,
			player TEXT NOT NULL,
			score REAL NOT NULL,
			reason TEXT NOT NULL,
			epoch INTEGER NOT NULL,
			finished_at TEXT NOT NULL,
			PRIMARY KEY (session_id, rank)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_results_player ON results(player);`,
		`CREATE TABLE IF NOT EXISTS phases (
			session_id TEXT NOT NULL,
			epoch INTEGER NOT NULL,
			phase INTEGER NOT NULL,
			name TEXT NOT NULL,
			players INTEGER NOT NULL,
			market INTEGER NOT NULL,
			deck INTEGER NOT NULL,
			digest TEXT NOT NULL,
			raw_json TEXT NOT NULL,
			unix_ms INTEGER NOT NULL,
			PRIMARY KEY (session_id, epoch, phase)
		);`,
		`CREATE TABLE IF NOT EXISTS audits (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			epoch INTEGER NOT NULL,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			player TEXT,
			detail TEXT,
			unix_ms INTEGER NOT NULL,
			PRIMARY KEY (session_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_player ON audits(player, session_id);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:       len(s.ch),
		QueueCapacity:    cap(s.ch),
		DropPhaseTotal:   s.dropPhase.Load(),
		DropAuditTotal:   s.dropAudit.Load(),
		DropResultTotal:  s.dropResult.Load(),
		DropSessionTotal: s.dropSession.Load(),
	}
}

// enqueue never blocks the session loop; a full queue drops the row.
func (s *SQLiteIndex) enqueue(r req, drops *atomic.Uint64) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- r:
	default:
		drops.Add(1)
	}
}

func (s *SQLiteIndex) WritePhase(entry session.PhaseLogEntry) error {
	s.enqueue(req{kind: reqPhase, phase: entry}, &s.dropPhase)
	return nil
}

func (s *SQLiteIndex) WriteAudit(entry session.AuditEntry) error {
	s.enqueue(req{kind: reqAudit, audit: entry}, &s.dropAudit)
	return nil
}

func (s *SQLiteIndex) RecordResult(res session.Result) {
	s.enqueue(req{kind: reqResult, result: res}, &s.dropResult)
}

func (s *SQLiteIndex) RecordSession(sum session.Summary) {
	s.enqueue(req{kind: reqSession, session: sum}, &s.dropSession)
}

// Flush waits until everything queued before it is committed.
func (s *SQLiteIndex) Flush(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return ErrClosed
	}
	ack := make(chan struct{})
	select {
	case s.ch <- req{kind: reqFlush, ack: ack}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpsertCatalogs stores the content and tuning the server runs with.
func (s *SQLiteIndex) UpsertCatalogs(cats *catalogs.Catalogs, tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	type kv struct {
		name   string
		digest string
		json   []byte
	}
	var rows []kv
	if b, _ := json.Marshal(cats.Resources.ByID); len(b) > 0 {
		rows = append(rows, kv{name: "resources", digest: cats.Resources.Digest, json: b})
	}
	if b, _ := json.Marshal(cats.Buildings.ByID); len(b) > 0 {
		rows = append(rows, kv{name: "buildings", digest: cats.Buildings.Digest, json: b})
	}
	if b, _ := json.Marshal(cats.Events.Deck); len(b) > 0 {
		rows = append(rows, kv{name: "events", digest: cats.Events.Digest, json: b})
	}
	if b, _ := json.Marshal(cats.Crate.Outcomes); len(b) > 0 {
		rows = append(rows, kv{name: "crate", digest: cats.Crate.Digest, json: b})
	}
	{
		b, _ := json.Marshal(tune)
		sum := sha256.Sum256(b)
		rows = append(rows, kv{name: "tuning", digest: hex.EncodeToString(sum[:]), json: b})
	}

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO catalogs(name,digest,json,updated_at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if r.digest == "" || len(r.json) == 0 {
			continue
		}
		if _, err := stmt.Exec(r.name, r.digest, string(r.json), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertPhase, _ := s.db.Prepare(`INSERT OR REPLACE INTO phases(session_id,epoch,phase,name,players,market,deck,digest,raw_json,unix_ms) VALUES(?,?,?,?,?,?,?,?,?,?)`)
	insertAudit, _ := s.db.Prepare(`INSERT OR REPLACE INTO audits(session_id,seq,epoch,actor,action,player,detail,unix_ms) VALUES(?,?,?,?,?,?,?,?)`)
	insertResult, _ := s.db.Prepare(`INSERT OR REPLACE INTO results(session_id,rank,player,score,reason,epoch,finished_at) VALUES(?,?,?,?,?,?,?)`)
	upsertSession, _ := s.db.Prepare(`INSERT INTO sessions(session_id,created_at,finished_at,epoch,players,started,end_reason) VALUES(?,?,?,?,?,?,?)
		ON CONFLICT(session_id) DO UPDATE SET finished_at=excluded.finished_at, epoch=excluded.epoch,
		players=excluded.players, started=excluded.started, end_reason=excluded.end_reason`)
	defer func() {
		for _, st := range []*sql.Stmt{insertPhase, insertAudit, insertResult, upsertSession} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = time.Second

		auditSeq = map[string]int{}
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) bool {
		if st == nil || tx == nil {
			return false
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return false
		}
		opCount++
		return true
	}

	for r := range s.ch {
		if r.kind == reqFlush {
			commit()
			close(r.ack)
			continue
		}
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqPhase:
			p := r.phase
			raw, _ := json.Marshal(p)
			exec(insertPhase, p.SessionID, p.Epoch, int(p.Phase), p.Name, len(p.Players), p.Market, p.Deck, p.Digest, string(raw), p.UnixMs)

		case reqAudit:
			a := r.audit
			seq := auditSeq[a.SessionID]
			auditSeq[a.SessionID] = seq + 1
			exec(insertAudit, a.SessionID, seq, a.Epoch, a.Actor, a.Action, a.Player, a.Detail, a.UnixMs)

		case reqResult:
			res := r.result
			fin := res.FinishedAt.UTC().Format(time.RFC3339Nano)
			for _, sc := range res.Scores {
				if !exec(insertResult, res.SessionID, sc.Rank, sc.Player, sc.Score, res.Reason, res.Epoch, fin) {
					break
				}
			}

		case reqSession:
			sum := r.session
			var fin any
			if !sum.FinishedAt.IsZero() {
				fin = sum.FinishedAt.UTC().Format(time.RFC3339Nano)
			}
			started := 0
			if sum.Started {
				started = 1
			}
			exec(upsertSession, sum.ID, sum.CreatedAt.UTC().Format(time.RFC3339Nano), fin, sum.Epoch, sum.Players, started, sum.EndReason)
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}

	commit()
}

// ResultRow is one ranked line of a finished session.
type ResultRow struct {
	SessionID  string  `json:"session_id"`
	Rank       int     `json:"rank"`
	Player     string  `json:"player"`
	Score      float64 `json:"score"`
	Reason     string  `json:"reason"`
	Epoch      int     `json:"epoch"`
	FinishedAt string  `json:"finished_at"`
}

func (s *SQLiteIndex) Results(ctx context.Context, sessionID string) ([]ResultRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id,rank,player,score,reason,epoch,finished_at FROM results WHERE session_id=? ORDER BY rank`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ResultRow
	for rows.Next() {
		var r ResultRow
		if err := rows.Scan(&r.SessionID, &r.Rank, &r.Player, &r.Score, &r.Reason, &r.Epoch, &r.FinishedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type SessionRow struct {
	SessionID  string `json:"session_id"`
	CreatedAt  string `json:"created_at"`
	FinishedAt string `json:"finished_at,omitempty"`
	Epoch      int    `json:"epoch"`
	Players    int    `json:"players"`
	Started    bool   `json:"started"`
	EndReason  string `json:"end_reason,omitempty"`
}

// RecentSessions returns up to n sessions, newest first.
func (s *SQLiteIndex) RecentSessions(ctx context.Context, n int) ([]SessionRow, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id,created_at,COALESCE(finished_at,''),epoch,players,started,COALESCE(end_reason,'')
		 FROM sessions ORDER BY created_at DESC, session_id LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SessionRow
	for rows.Next() {
		var r SessionRow
		var started int
		if err := rows.Scan(&r.SessionID, &r.CreatedAt, &r.FinishedAt, &r.Epoch, &r.Players, &started, &r.EndReason); err != nil {
			return nil, err
		}
		r.Started = started != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// PhaseCount is the number of indexed phase transitions of a session.
func (s *SQLiteIndex) PhaseCount(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM phases WHERE session_id=?`, sessionID).Scan(&n)
	return n, err
}

type AuditRow struct {
	Seq    int    `json:"seq"`
	Epoch  int    `json:"epoch"`
	Actor  string `json:"actor"`
	Action string `json:"action"`
	Player string `json:"player,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func (s *SQLiteIndex) Audits(ctx context.Context, sessionID string) ([]AuditRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq,epoch,actor,action,COALESCE(player,''),COALESCE(detail,'') FROM audits WHERE session_id=? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditRow
	for rows.Next() {
		var r AuditRow
		if err := rows.Scan(&r.Seq, &r.Epoch, &r.Actor, &r.Action, &r.Player, &r.Detail); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
