package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"resourceisland/internal/auth"
	"resourceisland/internal/persistence/indexdb"
	persistlog "resourceisland/internal/persistence/log"
	"resourceisland/internal/protocol"
	"resourceisland/internal/sim/catalogs"
	"resourceisland/internal/sim/multisession"
	"resourceisland/internal/sim/session"
	"resourceisland/internal/sim/tuning"
	"resourceisland/internal/transport/httpapi"
	"resourceisland/internal/transport/natsbus"
	"resourceisland/internal/transport/ws"
)

type serverEnv struct {
	AdminSecret     string `env:"ISLAND_ADMIN_SECRET"`
	EnableAdminHTTP *bool  `env:"ISLAND_ENABLE_ADMIN_HTTP"`
	NATSURL         string `env:"ISLAND_NATS_URL"`
	DefaultSession  string `env:"ISLAND_DEFAULT_SESSION" envDefault:"main"`
	DeployEnv       string `env:"DEPLOY_ENV" envDefault:"dev"`
}

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite results index")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	_ = godotenv.Load()
	var cfgEnv serverEnv
	if err := env.Parse(&cfgEnv); err != nil {
		logger.Fatalf("parse env: %v", err)
	}

	cats, err := catalogs.Load(*configDir)
	if err != nil {
		logger.Fatalf("load catalogs: %v", err)
	}
	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}
	if tune.ProtocolVersion != "" && tune.ProtocolVersion != protocol.Version {
		logger.Fatalf("tuning protocol_version=%s, server speaks %s", tune.ProtocolVersion, protocol.Version)
	}
	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		logger.Fatalf("data dir: %v", err)
	}

	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(*dataDir, "index.sqlite"))
		if err != nil {
			logger.Fatalf("open index: %v", err)
		}
		if err := idx.UpsertCatalogs(cats, tune); err != nil {
			logger.Printf("index: upsert catalogs: %v", err)
		}
	}

	phaseLog := persistlog.NewPhaseLogger(*dataDir)
	auditLog := persistlog.NewAuditLogger(*dataDir)
	defer phaseLog.Close()
	defer auditLog.Close()

	var verifier session.AdminVerifier
	var minter *auth.Verifier
	if cfgEnv.AdminSecret != "" {
		minter, err = auth.NewVerifier(cfgEnv.AdminSecret)
		if err != nil {
			logger.Fatalf("admin verifier: %v", err)
		}
		verifier = minter
	} else {
		logger.Printf("ISLAND_ADMIN_SECRET unset; admin verbs are refused")
	}

	var mirror session.Mirror
	var bus *natsbus.Mirror
	if url := strings.TrimSpace(cfgEnv.NATSURL); url != "" {
		bus, err = natsbus.Connect(url, log.New(os.Stdout, "[nats] ", log.LstdFlags|log.Lmicroseconds))
		if err != nil {
			logger.Fatalf("nats: %v", err)
		}
		defer bus.Close()
		mirror = bus
		logger.Printf("mirroring notifications to %s", url)
	}

	statePath := filepath.Join(*dataDir, "sessions.json")
	if prev, err := multisession.LoadState(statePath); err == nil {
		logger.Printf("previous run left %d session records", len(prev))
		for _, sum := range prev {
			if idx != nil {
				idx.RecordSession(sum)
			}
		}
	}

	mcfg := multisession.Config{
		Tuning:      tune,
		Catalogs:    cats,
		DefaultID:   strings.TrimSpace(cfgEnv.DefaultSession),
		StateFile:   statePath,
		Logger:      logger,
		Verifier:    verifier,
		Mirror:      mirror,
		PhaseLogger: multiPhaseLogger{a: phaseLog},
		AuditLogger: multiAuditLogger{a: auditLog},
	}
	if idx != nil {
		mcfg.PhaseLogger = multiPhaseLogger{a: phaseLog, b: idx}
		mcfg.AuditLogger = multiAuditLogger{a: auditLog, b: idx}
		mcfg.Results = idx
		mcfg.OnFinish = idx.RecordSession
	}
	sessions, err := multisession.NewManager(mcfg)
	if err != nil {
		logger.Fatalf("sessions: %v", err)
	}

	validator, err := protocol.NewValidator()
	if err != nil {
		logger.Fatalf("schemas: %v", err)
	}
	wsSrv := ws.NewServer(ws.Config{
		Sessions:      sessions,
		Validator:     validator,
		Logger:        log.New(os.Stdout, "[ws] ", log.LstdFlags|log.Lmicroseconds),
		RatePerSecond: tune.RateLimit.PerSecond,
		RateBurst:     tune.RateLimit.Burst,
	})

	enableAdmin := defaultEnableAdminHTTP(cfgEnv.DeployEnv)
	if cfgEnv.EnableAdminHTTP != nil {
		enableAdmin = *cfgEnv.EnableAdminHTTP
	}
	apiCfg := httpapi.Config{
		Sessions:    sessions,
		Logger:      log.New(os.Stdout, "[http] ", log.LstdFlags|log.Lmicroseconds),
		EnableAdmin: enableAdmin,
		SubmitWait:  tune.DecisionTimeout() + 30*time.Second,
		WS:          wsSrv.Handler(),
		ExtraMetrics: func(w io.Writer) {
			writeIndexMetrics(w, idx)
			writeNATSMetrics(w, bus)
		},
	}
	if idx != nil {
		apiCfg.Results = httpapi.ResultsFunc(func(ctx context.Context, id string) (any, error) {
			return idx.Results(ctx, id)
		})
	}
	handler := httpapi.New(apiCfg).Handler()

	ctx, cancel := signalContext()
	defer cancel()

	srv := &http.Server{
		Addr:              *addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s (default session %q, admin=%v)", *addr, mcfg.DefaultID, enableAdmin)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}

	sessions.Close()
	if idx != nil {
		fctx, fcancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := idx.Flush(fctx); err != nil {
			logger.Printf("index flush: %v", err)
		}
		fcancel()
		_ = idx.Close()
	}
	logger.Printf("stopped")
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func defaultEnableAdminHTTP(deployEnv string) bool {
	switch strings.ToLower(strings.TrimSpace(deployEnv)) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func writeIndexMetrics(w io.Writer, idx *indexdb.SQLiteIndex) {
	if idx == nil {
		return
	}
	s := idx.Stats()
	fmt.Fprintf(w, "# HELP island_index_queue_depth Current index write queue depth.\n")
	fmt.Fprintf(w, "# TYPE island_index_queue_depth gauge\n")
	fmt.Fprintf(w, "island_index_queue_depth %d\n", s.QueueDepth)

	fmt.Fprintf(w, "# HELP island_index_queue_capacity Index write queue capacity.\n")
	fmt.Fprintf(w, "# TYPE island_index_queue_capacity gauge\n")
	fmt.Fprintf(w, "island_index_queue_capacity %d\n", s.QueueCapacity)

	fmt.Fprintf(w, "# HELP island_index_dropped_total Index writes dropped because the queue was full.\n")
	fmt.Fprintf(w, "# TYPE island_index_dropped_total counter\n")
	fmt.Fprintf(w, "island_index_dropped_total{kind=%q} %d\n", "phase", s.DropPhaseTotal)
	fmt.Fprintf(w, "island_index_dropped_total{kind=%q} %d\n", "audit", s.DropAuditTotal)
	fmt.Fprintf(w, "island_index_dropped_total{kind=%q} %d\n", "result", s.DropResultTotal)
	fmt.Fprintf(w, "island_index_dropped_total{kind=%q} %d\n", "session", s.DropSessionTotal)
}

func writeNATSMetrics(w io.Writer, bus *natsbus.Mirror) {
	if bus == nil {
		return
	}
	published, failed := bus.Stats()
	fmt.Fprintf(w, "# HELP island_nats_published_total Notifications mirrored to NATS.\n")
	fmt.Fprintf(w, "# TYPE island_nats_published_total counter\n")
	fmt.Fprintf(w, "island_nats_published_total %d\n", published)

	fmt.Fprintf(w, "# HELP island_nats_failed_total NATS publishes that returned an error.\n")
	fmt.Fprintf(w, "# TYPE island_nats_failed_total counter\n")
	fmt.Fprintf(w, "island_nats_failed_total %d\n", failed)
}

type multiPhaseLogger struct {
	a session.PhaseLogger
	b session.PhaseLogger
}

func (m multiPhaseLogger) WritePhase(entry session.PhaseLogEntry) error {
	if m.a != nil {
		_ = m.a.WritePhase(entry)
	}
	if m.b != nil {
		_ = m.b.WritePhase(entry)
	}
	return nil
}

type multiAuditLogger struct {
	a session.AuditLogger
	b session.AuditLogger
}

func (m multiAuditLogger) WriteAudit(entry session.AuditEntry) error {
	if m.a != nil {
		_ = m.a.WriteAudit(entry)
	}
	if m.b != nil {
		_ = m.b.WriteAudit(entry)
	}
	return nil
}
