package main

import (
	"bytes"
	"strings"
	"testing"

	"resourceisland/internal/sim/session"
)

func TestAdminDefaultsByDeployEnv(t *testing.T) {
	for _, tc := range []struct {
		env     string
		enabled bool
	}{
		{"", true},
		{"dev", true},
		{"Staging", false},
		{"production", false},
		{"qa", true},
	} {
		if got := defaultEnableAdminHTTP(tc.env); got != tc.enabled {
			t.Fatalf("%q: enabled=%v want %v", tc.env, got, tc.enabled)
		}
	}
}

type countingLogger struct{ phases, audits int }

func (c *countingLogger) WritePhase(session.PhaseLogEntry) error { c.phases++; return nil }
func (c *countingLogger) WriteAudit(session.AuditEntry) error    { c.audits++; return nil }

func TestMultiLoggersFanOut(t *testing.T) {
	a, b := &countingLogger{}, &countingLogger{}
	_ = multiPhaseLogger{a: a, b: b}.WritePhase(session.PhaseLogEntry{})
	_ = multiPhaseLogger{a: a}.WritePhase(session.PhaseLogEntry{})
	_ = multiAuditLogger{a: a, b: b}.WriteAudit(session.AuditEntry{})
	if a.phases != 2 || b.phases != 1 || a.audits != 1 || b.audits != 1 {
		t.Fatalf("a=%+v b=%+v", a, b)
	}
}

func TestMetricsWritersSkipDisabled(t *testing.T) {
	var buf bytes.Buffer
	writeIndexMetrics(&buf, nil)
	writeNATSMetrics(&buf, nil)
	if strings.TrimSpace(buf.String()) != "" {
		t.Fatalf("unexpected output %q", buf.String())
	}
}
