package ledger

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/tapline-labs/tapline/internal/domain"
)

type execCall struct {
	query string
	args  []any
}

type fakeDB struct {
	calls []execCall
}

func (f *fakeDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	f.calls = append(f.calls, execCall{query: query, args: args})
	return nil, nil
}

func TestLedger_NilIsDisabled(t *testing.T) {
	var l *Ledger
	if err := l.RecordPhase(context.Background(), "run-1", domain.RunPhaseInit); err == nil {
		t.Fatal("nil ledger must report not initialized")
	}
	if got := New(nil); got != nil {
		t.Fatal("New(nil) must return nil")
	}
}

func TestLedger_RecordRun(t *testing.T) {
	db := &fakeDB{}
	l := New(db)

	run := domain.Run{
		ID:        "run-1",
		Runners:   []domain.Runner{domain.RunnerCurl, domain.RunnerChrome},
		Phase:     domain.RunPhaseInit,
		StartedAt: time.Now(),
	}
	if err := l.RecordRun(context.Background(), run); err != nil {
		t.Fatal(err)
	}
	if len(db.calls) != 1 {
		t.Fatalf("calls=%d", len(db.calls))
	}
	if db.calls[0].args[1] != "curl,chrome" {
		t.Fatalf("runners arg=%v", db.calls[0].args[1])
	}
}

func TestLedger_RecordRunValidates(t *testing.T) {
	l := New(&fakeDB{})
	if err := l.RecordRun(context.Background(), domain.Run{}); err == nil {
		t.Fatal("want validation error")
	}
}

func TestLedger_RecordArtifacts(t *testing.T) {
	db := &fakeDB{}
	l := New(db)

	artifacts := []domain.Artifact{
		{Runner: domain.RunnerCurl, Family: domain.FamilyIPv4, ObjectKey: "run-1/a.pcap.gz", SizeBytes: 10},
		{Runner: domain.RunnerCurl, Family: domain.FamilyIPv6, ObjectKey: "run-1/b.pcap.gz", Error: "upload: refused"},
	}
	if err := l.RecordArtifacts(context.Background(), "run-1", artifacts); err != nil {
		t.Fatal(err)
	}
	if len(db.calls) != 2 {
		t.Fatalf("calls=%d", len(db.calls))
	}
	if !strings.Contains(db.calls[0].query, "run_artifacts") {
		t.Fatalf("query=%s", db.calls[0].query)
	}
	errArg, ok := db.calls[1].args[6].(sql.NullString)
	if !ok || !errArg.Valid || errArg.String != "upload: refused" {
		t.Fatalf("error arg=%v", db.calls[1].args[6])
	}
}
