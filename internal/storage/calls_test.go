package storage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/petervdpas/callcore/internal/call"
	"github.com/petervdpas/callcore/internal/signaling"
)

func openTemp(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "calls.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestBeginAndEndCall(t *testing.T) {
	db := openTemp(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	rec := call.Record{
		CallID:    "c1",
		CallerID:  "alice",
		CalleeID:  "bob",
		CallType:  signaling.CallTypeVideo,
		StartedAt: start,
	}
	if err := db.BeginCall(ctx, rec); err != nil {
		t.Fatal(err)
	}
	// Both parties may write the same call; the first row wins.
	dup := rec
	dup.CallerID = "mallory"
	if err := db.BeginCall(ctx, dup); err != nil {
		t.Fatal(err)
	}

	got, ok, err := db.GetCall(ctx, "c1")
	if err != nil || !ok {
		t.Fatalf("GetCall = %v, %v", ok, err)
	}
	if got.CallerID != "alice" || !got.IsVideo() || !got.StartedAt.Equal(start) || got.EndedAt != nil {
		t.Fatalf("record = %+v", got)
	}

	end := start.Add(65 * time.Second)
	if err := db.EndCall(ctx, "c1", end, 65); err != nil {
		t.Fatal(err)
	}
	got, _, _ = db.GetCall(ctx, "c1")
	if got.EndedAt == nil || !got.EndedAt.Equal(end) || got.DurationSeconds != 65 {
		t.Fatalf("ended record = %+v", got)
	}
}

func TestEndUnknownCall(t *testing.T) {
	db := openTemp(t)
	err := db.EndCall(context.Background(), "nope", time.Now(), 0)
	if !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("err = %v", err)
	}
	if _, ok, err := db.GetCall(context.Background(), "nope"); ok || err != nil {
		t.Fatalf("GetCall = %v, %v", ok, err)
	}
}

func TestRecentCallsNewestFirst(t *testing.T) {
	db := openTemp(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"c1", "c2", "c3"} {
		err := db.BeginCall(ctx, call.Record{
			CallID:    id,
			CallerID:  "alice",
			CalleeID:  "bob",
			CallType:  signaling.CallTypeAudio,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	recs, err := db.RecentCalls(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].CallID != "c3" || recs[1].CallID != "c2" {
		t.Fatalf("recent = %+v", recs)
	}
}

func TestDumpSQL(t *testing.T) {
	db := openTemp(t)
	ctx := context.Background()
	err := db.BeginCall(ctx, call.Record{
		CallID:    "it's",
		CallerID:  "alice",
		CalleeID:  "bob",
		CallType:  signaling.CallTypeAudio,
		StartedAt: time.UnixMilli(1000),
	})
	if err != nil {
		t.Fatal(err)
	}

	dump, err := db.DumpSQL()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(dump, "CREATE TABLE IF NOT EXISTS call_records") {
		t.Fatalf("dump missing schema:\n%s", dump)
	}
	if !strings.Contains(dump, "'it''s', 'alice', 'bob', 'audio', 1000, NULL, 0") {
		t.Fatalf("dump missing row:\n%s", dump)
	}
}

func TestReopenKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "calls.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.BeginCall(context.Background(), call.Record{CallID: "c1", CallerID: "a", CalleeID: "b", CallType: signaling.CallTypeAudio, StartedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	db.Close()

	db, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if _, ok, _ := db.GetCall(context.Background(), "c1"); !ok {
		t.Fatal("record lost across reopen")
	}
}
