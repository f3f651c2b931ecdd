package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func sampleEntry(id string, ended time.Time) Entry {
	port := uint16(5000)
	return Entry{
		SessionID:       id,
		RemoteAddr:      "203.0.113.7:51234",
		StreamID:        "0123456789abcdef",
		ChannelID:       "7",
		ProtocolVersion: "0.9",
		VendorName:      "OBS Studio",
		VendorVersion:   "30.0",
		Video:           true,
		VideoCodec:      "H264",
		Audio:           true,
		AudioCodec:      "OPUS",
		Port:            &port,
		StartedAt:       ended.Add(-time.Minute),
		EndedAt:         ended,
		EndReason:       "disconnect",
	}
}

// exerciseJournal runs the behaviour every driver shares.
func exerciseJournal(t *testing.T, journal Journal) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		if err := journal.Record(ctx, sampleEntry(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("record %s: %v", id, err)
		}
	}

	recent, err := journal.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 || recent[0].SessionID != "c" || recent[1].SessionID != "b" {
		t.Fatalf("unexpected recent entries: %+v", recent)
	}
	if recent[0].Port == nil || *recent[0].Port != 5000 {
		t.Fatalf("expected port 5000 to round trip, got %v", recent[0].Port)
	}
	if recent[0].Duration() != time.Minute {
		t.Fatalf("expected one minute duration, got %s", recent[0].Duration())
	}

	replacement := sampleEntry("a", base.Add(10*time.Minute))
	replacement.Port = nil
	replacement.EndReason = "read_error"
	if err := journal.Record(ctx, replacement); err != nil {
		t.Fatalf("re-record a: %v", err)
	}
	all, err := journal.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("recent all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 entries after re-recording, got %d", len(all))
	}
	if all[0].SessionID != "a" || all[0].Port != nil || all[0].EndReason != "read_error" {
		t.Fatalf("expected replaced entry first, got %+v", all[0])
	}
}

func TestMemoryJournal(t *testing.T) {
	exerciseJournal(t, NewMemoryJournal(10))
}

func TestMemoryJournalCapacity(t *testing.T) {
	journal := NewMemoryJournal(2)
	ctx := context.Background()
	now := time.Now()
	for _, id := range []string{"a", "b", "c"} {
		if err := journal.Record(ctx, sampleEntry(id, now)); err != nil {
			t.Fatalf("record %s: %v", id, err)
		}
	}
	recent, _ := journal.Recent(ctx, 10)
	if len(recent) != 2 || recent[1].SessionID != "b" {
		t.Fatalf("expected oldest entry evicted, got %+v", recent)
	}
}

func TestBoltJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	journal, err := OpenBoltJournal(path)
	if err != nil {
		t.Fatalf("open bolt journal: %v", err)
	}
	exerciseJournal(t, journal)
	if err := journal.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenBoltJournal(path)
	if err != nil {
		t.Fatalf("reopen bolt journal: %v", err)
	}
	t.Cleanup(func() {
		_ = reopened.Close(context.Background())
	})
	recent, err := reopened.Recent(context.Background(), 1)
	if err != nil {
		t.Fatalf("recent after reopen: %v", err)
	}
	if len(recent) != 1 || recent[0].SessionID != "a" {
		t.Fatalf("expected persisted entries after reopen, got %+v", recent)
	}
}

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()

	journal, err := Open(ctx, Config{})
	if err != nil {
		t.Fatalf("open default: %v", err)
	}
	if _, ok := journal.(*MemoryJournal); !ok {
		t.Fatalf("expected memory journal by default, got %T", journal)
	}

	journal, err = Open(ctx, Config{Driver: "bolt", Path: filepath.Join(t.TempDir(), "j.db")})
	if err != nil {
		t.Fatalf("open bolt: %v", err)
	}
	if _, ok := journal.(*BoltJournal); !ok {
		t.Fatalf("expected bolt journal, got %T", journal)
	}
	_ = journal.Close(ctx)

	if _, err := Open(ctx, Config{Driver: "bolt"}); err == nil {
		t.Fatal("expected error for bolt driver without path")
	}
	if _, err := Open(ctx, Config{Driver: "postgres"}); err == nil {
		t.Fatal("expected error for postgres driver without dsn")
	}
	if _, err := Open(ctx, Config{Driver: "cassandra"}); !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("expected ErrUnknownDriver, got %v", err)
	}
}
