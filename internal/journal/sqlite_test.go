package journal

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"feedchat/internal/domain"
)

func newTestJournal(t *testing.T) *SQLiteJournal {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	j, err := NewSQLiteJournal(filepath.Join(t.TempDir(), "journal.db"), logger)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestRecordMessage_ReconciliationUpdatesSameRow(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	pending := domain.Message{
		ID: "tok-1", CorrelationToken: "tok-1", Kind: domain.KindText, Content: "Hello",
		Sender: domain.Sender{ID: "7"}, Timestamp: time.Now(), State: domain.StatePending,
	}
	if err := j.RecordMessage(ctx, "999", pending); err != nil {
		t.Fatal(err)
	}
	if err := j.RecordMessage(ctx, "999", pending.Confirm("m1", time.Now())); err != nil {
		t.Fatal(err)
	}

	entries, err := j.Messages(ctx, "999", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].ServerID != "m1" || entries[0].State != domain.StateConfirmed {
		t.Errorf("unexpected entry %+v", entries[0])
	}
}

func TestRecordMessage_DocumentAndOrder(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	peer := domain.Message{
		ID: "m5", Kind: domain.KindText, Content: "Thanks!", Sender: domain.Sender{ID: "999"},
		Timestamp: time.Now(), State: domain.StateConfirmed,
	}
	doc := domain.Message{
		ID: "tok-2", CorrelationToken: "tok-2", Kind: domain.KindDocument, Content: domain.DefaultDocumentCaption,
		Attachment: &domain.Attachment{FileURL: "https://f/cv.pdf", FileName: "cv.pdf", FileType: "application/pdf"},
		Timestamp:  time.Now(), State: domain.StatePending,
	}
	for _, m := range []domain.Message{peer, doc, doc.Fail("rate limited")} {
		if err := j.RecordMessage(ctx, "999", m); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := j.Messages(ctx, "999", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].ServerID != "m5" {
		t.Errorf("first entry should be the peer message, got %+v", entries[0])
	}
	if entries[1].FileName != "cv.pdf" || entries[1].State != domain.StateFailed || entries[1].Reason != "rate limited" {
		t.Errorf("unexpected document entry %+v", entries[1])
	}

	ids, err := j.Conversations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "999" {
		t.Errorf("conversations = %v", ids)
	}
}

func TestRecordStatus(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	for _, s := range []string{"connecting", "open", "connecting"} {
		if err := j.RecordStatus(ctx, "999", s, ""); err != nil {
			t.Fatal(err)
		}
	}
	if err := j.RecordStatus(ctx, "other", "open", ""); err != nil {
		t.Fatal(err)
	}

	changes, err := j.StatusHistory(ctx, "999", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 3 {
		t.Fatalf("expected 3 changes, got %d", len(changes))
	}
	if changes[1].Status != "open" {
		t.Errorf("changes out of order: %+v", changes)
	}
}
