package store

import (
	"context"
	"os"
	"testing"
	"time"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	s, err := New(ctx, url)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIntegration_FlushMergeRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	bucket := "it-" + time.Now().UTC().Format("20060102150405")
	t.Cleanup(func() {
		_, _ = s.pool.Exec(ctx, `DELETE FROM daily_conversations WHERE conversation_date = $1`, bucket)
	})

	first := "[2026-03-14 10:00:00] Maria: Hallo, Herr Müller!"
	if err := s.FlushConversation(ctx, bucket, first); err != nil {
		t.Fatalf("first flush: %v", err)
	}

	second := "[2026-03-14 18:00:00] Maria: Guten Abend!"
	if err := s.FlushConversation(ctx, bucket, second); err != nil {
		t.Fatalf("second flush: %v", err)
	}

	content, ok, err := s.FetchBucket(ctx, bucket)
	if err != nil || !ok {
		t.Fatalf("fetch after flush: ok=%v err=%v", ok, err)
	}
	want := first + SessionSeparator + second
	if content != want {
		t.Fatalf("merged content = %q, want %q", content, want)
	}
}

func TestIntegration_TrivialContentIsNotFlushed(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	bucket := "it-trivial-" + time.Now().UTC().Format("20060102150405")
	if err := s.FlushConversation(ctx, bucket, "short"); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if _, ok, _ := s.FetchBucket(ctx, bucket); ok {
		t.Fatal("trivial content was persisted")
	}
}
