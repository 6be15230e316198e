package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vjranagit/heartwatch/pkg/types"
)

// blockingStore holds every operation until release is closed
type blockingStore struct {
	SampleStore
	release chan struct{}
}

func (b *blockingStore) Insert(ctx context.Context, s types.Sample) error {
	<-b.release
	return b.SampleStore.Insert(ctx, s)
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestWriterResetCompletesBeforeInsert(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	if err := store.Insert(ctx, types.Sample{Timestamp: "1", Value: 50}); err != nil {
		t.Fatalf("Failed to seed: %v", err)
	}

	w := NewWriter(store, nil, 16, testLogger())
	defer w.Close()

	if err := w.DeleteAll(); err != nil {
		t.Fatalf("DeleteAll submit failed: %v", err)
	}
	if err := w.Insert(types.Sample{Timestamp: "2", Value: 70}); err != nil {
		t.Fatalf("Insert submit failed: %v", err)
	}

	var (
		mu   sync.Mutex
		last types.Sample
		ok   bool
	)
	if err := w.MostRecent(func(s types.Sample, found bool, err error) {
		mu.Lock()
		defer mu.Unlock()
		last, ok = s, found
	}); err != nil {
		t.Fatalf("MostRecent submit failed: %v", err)
	}

	if err := w.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	all, err := store.AllOrdered(ctx)
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if len(all) != 1 || all[0].Timestamp != "2" {
		t.Errorf("Expected only sample 2 after reset, got %v", all)
	}

	mu.Lock()
	defer mu.Unlock()
	if !ok || last.Timestamp != "2" {
		t.Errorf("Queued read should observe the insert before it, got %v (ok=%v)", last, ok)
	}

	stats := w.Stats()
	if stats.Applied != 3 || stats.Failed != 0 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestWriterQueueFull(t *testing.T) {
	release := make(chan struct{})
	store := &blockingStore{SampleStore: newTestStorage(t), release: release}

	w := NewWriter(store, nil, 2, testLogger())

	// The first insert is taken off the queue and blocks in the store
	if err := w.Insert(types.Sample{Timestamp: "1", Value: 60}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for w.Stats().Pending != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if err := w.Insert(types.Sample{Timestamp: "2", Value: 60}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := w.Insert(types.Sample{Timestamp: "3", Value: 60}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := w.Insert(types.Sample{Timestamp: "4", Value: 60}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}

	close(release)
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	all, err := store.AllOrdered(context.Background())
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("Expected 3 samples after drain, got %d", len(all))
	}
}

func TestWriterClosed(t *testing.T) {
	w := NewWriter(newTestStorage(t), nil, 4, testLogger())
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Second Close failed: %v", err)
	}

	if err := w.Insert(types.Sample{Timestamp: "1", Value: 1}); !errors.Is(err, ErrWriterClosed) {
		t.Errorf("Expected ErrWriterClosed, got %v", err)
	}
	if err := w.Wait(context.Background()); !errors.Is(err, ErrWriterClosed) {
		t.Errorf("Expected ErrWriterClosed from Wait, got %v", err)
	}
}

func TestWriterCountsFailures(t *testing.T) {
	w := NewWriter(newTestStorage(t), nil, 4, testLogger())
	defer w.Close()

	if err := w.Insert(types.Sample{Timestamp: "bad", Value: 1}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := w.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	if got := w.Stats().Failed; got != 1 {
		t.Errorf("Expected 1 failed op, got %d", got)
	}
}

func TestWriterJournalReplay(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{Path: dir, RetentionDays: 30, Logger: testLogger()}
	ctx := context.Background()

	// Simulate a crash: mutations journaled but never applied
	wal, err := NewWAL(dir)
	if err != nil {
		t.Fatalf("Failed to create WAL: %v", err)
	}
	wal.Append(Mutation{Kind: MutationInsert, Sample: &types.Sample{Timestamp: "10", Value: 60}})
	wal.Append(Mutation{Kind: MutationDeleteAll})
	wal.Append(Mutation{Kind: MutationInsert, Sample: &types.Sample{Timestamp: "11", Value: 61}})
	if err := wal.Close(); err != nil {
		t.Fatalf("Failed to close WAL: %v", err)
	}

	store, err := NewStorage(cfg)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	defer store.Close()

	n, err := ReplayWAL(dir, func(m Mutation) error {
		return Apply(ctx, store, m)
	})
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if n != 3 {
		t.Errorf("Expected 3 replayed mutations, got %d", n)
	}

	all, err := store.AllOrdered(ctx)
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if len(all) != 1 || all[0].Timestamp != "11" {
		t.Errorf("Expected only sample 11 after replay, got %v", all)
	}
}

func TestWriterRemovesJournalOnClose(t *testing.T) {
	dir := t.TempDir()
	store := newTestStorage(t)

	wal, err := NewWAL(dir)
	if err != nil {
		t.Fatalf("Failed to create WAL: %v", err)
	}

	w := NewWriter(store, wal, 4, testLogger())
	if err := w.Insert(types.Sample{Timestamp: "1", Value: 60}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	n, err := ReplayWAL(dir, func(Mutation) error { return nil })
	if err != nil || n != 0 {
		t.Errorf("Expected empty journal after clean close, got n=%d err=%v", n, err)
	}
}

func TestWriterJournalDropsAppliedMutations(t *testing.T) {
	dir := t.TempDir()
	store := newTestStorage(t)
	ctx := context.Background()

	wal, err := NewWAL(dir)
	if err != nil {
		t.Fatalf("Failed to create WAL: %v", err)
	}

	w := NewWriter(store, wal, 8, testLogger())
	t.Cleanup(func() { w.Close() })

	for _, s := range []types.Sample{{Timestamp: "100", Value: 72}, {Timestamp: "101", Value: 73}} {
		if err := w.Insert(s); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	if err := w.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if err := wal.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	// The process dies here without Close; the history is then reset
	// offline before the next start replays the journal
	if err := store.DeleteAll(ctx); err != nil {
		t.Fatalf("DeleteAll failed: %v", err)
	}

	n, err := ReplayWAL(dir, func(m Mutation) error {
		return Apply(ctx, store, m)
	})
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected nothing to replay once applied, got %d", n)
	}

	all, err := store.AllOrdered(ctx)
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("Reset history came back after replay: %v", all)
	}
}

func TestWriterJournalKeepsPendingMutations(t *testing.T) {
	dir := t.TempDir()
	release := make(chan struct{})
	store := &blockingStore{SampleStore: newTestStorage(t), release: release}

	wal, err := NewWAL(dir)
	if err != nil {
		t.Fatalf("Failed to create WAL: %v", err)
	}

	w := NewWriter(store, wal, 8, testLogger())
	t.Cleanup(func() { w.Close() })
	defer close(release)

	for _, s := range []types.Sample{{Timestamp: "1", Value: 60}, {Timestamp: "2", Value: 61}} {
		if err := w.Insert(s); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	if err := wal.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	var replayed []string
	if _, err := ReplayWAL(dir, func(m Mutation) error {
		replayed = append(replayed, m.Sample.Timestamp)
		return nil
	}); err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if len(replayed) != 2 || replayed[0] != "1" || replayed[1] != "2" {
		t.Errorf("Expected both unapplied inserts journaled, got %v", replayed)
	}
}

func TestApplyUnknownMutation(t *testing.T) {
	store := newTestStorage(t)
	if err := Apply(context.Background(), store, Mutation{Kind: "upsert"}); err == nil {
		t.Error("Expected error for unknown mutation")
	}
	if err := Apply(context.Background(), store, Mutation{Kind: MutationInsert}); err == nil {
		t.Error("Expected error for insert without sample")
	}
}
