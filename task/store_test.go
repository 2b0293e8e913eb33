package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// backend builds a fresh, empty store for one test.
type backend struct {
	name string
	open func(t *testing.T) Store
}

func backends(t *testing.T) []backend {
	t.Helper()
	bs := []backend{
		{"file", func(t *testing.T) Store {
			return NewFileStore(filepath.Join(t.TempDir(), "queue.json"))
		}},
		{"sqlite", func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "courier.db"))
			if err != nil {
				t.Fatalf("NewSQLiteStore: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		}},
	}
	if dsn := os.Getenv("COURIER_TEST_POSTGRES_DSN"); dsn != "" {
		bs = append(bs, backend{"postgres", func(t *testing.T) Store {
			ctx := context.Background()
			s, err := NewPostgresStore(ctx, dsn)
			if err != nil {
				t.Fatalf("NewPostgresStore: %v", err)
			}
			if _, err := s.pool.Exec(ctx, `TRUNCATE courier_tasks`); err != nil {
				t.Fatalf("truncate: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		}})
	}
	if addr := os.Getenv("COURIER_TEST_REDIS_ADDR"); addr != "" {
		bs = append(bs, backend{"redis", func(t *testing.T) Store {
			prefix := "courier-test:" + uuid.NewString() + ":"
			s, err := NewRedisStore(context.Background(), addr, "", 0, prefix)
			if err != nil {
				t.Fatalf("NewRedisStore: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		}})
	}
	return bs
}

// forEachBackend runs fn once per available backend.
func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			fn(t, b.open(t))
		})
	}
}

func mustEnqueue(t *testing.T, s Store, tk *Task) string {
	t.Helper()
	id, err := s.Enqueue(context.Background(), tk)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return id
}

func claim(consumer string) Transition {
	return Transition{From: StatusPending, To: StatusProcessing, ClaimedBy: consumer}
}

func finish(consumer string, to Status, detail string) Transition {
	return Transition{From: StatusProcessing, To: to, ClaimedBy: consumer, Owner: consumer, Detail: detail}
}

func TestStore_EnqueueAndGet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		tk := &Task{Instruction: "reply to Tanaka", Source: "slack:C123", CorrelationRef: "msg-1"}
		id := mustEnqueue(t, s, tk)
		if id == "" {
			t.Fatal("Enqueue returned empty ID")
		}
		if tk.ID != id {
			t.Errorf("task.ID = %q, want %q", tk.ID, id)
		}

		got, err := s.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Status != StatusPending {
			t.Errorf("Status = %q, want %q", got.Status, StatusPending)
		}
		if got.CommandType != CommandInstruction {
			t.Errorf("CommandType = %q, want %q", got.CommandType, CommandInstruction)
		}
		if got.Instruction != "reply to Tanaka" {
			t.Errorf("Instruction = %q", got.Instruction)
		}
		if got.Source != "slack:C123" {
			t.Errorf("Source = %q", got.Source)
		}
		if got.ClaimedBy != "" || got.ClaimedAt != nil || got.Notified {
			t.Errorf("fresh task carries claim state: %+v", got)
		}
	})
}

func TestStore_GetNotFound(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		_, err := s.Get(context.Background(), "nonexistent")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Get error = %v, want ErrNotFound", err)
		}
	})
}

func TestStore_EnqueueDuplicateRef(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		first := mustEnqueue(t, s, &Task{Instruction: "a", CorrelationRef: "ref-1"})

		_, err := s.Enqueue(ctx, &Task{Instruction: "a again", CorrelationRef: "ref-1"})
		if !errors.Is(err, ErrDuplicate) {
			t.Fatalf("second Enqueue error = %v, want ErrDuplicate", err)
		}
		var dup *DuplicateError
		if !errors.As(err, &dup) || dup.ExistingID != first {
			t.Errorf("DuplicateError.ExistingID = %v, want %s", dup, first)
		}

		pending, err := s.ListPending(ctx)
		if err != nil {
			t.Fatalf("ListPending: %v", err)
		}
		if len(pending) != 1 {
			t.Errorf("len(pending) = %d, want 1", len(pending))
		}

		// Once the first task is terminal the ref is free again.
		if _, err := s.UpdateStatus(ctx, first, claim("c1")); err != nil {
			t.Fatalf("claim: %v", err)
		}
		if _, err := s.UpdateStatus(ctx, first, finish("c1", StatusCompleted, "ok")); err != nil {
			t.Fatalf("complete: %v", err)
		}
		if _, err := s.Enqueue(ctx, &Task{Instruction: "a third", CorrelationRef: "ref-1"}); err != nil {
			t.Errorf("Enqueue after completion: %v", err)
		}
	})
}

// The task holding a ref can finish between the rejected insert and the
// lookup for it; the ref is free by then, so the enqueue must succeed.
func TestStore_EnqueueRefFreedBeforeLookup(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		var hook *func()
		switch st := s.(type) {
		case *SQLiteStore:
			hook = &st.beforeLookup
		case *PostgresStore:
			hook = &st.beforeLookup
		default:
			t.Skip("backend has no lookup hook")
		}
		ctx := context.Background()
		first := mustEnqueue(t, s, &Task{Instruction: "a", CorrelationRef: "ref-1"})
		if _, err := s.UpdateStatus(ctx, first, claim("c1")); err != nil {
			t.Fatalf("claim: %v", err)
		}

		lookups := 0
		*hook = func() {
			lookups++
			if lookups > 1 {
				return
			}
			if _, err := s.UpdateStatus(ctx, first, finish("c1", StatusCompleted, "ok")); err != nil {
				t.Errorf("complete: %v", err)
			}
		}

		id, err := s.Enqueue(ctx, &Task{Instruction: "a again", CorrelationRef: "ref-1"})
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		if lookups != 1 {
			t.Errorf("lookups = %d, want 1", lookups)
		}
		got, err := s.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Status != StatusPending || got.CorrelationRef != "ref-1" {
			t.Errorf("task = %s/%q, want pending/ref-1", got.Status, got.CorrelationRef)
		}
	})
}
func TestStore_EmptyRefNeverDuplicates(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		mustEnqueue(t, s, &Task{Instruction: "x"})
		mustEnqueue(t, s, &Task{Instruction: "x"})
		pending, err := s.ListPending(context.Background())
		if err != nil {
			t.Fatalf("ListPending: %v", err)
		}
		if len(pending) != 2 {
			t.Errorf("len(pending) = %d, want 2", len(pending))
		}
	})
}

func TestStore_ListPendingFIFO(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		var want []string
		for i := 0; i < 5; i++ {
			want = append(want, mustEnqueue(t, s, &Task{Instruction: fmt.Sprintf("task %d", i)}))
		}
		pending, err := s.ListPending(context.Background())
		if err != nil {
			t.Fatalf("ListPending: %v", err)
		}
		if len(pending) != len(want) {
			t.Fatalf("len(pending) = %d, want %d", len(pending), len(want))
		}
		for i, tk := range pending {
			if tk.ID != want[i] {
				t.Errorf("pending[%d] = %s, want %s", i, tk.ID, want[i])
			}
		}
	})
}

func TestStore_ListFilter(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a := mustEnqueue(t, s, &Task{Instruction: "a", Source: "slack:C1"})
		mustEnqueue(t, s, &Task{Instruction: "b", Source: "line:U1"})
		mustEnqueue(t, s, &Task{Instruction: "c", Source: "slack:C1"})
		if _, err := s.UpdateStatus(ctx, a, claim("c1")); err != nil {
			t.Fatalf("claim: %v", err)
		}

		slack, err := s.List(ctx, Filter{Source: "slack:C1"})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(slack) != 2 {
			t.Errorf("len(slack) = %d, want 2", len(slack))
		}

		processing := StatusProcessing
		busy, err := s.List(ctx, Filter{Status: &processing})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(busy) != 1 || busy[0].ID != a {
			t.Errorf("processing = %v, want [%s]", busy, a)
		}

		limited, err := s.List(ctx, Filter{Limit: 2})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(limited) != 2 {
			t.Errorf("len(limited) = %d, want 2", len(limited))
		}
	})
}

func TestStore_ClaimAndComplete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id := mustEnqueue(t, s, &Task{Instruction: "work"})

		claimed, err := s.UpdateStatus(ctx, id, claim("mac-mini"))
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if claimed.Status != StatusProcessing || claimed.ClaimedBy != "mac-mini" {
			t.Errorf("claimed = %s/%s, want processing/mac-mini", claimed.Status, claimed.ClaimedBy)
		}
		if claimed.ClaimedAt == nil {
			t.Error("ClaimedAt not set")
		}

		pending, err := s.ListPending(ctx)
		if err != nil {
			t.Fatalf("ListPending: %v", err)
		}
		if len(pending) != 0 {
			t.Errorf("claimed task still listed as pending")
		}

		done, err := s.UpdateStatus(ctx, id, finish("mac-mini", StatusCompleted, "sent reply"))
		if err != nil {
			t.Fatalf("complete: %v", err)
		}
		if done.Status != StatusCompleted {
			t.Errorf("Status = %q, want completed", done.Status)
		}
		if done.Detail != "sent reply" {
			t.Errorf("Detail = %q, want %q", done.Detail, "sent reply")
		}
		if done.CompletedAt == nil {
			t.Error("CompletedAt not set")
		}
		if done.ClaimedBy != "mac-mini" {
			t.Errorf("ClaimedBy = %q, want mac-mini", done.ClaimedBy)
		}
	})
}

func TestStore_ClaimTwiceConflicts(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id := mustEnqueue(t, s, &Task{Instruction: "work"})
		if _, err := s.UpdateStatus(ctx, id, claim("c1")); err != nil {
			t.Fatalf("claim: %v", err)
		}
		_, err := s.UpdateStatus(ctx, id, claim("c2"))
		if !errors.Is(err, ErrConflict) {
			t.Errorf("second claim error = %v, want ErrConflict", err)
		}
		got, err := s.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.ClaimedBy != "c1" {
			t.Errorf("ClaimedBy = %q, want c1", got.ClaimedBy)
		}
	})
}

func TestStore_CompleteByNonOwnerConflicts(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id := mustEnqueue(t, s, &Task{Instruction: "work"})
		if _, err := s.UpdateStatus(ctx, id, claim("c1")); err != nil {
			t.Fatalf("claim: %v", err)
		}
		_, err := s.UpdateStatus(ctx, id, finish("c2", StatusCompleted, "stolen"))
		if !errors.Is(err, ErrConflict) {
			t.Errorf("foreign complete error = %v, want ErrConflict", err)
		}
	})
}

func TestStore_UpdateStatusNotFound(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		_, err := s.UpdateStatus(context.Background(), "missing", claim("c1"))
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("error = %v, want ErrNotFound", err)
		}
	})
}

func TestStore_InvalidTransition(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		id := mustEnqueue(t, s, &Task{Instruction: "work"})
		_, err := s.UpdateStatus(context.Background(), id,
			Transition{From: StatusPending, To: StatusCompleted})
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("error = %v, want ErrInvalidTransition", err)
		}
	})
}

func TestStore_ConcurrentClaimSingleWinner(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id := mustEnqueue(t, s, &Task{Instruction: "contended"})

		const n = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			winners   []string
			conflicts int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(consumer string) {
				defer wg.Done()
				_, err := s.UpdateStatus(ctx, id, claim(consumer))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					winners = append(winners, consumer)
				case errors.Is(err, ErrConflict):
					conflicts++
				default:
					t.Errorf("claim %s: %v", consumer, err)
				}
			}(fmt.Sprintf("consumer-%d", i))
		}
		wg.Wait()

		if len(winners) != 1 {
			t.Fatalf("winners = %v, want exactly one", winners)
		}
		if conflicts != n-1 {
			t.Errorf("conflicts = %d, want %d", conflicts, n-1)
		}
		got, err := s.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.ClaimedBy != winners[0] {
			t.Errorf("ClaimedBy = %q, want %q", got.ClaimedBy, winners[0])
		}
	})
}

func TestStore_MarkNotifiedOnce(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id := mustEnqueue(t, s, &Task{Instruction: "work"})

		first, err := s.MarkNotified(ctx, id)
		if err != nil {
			t.Fatalf("MarkNotified: %v", err)
		}
		if !first {
			t.Error("first MarkNotified = false, want true")
		}
		second, err := s.MarkNotified(ctx, id)
		if err != nil {
			t.Fatalf("MarkNotified: %v", err)
		}
		if second {
			t.Error("second MarkNotified = true, want false")
		}
		if _, err := s.MarkNotified(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("MarkNotified(missing) = %v, want ErrNotFound", err)
		}
	})
}

func TestStore_Sweep(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		done := mustEnqueue(t, s, &Task{Instruction: "done"})
		pending := mustEnqueue(t, s, &Task{Instruction: "waiting"})
		if _, err := s.UpdateStatus(ctx, done, claim("c1")); err != nil {
			t.Fatalf("claim: %v", err)
		}
		if _, err := s.UpdateStatus(ctx, done, finish("c1", StatusFailed, "boom")); err != nil {
			t.Fatalf("fail: %v", err)
		}

		n, err := s.Sweep(ctx, time.Now().Add(-time.Hour))
		if err != nil {
			t.Fatalf("Sweep: %v", err)
		}
		if n != 0 {
			t.Errorf("Sweep(past) removed %d, want 0", n)
		}

		n, err = s.Sweep(ctx, time.Now().Add(time.Hour))
		if err != nil {
			t.Fatalf("Sweep: %v", err)
		}
		if n != 1 {
			t.Errorf("Sweep(future) removed %d, want 1", n)
		}
		if _, err := s.Get(ctx, done); !errors.Is(err, ErrNotFound) {
			t.Errorf("swept task Get = %v, want ErrNotFound", err)
		}
		if _, err := s.Get(ctx, pending); err != nil {
			t.Errorf("pending task swept: %v", err)
		}
	})
}

func TestStore_DetailTruncated(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id := mustEnqueue(t, s, &Task{Instruction: "long"})
		if _, err := s.UpdateStatus(ctx, id, claim("c1")); err != nil {
			t.Fatalf("claim: %v", err)
		}
		got, err := s.UpdateStatus(ctx, id, finish("c1", StatusCompleted, strings.Repeat("あ", 800)))
		if err != nil {
			t.Fatalf("complete: %v", err)
		}
		if n := len([]rune(got.Detail)); n != MaxDetailRunes {
			t.Errorf("detail runes = %d, want %d", n, MaxDetailRunes)
		}
	})
}

func TestFileStore_SharedAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	producer := NewFileStore(path)
	consumer := NewFileStore(path)
	ctx := context.Background()

	id := mustEnqueue(t, producer, &Task{Instruction: "cross-process"})

	pending, err := consumer.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != id {
		t.Fatalf("consumer sees %v, want [%s]", pending, id)
	}
	if _, err := consumer.UpdateStatus(ctx, id, claim("c1")); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := producer.UpdateStatus(ctx, id, claim("c2")); !errors.Is(err, ErrConflict) {
		t.Errorf("producer-side claim = %v, want ErrConflict", err)
	}
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	s := NewFileStore(path)
	if _, err := s.ListPending(context.Background()); err == nil {
		t.Error("expected parse error")
	}
}
