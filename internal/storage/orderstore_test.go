package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/courier-dispatch/internal/apperrors"
	"github.com/example/courier-dispatch/internal/models"
)

func seed(t *testing.T, s *MemoryStore, id string) {
	t.Helper()
	o := &models.Order{ID: id, Status: models.StatusPending, CreatedAt: time.Now()}
	if err := s.Create(context.Background(), o); err != nil {
		t.Fatal(err)
	}
}

func TestClaimOnlyFirstDriverWins(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seed(t, s, "o1")

	ok, err := s.Claim(ctx, "o1", "a", time.Now())
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	ok, err = s.Claim(ctx, "o1", "b", time.Now())
	if err != nil || ok {
		t.Fatalf("second claim should lose: ok=%v err=%v", ok, err)
	}
	// Same driver again is a no-op success.
	ok, err = s.Claim(ctx, "o1", "a", time.Now())
	if err != nil || !ok {
		t.Fatalf("re-claim by holder: ok=%v err=%v", ok, err)
	}
}

func TestRequeueClearsAssignmentAndAccumulates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seed(t, s, "o1")
	if ok, _ := s.Claim(ctx, "o1", "a", time.Now()); !ok {
		t.Fatal("claim failed")
	}

	ok, err := s.Requeue(ctx, "o1", "a")
	if err != nil || !ok {
		t.Fatalf("requeue: ok=%v err=%v", ok, err)
	}
	o, err := s.Get(ctx, "o1")
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != models.StatusPending || o.DriverID != "" {
		t.Fatalf("order not back to pending: %+v", o)
	}
	if !o.IsExcluded("a") {
		t.Fatal("declining driver not excluded")
	}

	// Second requeue of the same driver keeps the set free of duplicates.
	if ok, _ := s.Requeue(ctx, "o1", "a"); !ok {
		t.Fatal("idempotent requeue rejected")
	}
	o, _ = s.Get(ctx, "o1")
	if len(o.Excluded) != 1 {
		t.Fatalf("exclusion duplicated: %v", o.Excluded)
	}
}

func TestRequeueRejectedWhenAnotherDriverHolds(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seed(t, s, "o1")
	if ok, _ := s.Claim(ctx, "o1", "a", time.Now()); !ok {
		t.Fatal("claim failed")
	}
	if ok, _ := s.Requeue(ctx, "o1", "b"); ok {
		t.Fatal("requeue by non-holder should fail")
	}
}

func TestCancelLosesToClaim(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seed(t, s, "o1")
	if ok, _ := s.Claim(ctx, "o1", "a", time.Now()); !ok {
		t.Fatal("claim failed")
	}
	if ok, _ := s.Cancel(ctx, "o1", models.StatusCancelledByUser); ok {
		t.Fatal("cancel should lose once claimed")
	}
	o, _ := s.Get(ctx, "o1")
	if o.Status != models.StatusInProcess {
		t.Fatalf("status changed by losing cancel: %s", o.Status)
	}
}

func TestMarkCompletedRequiresHolder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seed(t, s, "o1")
	if ok, _ := s.MarkCompleted(ctx, "o1", "a", time.Now()); ok {
		t.Fatal("completed a pending order")
	}
	if ok, _ := s.Claim(ctx, "o1", "a", time.Now()); !ok {
		t.Fatal("claim failed")
	}
	if ok, _ := s.MarkCompleted(ctx, "o1", "b", time.Now()); ok {
		t.Fatal("completed by non-holder")
	}
	if ok, _ := s.MarkCompleted(ctx, "o1", "a", time.Now()); !ok {
		t.Fatal("holder could not complete")
	}
	if ok, _ := s.MarkCompleted(ctx, "o1", "a", time.Now()); ok {
		t.Fatal("completed twice")
	}
}

func TestGetUnknownOrder(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seed(t, s, "o1")
	o, _ := s.Get(ctx, "o1")
	o.Status = models.StatusCompleted
	o.Excluded = append(o.Excluded, "x")

	fresh, _ := s.Get(ctx, "o1")
	if fresh.Status != models.StatusPending || len(fresh.Excluded) != 0 {
		t.Fatalf("mutation leaked into store: %+v", fresh)
	}
}
