package backend

import (
	"context"
	"errors"
	"testing"
)

func TestGuard_Exclusive(t *testing.T) {
	var g moveGuard

	ctx1, l1, ok := g.tryAcquire(context.Background())
	if !ok {
		t.Fatal("first acquire should succeed")
	}
	if _, _, ok := g.tryAcquire(context.Background()); ok {
		t.Fatal("second caller should be rejected")
	}
	if !g.running() {
		t.Fatal("guard should report a running move")
	}

	// The owner re-enters with its context.
	_, l2, ok := g.tryAcquire(ctx1)
	if !ok {
		t.Fatal("owner should re-enter")
	}
	if g.depth != 2 {
		t.Fatalf("depth = %d, want 2", g.depth)
	}

	l2.release()
	l1.release()
	if g.running() {
		t.Fatal("guard should be free after both releases")
	}
}

func TestGuard_ReleaseOnce(t *testing.T) {
	var g moveGuard

	ctx, outer, _ := g.tryAcquire(context.Background())
	_, inner, _ := g.tryAcquire(ctx)
	inner.release()
	inner.release()
	if g.depth != 1 {
		t.Fatalf("depth after double inner release = %d, want 1", g.depth)
	}
	outer.release()
	outer.release()
	if g.depth != 0 {
		t.Fatalf("depth = %d, want 0", g.depth)
	}
}

func TestGuard_StaleTokenRejected(t *testing.T) {
	var g moveGuard

	old, l, _ := g.tryAcquire(context.Background())
	l.release()

	_, l2, ok := g.tryAcquire(context.Background())
	if !ok {
		t.Fatal("acquire after release should succeed")
	}
	defer l2.release()
	if _, _, ok := g.tryAcquire(old); ok {
		t.Fatal("a finished owner's context must not re-enter a new move")
	}
}

func TestGuard_Cancel(t *testing.T) {
	var g moveGuard
	if g.cancelCurrent() {
		t.Fatal("cancel with no move should report false")
	}

	ctx, l, _ := g.tryAcquire(context.Background())
	if !g.cancelCurrent() {
		t.Fatal("cancel should reach the running move")
	}
	<-ctx.Done()
	if !errors.Is(context.Cause(ctx), ErrMoveCancelled) {
		t.Fatalf("cause = %v, want ErrMoveCancelled", context.Cause(ctx))
	}
	if !g.running() {
		t.Fatal("cancel must not release the guard")
	}
	l.release()
	if g.running() {
		t.Fatal("guard should be free")
	}
}
