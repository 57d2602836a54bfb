package detector

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestPool(n int) *sessionPool {
	p := &sessionPool{sessions: make(chan *ModelSession, n)}
	for i := 0; i < n; i++ {
		s := &ModelSession{}
		p.all = append(p.all, s)
		p.put(s)
	}
	return p
}

func TestSessionPoolSerializes(t *testing.T) {
	p := newTestPool(1)

	first, err := p.get(context.Background())
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}

	acquired := make(chan *ModelSession, 1)
	go func() {
		s, err := p.get(context.Background())
		if err != nil {
			t.Errorf("second get failed: %v", err)
		}
		acquired <- s
	}()

	select {
	case <-acquired:
		t.Fatal("Second get returned while the only session was in use")
	case <-time.After(50 * time.Millisecond):
	}

	p.put(first)
	select {
	case s := <-acquired:
		if s != first {
			t.Error("Expected the returned session to be handed out again")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Second get did not return after put")
	}
}

func TestSessionPoolCancelledContext(t *testing.T) {
	p := newTestPool(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.get(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if len(p.sessions) != 1 {
		t.Errorf("Cancelled get took a session: %d free", len(p.sessions))
	}
}

func TestSessionPoolWaitTimeout(t *testing.T) {
	p := newTestPool(1)
	held, err := p.get(context.Background())
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.get(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected context.DeadlineExceeded, got %v", err)
	}

	p.put(held)
	if len(p.sessions) != 1 || p.size() != 1 {
		t.Errorf("Expected the pool to be whole again, got %d free of %d", len(p.sessions), p.size())
	}
}
