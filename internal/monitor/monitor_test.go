package monitor

import (
	"context"
	"testing"
	"time"
)

func TestCollect_FillsStaticFields(t *testing.T) {
	t.Parallel()
	snap := Collect(context.Background())
	if snap.CPUCores < 1 {
		t.Fatalf("cpu cores=%d", snap.CPUCores)
	}
	if snap.Platform == "" {
		t.Fatalf("platform missing")
	}
	if snap.CollectedAt.IsZero() {
		t.Fatalf("timestamp missing")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()
	s := NewService(nil, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("monitor did not stop after cancel")
	}
}

func TestRun_NoopWithoutInterval(t *testing.T) {
	t.Parallel()
	s := NewService(nil, 0)
	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("zero interval must return immediately")
	}
}
