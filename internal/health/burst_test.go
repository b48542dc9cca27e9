package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBurstGuardAdmitsWhenOldestLeavesWindow(t *testing.T) {
	t0 := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)
	now := t0
	g := newBurstGuard(2, time.Second)
	g.now = func() time.Time { return now }

	done, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name    string
		at      time.Duration
		wantErr bool
	}{
		{name: "first", at: 0},
		{name: "second", at: 400 * time.Millisecond},
		{name: "third held inside window", at: 999 * time.Millisecond, wantErr: true},
		{name: "third admitted once first leaves", at: time.Second},
		{name: "fourth held until second leaves", at: 1399 * time.Millisecond, wantErr: true},
		{name: "fourth admitted", at: 1400 * time.Millisecond},
	}
	for _, tt := range tests {
		now = t0.Add(tt.at)
		err := g.wait(done)
		if tt.wantErr {
			if !errors.Is(err, context.Canceled) {
				t.Fatalf("%s: got %v, want context.Canceled", tt.name, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tt.name, err)
		}
	}
}

func TestWaitBurstGuardCapsRollingWindow(t *testing.T) {
	tr := NewTracker(Policy{
		InitialPerMinute: 600000,
		MaxPerMinute:     600000,
		BurstRequests:    3,
		BurstWindow:      300 * time.Millisecond,
	}, newTestLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()

	admitted := 0
	for tr.Wait(ctx, "anilist") == nil {
		admitted++
	}
	if admitted != 3 {
		t.Errorf("admitted %d requests inside one window, want 3", admitted)
	}
}

func TestWaitBurstGuardDoesNotRefillInsideWindow(t *testing.T) {
	window := 300 * time.Millisecond
	tr := NewTracker(Policy{
		InitialPerMinute: 600000,
		MaxPerMinute:     600000,
		BurstRequests:    3,
		BurstWindow:      window,
	}, newTestLogger())
	bg := context.Background()

	start := time.Now()
	for i := 0; i < 2; i++ {
		if err := tr.Wait(bg, "anilist"); err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
	}
	time.Sleep(window / 2)
	if err := tr.Wait(bg, "anilist"); err != nil {
		t.Fatalf("third wait: %v", err)
	}

	ctx, cancel := context.WithTimeout(bg, window/4)
	defer cancel()
	if err := tr.Wait(ctx, "anilist"); err == nil {
		t.Fatal("fourth request admitted before the first left the window")
	}

	if err := tr.Wait(bg, "anilist"); err != nil {
		t.Fatalf("fourth wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < window {
		t.Errorf("fourth request admitted after %v, want at least %v", elapsed, window)
	}
}
