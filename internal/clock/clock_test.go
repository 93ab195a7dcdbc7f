package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClockAfterFiresOnAdvance(t *testing.T) {
	t.Parallel()
	c := Fake(epoch)
	ch := c.After(3 * time.Second)

	c.Advance(2 * time.Second)
	select {
	case <-ch:
		t.Fatal("After fired before deadline")
	default:
	}

	c.Advance(time.Second)
	select {
	case got := <-ch:
		if want := epoch.Add(3 * time.Second); !got.Equal(want) {
			t.Fatalf("fired at %v, want %v", got, want)
		}
	default:
		t.Fatal("After did not fire after Advance")
	}
	if n := c.PendingCount(); n != 0 {
		t.Fatalf("PendingCount = %d, want 0", n)
	}
}

func TestFakeClockAfterNonPositive(t *testing.T) {
	t.Parallel()
	c := Fake(epoch)
	for _, d := range []time.Duration{0, -time.Second} {
		select {
		case <-c.After(d):
		default:
			t.Fatalf("After(%v) should fire immediately", d)
		}
	}
}

func TestFakeClockSetBackwards(t *testing.T) {
	t.Parallel()
	c := Fake(epoch)
	ch := c.After(time.Second)
	c.Set(epoch.Add(-time.Minute))
	if got := c.Now(); !got.Equal(epoch.Add(-time.Minute)) {
		t.Fatalf("Now = %v", got)
	}
	select {
	case <-ch:
		t.Fatal("waiter fired when clock moved backwards")
	default:
	}
}

func TestFakeClockWaitForTimers(t *testing.T) {
	t.Parallel()
	c := Fake(epoch)
	done := make(chan struct{})
	go func() {
		<-c.After(time.Second)
		close(done)
	}()
	c.WaitForTimers(1)
	c.Advance(time.Second)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("goroutine never woke")
	}
}

func TestSimClockJumpsOnWait(t *testing.T) {
	t.Parallel()
	c := Sim(epoch)
	got := <-c.After(250 * time.Millisecond)
	if want := epoch.Add(250 * time.Millisecond); !got.Equal(want) || !c.Now().Equal(want) {
		t.Fatalf("after wait: got %v now %v, want %v", got, c.Now(), want)
	}
	<-c.After(-time.Second)
	if c.Elapsed() != 250*time.Millisecond {
		t.Fatalf("Elapsed = %v", c.Elapsed())
	}
}
