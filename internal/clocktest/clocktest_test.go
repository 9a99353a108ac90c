package clocktest

import (
	"testing"
	"time"
)

func TestAdvance_FiresInOrder(t *testing.T) {
	c := New(time.Unix(0, 0))

	var fired []string
	c.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })
	c.AfterFunc(1*time.Second, func() { fired = append(fired, "a") })
	stopped := c.AfterFunc(1500*time.Millisecond, func() { fired = append(fired, "stopped") })
	if !stopped.Stop() {
		t.Fatal("Stop() on pending timer returned false")
	}
	if stopped.Stop() {
		t.Error("second Stop() returned true")
	}

	c.Advance(1 * time.Second)
	if len(fired) != 1 || fired[0] != "a" {
		t.Fatalf("after 1s fired = %v, want [a]", fired)
	}
	c.Advance(5 * time.Second)
	if len(fired) != 2 || fired[1] != "b" {
		t.Fatalf("after 6s fired = %v, want [a b]", fired)
	}
	if got := c.Now(); !got.Equal(time.Unix(6, 0)) {
		t.Errorf("Now() = %v, want 6s", got)
	}
}

func TestAdvance_CallbackSeesDeadline(t *testing.T) {
	c := New(time.Unix(0, 0))
	var at time.Time
	c.AfterFunc(300*time.Millisecond, func() { at = c.Now() })
	c.Advance(time.Second)
	if !at.Equal(time.UnixMilli(300)) {
		t.Errorf("callback saw %v, want 300ms", at)
	}
}

func TestAdvance_NestedCallback(t *testing.T) {
	c := New(time.Unix(0, 0))
	var at time.Time
	c.AfterFunc(time.Second, func() {
		c.AfterFunc(time.Second, func() { at = c.Now() })
	})
	c.Advance(5 * time.Second)
	if !at.Equal(time.Unix(2, 0)) {
		t.Errorf("nested callback saw %v, want 2s", at)
	}
}

func TestTimer_Reset(t *testing.T) {
	c := New(time.Unix(0, 0))
	timer := c.Timer(time.Second)
	c.Advance(time.Second)
	select {
	case <-timer.C:
	default:
		t.Fatal("Timer did not fire")
	}
	timer.Reset(time.Minute)
	c.Advance(time.Second)
	select {
	case <-timer.C:
		t.Fatal("Timer fired early after Reset")
	default:
	}
	c.Advance(time.Minute)
	select {
	case <-timer.C:
	default:
		t.Fatal("Timer did not fire after Reset")
	}
}
