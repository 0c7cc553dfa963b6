package playback

import (
	"sync"
	"testing"
	"time"
)

type fakeSource struct {
	mu       sync.Mutex
	start    uint64
	end      uint64
	messages []Message
	cursor   int
}

func (f *fakeSource) TimeRange() (uint64, uint64) { return f.start, f.end }
func (f *fakeSource) Peek() (Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cursor >= len(f.messages) {
		return Message{}, false
	}
	return f.messages[f.cursor], true
}
func (f *fakeSource) Advance() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursor++
}

type fakeFollower struct {
	id      uint64
	mu      sync.Mutex
	states  []State
}

func (f *fakeFollower) ID() uint64 { return f.id }
func (f *fakeFollower) OnPlaybackState(s State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, s)
}
func (f *fakeFollower) snapshot() []State {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]State, len(f.states))
	copy(out, f.states)
	return out
}

func TestNewControllerStartsPaused(t *testing.T) {
	src := &fakeSource{start: 0, end: 1000}
	c := New(src)
	if c.Status() != StatusPaused {
		t.Fatalf("expected initial status Paused, got %v", c.Status())
	}
	if c.CurrentTime() != 0 {
		t.Fatalf("expected initial time 0, got %d", c.CurrentTime())
	}
}

func TestPlayPauseBroadcastsState(t *testing.T) {
	src := &fakeSource{start: 0, end: 1000}
	c := New(src)
	f := &fakeFollower{id: 1}
	c.AddFollower(f)

	c.Play("req-1")
	c.Pause("req-2")

	states := f.snapshot()
	if len(states) != 2 {
		t.Fatalf("expected 2 broadcasts, got %d", len(states))
	}
	if states[0].Status != StatusPlaying || states[0].RequestID != "req-1" {
		t.Fatalf("unexpected first state: %+v", states[0])
	}
	if states[1].Status != StatusPaused || states[1].RequestID != "req-2" {
		t.Fatalf("unexpected second state: %+v", states[1])
	}
}

func TestSeekClearsEndedStatus(t *testing.T) {
	src := &fakeSource{start: 0, end: 1000, messages: nil}
	c := New(src)
	c.Play("")
	_, _ = c.Pump(func(Message) error { return nil })
	if c.Status() != StatusEnded {
		t.Fatalf("expected Ended after exhausting empty source, got %v", c.Status())
	}
	c.Seek(0, "req-seek")
	if c.Status() != StatusPaused {
		t.Fatalf("expected Paused after seek clears Ended, got %v", c.Status())
	}
}

func TestPumpLogsDueMessageImmediately(t *testing.T) {
	src := &fakeSource{start: 0, end: 1000, messages: []Message{{ChannelID: 1, LogTimeNs: 0, Payload: []byte("a")}}}
	c := New(src)
	c.Play("")

	var logged []Message
	wait, cont := c.Pump(func(m Message) error {
		logged = append(logged, m)
		return nil
	})
	if wait != 0 || !cont {
		t.Fatalf("expected immediate log (0, true), got (%v, %v)", wait, cont)
	}
	if len(logged) != 1 {
		t.Fatalf("expected 1 message logged, got %d", len(logged))
	}
}

func TestPumpWaitsForFutureMessage(t *testing.T) {
	src := &fakeSource{start: 0, end: 1_000_000_000, messages: []Message{
		{ChannelID: 1, LogTimeNs: 500_000_000, Payload: []byte("a")},
	}}
	c := New(src)
	c.Play("")

	wait, cont := c.Pump(func(Message) error { return nil })
	if !cont {
		t.Fatalf("expected shouldContinue=true")
	}
	if wait <= 0 {
		t.Fatalf("expected a positive wait duration for a not-yet-due message, got %v", wait)
	}
}

func TestPumpReturnsFalseWhenNotPlaying(t *testing.T) {
	src := &fakeSource{start: 0, end: 1000}
	c := New(src)
	_, cont := c.Pump(func(Message) error { return nil })
	if cont {
		t.Fatalf("expected shouldContinue=false when paused")
	}
}

func TestPumpExhaustionEntersEndedAndBroadcasts(t *testing.T) {
	src := &fakeSource{start: 0, end: 1000}
	c := New(src)
	f := &fakeFollower{id: 1}
	c.AddFollower(f)
	c.Play("")

	_, cont := c.Pump(func(Message) error { return nil })
	if cont {
		t.Fatalf("expected shouldContinue=false on exhaustion")
	}
	if c.Status() != StatusEnded {
		t.Fatalf("expected Ended, got %v", c.Status())
	}
	states := f.snapshot()
	if len(states) == 0 || states[len(states)-1].Status != StatusEnded {
		t.Fatalf("expected a final Ended broadcast, got %+v", states)
	}
}

func TestRemoveFollowerStopsBroadcast(t *testing.T) {
	src := &fakeSource{start: 0, end: 1000}
	c := New(src)
	f := &fakeFollower{id: 1}
	c.AddFollower(f)
	c.RemoveFollower(1)
	c.Play("")
	if len(f.snapshot()) != 0 {
		t.Fatalf("expected no broadcasts after removal")
	}
}

func TestSetSpeedAffectsWaitScaling(t *testing.T) {
	src := &fakeSource{start: 0, end: 10_000_000_000, messages: []Message{
		{ChannelID: 1, LogTimeNs: 1_000_000_000, Payload: []byte("a")},
	}}
	c := New(src)
	c.Play("")
	c.SetSpeed(2.0, "")

	wait, _ := c.Pump(func(Message) error { return nil })
	if wait <= 0 || wait >= time.Second {
		t.Fatalf("expected wait scaled down by 2x speed, got %v", wait)
	}
}
