package bus

import (
	"sync"
	"testing"

	"github.com/foxglove/foxglove-sdk-sub001/internal/channel"
	"github.com/foxglove/foxglove-sdk-sub001/internal/sink"
)

type recordingSink struct {
	id      uint64
	mu      sync.Mutex
	logged  []string
	advert  []channel.ID
	filter  sink.Filter
	failErr error
}

func (r *recordingSink) ID() uint64 { return r.id }
func (r *recordingSink) Log(ch *channel.Channel, payload []byte, meta sink.Metadata) error {
	if r.failErr != nil {
		return r.failErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logged = append(r.logged, string(payload))
	return nil
}
func (r *recordingSink) AddChannel(ch *channel.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advert = append(r.advert, ch.ID)
	return nil
}
func (r *recordingSink) RemoveChannel(channel.ID)     {}
func (r *recordingSink) ChannelFilter() sink.Filter   { return r.filter }

func TestLogDeliversToSubscriber(t *testing.T) {
	c := New()
	chID, err := c.AddChannel("/imu", "json", nil, nil)
	if err != nil {
		t.Fatalf("AddChannel: %v", err)
	}
	s := &recordingSink{id: NextSinkID()}
	c.AddSink(s)
	c.SubscribeChannels(s, []channel.ID{chID})

	err = c.Log(chID, sink.Metadata{Sequence: 1}, func(buf []byte) ([]byte, error) {
		return append(buf, []byte(`{"a":1}`)...), nil
	})
	if err != nil {
		t.Fatalf("Log: %v", err)
	}
	if len(s.logged) != 1 || s.logged[0] != `{"a":1}` {
		t.Fatalf("expected message delivered, got %v", s.logged)
	}
}

func TestLogUnknownChannel(t *testing.T) {
	c := New()
	err := c.Log(channel.ID(999), sink.Metadata{}, func(buf []byte) ([]byte, error) { return buf, nil })
	if err == nil {
		t.Fatalf("expected error for unknown channel")
	}
}

func TestLogOrderPreserved(t *testing.T) {
	c := New()
	chID, _ := c.AddChannel("/imu", "json", nil, nil)
	s := &recordingSink{id: NextSinkID()}
	c.AddSink(s)
	c.SubscribeChannels(s, []channel.ID{chID})

	for i := 0; i < 20; i++ {
		n := i
		_ = c.Log(chID, sink.Metadata{Sequence: uint32(n)}, func(buf []byte) ([]byte, error) {
			return append(buf, byte('a'+n%26)), nil
		})
	}
	if len(s.logged) != 20 {
		t.Fatalf("expected 20 messages, got %d", len(s.logged))
	}
	for i, m := range s.logged {
		want := string(rune('a' + i%26))
		if m != want {
			t.Fatalf("message %d out of order: got %q want %q", i, m, want)
		}
	}
}

func TestRemoveSinkStopsDelivery(t *testing.T) {
	c := New()
	chID, _ := c.AddChannel("/imu", "json", nil, nil)
	s := &recordingSink{id: NextSinkID()}
	c.AddSink(s)
	c.SubscribeChannels(s, []channel.ID{chID})
	c.RemoveSink(s.id)

	_ = c.Log(chID, sink.Metadata{}, func(buf []byte) ([]byte, error) { return append(buf, 'x'), nil })
	if len(s.logged) != 0 {
		t.Fatalf("expected no delivery after removal, got %v", s.logged)
	}
}

func TestAddSinkAdvertisesExisting(t *testing.T) {
	c := New()
	chID, _ := c.AddChannel("/imu", "json", nil, nil)
	s := &recordingSink{id: NextSinkID()}
	c.AddSink(s)
	if len(s.advert) != 1 || s.advert[0] != chID {
		t.Fatalf("expected existing channel advertised on sink add, got %v", s.advert)
	}
}
