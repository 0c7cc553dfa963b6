// Package channel implements the channel registry: monotonic channel id
// allocation, dedup by (topic, encoding, schema, metadata), and
// advertise/unadvertise fan-out to registered sinks.
package channel

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	bsErrors "github.com/foxglove/foxglove-sdk-sub001/internal/errors"
	"github.com/foxglove/foxglove-sdk-sub001/internal/schema"
)

// ID is a process-wide unique, monotonically increasing channel
// identifier. Once assigned it never changes for the lifetime of the
// Channel.
type ID uint64

// Channel describes one logical stream of typed messages.
type Channel struct {
	ID       ID
	Topic    string
	Encoding string
	Schema   *schema.Schema
	Metadata []KV
}

// KV is a metadata key/value pair. Metadata is kept as a slice (not a
// map); dedup sorts a copy by key, so metadata that differs only in
// order dedups to the same channel.
type KV struct {
	Key   string
	Value string
}

// Sink is the subset of the sink contract the registry needs:
// notification of channel lifecycle events. The full contract lives in
// package sink; this narrow view avoids an import cycle (sink depends
// on channel for Channel, not the reverse).
type Sink interface {
	ID() uint64
	OnChannelAdvertise(ch *Channel) error
	OnChannelUnadvertise(chID ID)
	Accepts(ch *Channel) bool
}

// dedupKey is the (topic, encoding, schema bytes, metadata) tuple used
// to coalesce duplicate add_channel calls into one Channel.
type dedupKey string

func makeDedupKey(topic, encoding string, sch *schema.Schema, metadata []KV) dedupKey {
	var b strings.Builder
	b.WriteString(topic)
	b.WriteByte(0)
	b.WriteString(encoding)
	b.WriteByte(0)
	if sch != nil {
		b.WriteString(sch.Name)
		b.WriteByte(0)
		b.WriteString(sch.Encoding)
		b.WriteByte(0)
		b.Write(sch.Data)
	}
	b.WriteByte(0)
	sorted := make([]KV, len(metadata))
	copy(sorted, metadata)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })
	for _, kv := range sorted {
		b.WriteString(kv.Key)
		b.WriteByte('=')
		b.WriteString(kv.Value)
		b.WriteByte(0)
	}
	return dedupKey(b.String())
}

// Registry allocates channel ids, dedupes channel creation, and
// advertises/unadvertises channels to registered sinks. It holds no
// subscription state of its own; that lives in package subscription.
type Registry struct {
	mu       sync.RWMutex
	byKey    map[dedupKey]ID
	byID     map[ID]*Channel
	nextID   atomic.Uint64
	sinks    map[uint64]Sink
	sinkOrd  []uint64 // stable advertise ordering, grounded on the teacher's append-only subscriber slice
}

// NewRegistry creates an empty channel registry.
func NewRegistry() *Registry {
	return &Registry{
		byKey: make(map[dedupKey]ID),
		byID:  make(map[ID]*Channel),
		sinks: make(map[uint64]Sink),
	}
}

// AddChannel dedupes against existing channels (same topic, encoding,
// schema bytes, and metadata yield the same id); otherwise it assigns
// the next id and advertises the new channel to every registered sink.
func (r *Registry) AddChannel(topic, encoding string, sch *schema.Schema, metadata []KV) (ID, error) {
	if topic == "" {
		return 0, bsErrors.NewChannelTopicEmpty()
	}
	if schema.RequiresSchema(encoding) && (sch == nil || sch.IsEmpty()) {
		return 0, bsErrors.NewSchemaRequired(encoding)
	}

	key := makeDedupKey(topic, encoding, sch, metadata)

	r.mu.RLock()
	if id, ok := r.byKey[key]; ok {
		r.mu.RUnlock()
		return id, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	if id, ok := r.byKey[key]; ok { // double-check after acquiring the write lock
		r.mu.Unlock()
		return id, nil
	}
	id := ID(r.nextID.Add(1))
	ch := &Channel{ID: id, Topic: topic, Encoding: encoding, Schema: sch, Metadata: append([]KV(nil), metadata...)}
	r.byKey[key] = id
	r.byID[id] = ch

	sinks := make([]Sink, 0, len(r.sinkOrd))
	for _, sid := range r.sinkOrd {
		sinks = append(sinks, r.sinks[sid])
	}
	r.mu.Unlock()

	for _, s := range sinks {
		if s.Accepts(ch) {
			_ = s.OnChannelAdvertise(ch)
		}
	}
	return id, nil
}

// Channel returns the channel for id, or nil if unknown.
func (r *Registry) Channel(id ID) *Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// AddSink registers a sink and advertises every already-existing channel
// to it, filtered by the sink's own Accepts predicate.
func (r *Registry) AddSink(s Sink) {
	r.mu.Lock()
	if _, exists := r.sinks[s.ID()]; exists {
		r.mu.Unlock()
		return
	}
	r.sinks[s.ID()] = s
	r.sinkOrd = append(r.sinkOrd, s.ID())
	existing := make([]*Channel, 0, len(r.byID))
	for _, ch := range r.byID {
		existing = append(existing, ch)
	}
	r.mu.Unlock()

	sort.Slice(existing, func(i, j int) bool { return existing[i].ID < existing[j].ID })
	for _, ch := range existing {
		if s.Accepts(ch) {
			_ = s.OnChannelAdvertise(ch)
		}
	}
}

// RemoveSink unadvertises every channel from the sink and removes it
// from the registry. The subscription manager's own removal (dropping
// the sink from global/per-channel maps) is the caller's responsibility
// via subscription.Manager.RemoveSubscriber.
func (r *Registry) RemoveSink(sinkID uint64) {
	r.mu.Lock()
	s, ok := r.sinks[sinkID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sinks, sinkID)
	for i, id := range r.sinkOrd {
		if id == sinkID {
			r.sinkOrd = append(r.sinkOrd[:i], r.sinkOrd[i+1:]...)
			break
		}
	}
	ids := make([]ID, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		s.OnChannelUnadvertise(id)
	}
}

// Channels returns a snapshot of all registered channels ordered by id.
func (r *Registry) Channels() []*Channel {
	r.mu.RLock()
	out := make([]*Channel, 0, len(r.byID))
	for _, ch := range r.byID {
		out = append(out, ch)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
