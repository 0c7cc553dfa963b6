// Package sink defines the polymorphic Sink contract shared by the file
// writer sink and the live-protocol sink, grounded on the teacher's
// media.Subscriber / TrySendMessage non-blocking send pattern.
package sink

import (
	"github.com/foxglove/foxglove-sdk-sub001/internal/channel"
)

// Metadata carries the per-log-call fields that accompany an encoded
// message. Context.Log passes it to every sink as given: a zero Sequence
// is not replaced by a per-channel counter, and a zero LogTimeNs is not
// replaced by the wall clock.
type Metadata struct {
	Sequence  uint32
	LogTimeNs uint64
}

// Filter decides whether a sink wants messages from a given channel. A
// nil Filter means "accept every channel".
type Filter func(ch *channel.Channel) bool

// Sink is the common contract implemented by the file writer sink and
// the live-protocol sink (one ClientSession acting as a sink per
// connected client), as well as any user-supplied sink.
type Sink interface {
	// ID returns the sink's process-wide unique identifier.
	ID() uint64

	// Log delivers one already-encoded message to the sink. Implementations
	// must not block the caller for unbounded time; a slow or full sink
	// should drop the message (see TrySend) rather than stall the
	// producer that called Context.Log.
	Log(ch *channel.Channel, payload []byte, meta Metadata) error

	// AddChannel notifies the sink that a channel now exists (advertise).
	AddChannel(ch *channel.Channel) error

	// RemoveChannel notifies the sink that a channel is gone (unadvertise).
	RemoveChannel(chID channel.ID)

	// ChannelFilter returns the sink's subscription predicate, or nil to
	// accept every channel.
	ChannelFilter() Filter
}

// Accepts applies a sink's filter to a channel, treating a nil filter as
// "accept all". It is the shared helper behind channel.Sink.Accepts in
// the bus package's adapter, used for every Sink added to a Context.
func Accepts(s Sink, ch *channel.Channel) bool {
	f := s.ChannelFilter()
	if f == nil {
		return true
	}
	return f(ch)
}

// TrySend is implemented by sinks that support non-blocking enqueue. A
// sink without it is assumed to perform its own internal buffering
// (e.g. synchronous file append) and Log never blocks meaningfully.
type TrySend interface {
	TryLog(ch *channel.Channel, payload []byte, meta Metadata) bool
}
