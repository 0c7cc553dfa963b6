// Package bus implements Context: the composition root that owns a
// ChannelRegistry and a set of Sinks, and routes each logged message to
// the sinks that subscribe to it.
package bus

import (
	"fmt"
	"sync/atomic"

	"github.com/foxglove/foxglove-sdk-sub001/internal/bufpool"
	"github.com/foxglove/foxglove-sdk-sub001/internal/channel"
	bsErrors "github.com/foxglove/foxglove-sdk-sub001/internal/errors"
	"github.com/foxglove/foxglove-sdk-sub001/internal/logger"
	"github.com/foxglove/foxglove-sdk-sub001/internal/schema"
	"github.com/foxglove/foxglove-sdk-sub001/internal/sink"
	"github.com/foxglove/foxglove-sdk-sub001/internal/subscription"
)

// Encoder turns a typed message into bytes for a channel's encoding.
// Context itself is encoding-agnostic: Log hands the Encoder a buffer
// borrowed from the Context's bufpool.Pool and fans the returned bytes
// out to every subscribed sink.
type Encoder func(buf []byte) ([]byte, error)

var sinkIDCounter atomic.Uint64

// NextSinkID allocates a process-wide unique sink id, grounded on the
// teacher's atomic connection-id counter (internal/rtmp/conn.nextID).
func NextSinkID() uint64 { return sinkIDCounter.Add(1) }

// sinkAdapter lets a sink.Sink satisfy channel.Sink without either
// package importing the other.
type sinkAdapter struct {
	sink.Sink
}

func (a sinkAdapter) OnChannelAdvertise(ch *channel.Channel) error { return a.AddChannel(ch) }
func (a sinkAdapter) OnChannelUnadvertise(chID channel.ID)         { a.RemoveChannel(chID) }
func (a sinkAdapter) Accepts(ch *channel.Channel) bool             { return sink.Accepts(a.Sink, ch) }

// Context composes a ChannelRegistry and a SubscriptionManager and is
// the entry point producer code calls to register channels, add/remove
// sinks, and log messages.
type Context struct {
	registry *channel.Registry
	subs     *subscription.Manager
	log      *zlog
	pool     *bufpool.Pool
}

// zlog narrows the logger package down to the handful of calls Context
// needs; it always writes through the package-level logger.
type zlog struct{}

func (zlog) sinkFailure(err error) { logger.Warn("sink log failed", "err", err) }

// New creates an empty Context.
func New() *Context {
	return &Context{
		registry: channel.NewRegistry(),
		subs:     subscription.NewManager(),
		log:      &zlog{},
		pool:     bufpool.New(),
	}
}

// AddChannel registers (or dedupes against) a channel and advertises it
// to every registered sink.
func (c *Context) AddChannel(topic, encoding string, sch *schema.Schema, metadata []channel.KV) (channel.ID, error) {
	return c.registry.AddChannel(topic, encoding, sch, metadata)
}

// AddSink registers a sink, advertises every existing channel to it (per
// its filter), and makes it eligible for subscription.
func (c *Context) AddSink(s sink.Sink) {
	c.registry.AddSink(sinkAdapter{s})
}

// RemoveSink unadvertises every channel from the sink, drops its
// subscriptions, and removes it from the registry. Per §3, all of a
// sink's bookkeeping is released atomically with respect to new log
// calls: RemoveSubscriber runs before the registry unadvertises, so no
// log call racing with removal can reach a half-torn-down sink.
func (c *Context) RemoveSink(sinkID uint64) {
	c.subs.RemoveSubscriber(sinkID)
	c.registry.RemoveSink(sinkID)
}

// SubscribeGlobal makes s a global subscriber (receives every channel).
func (c *Context) SubscribeGlobal(s sink.Sink) { c.subs.SubscribeGlobal(subSink{s}) }

// SubscribeChannels makes s a subscriber of the given channels.
func (c *Context) SubscribeChannels(s sink.Sink, channels []channel.ID) {
	c.subs.SubscribeChannels(subSink{s}, channels)
}

// UnsubscribeChannels removes s's subscription to the given channels.
func (c *Context) UnsubscribeChannels(s sink.Sink, channels []channel.ID) {
	c.subs.UnsubscribeChannels(subSink{s}, channels)
}

// subSink adapts sink.Sink to subscription.Sink (identity only).
type subSink struct{ sink.Sink }

// Log encodes a message exactly once via encode, then delivers the
// shared read-only buffer to every subscriber of chID. Per-sink
// failures are isolated: logged and skipped, the remaining sinks still
// receive the message. Never blocks waiting on a slow sink; sinks
// implementing sink.TrySend get the non-blocking path, others get a
// direct (assumed-bounded) call, grounded on the teacher's
// Registry.BroadcastMessage snapshot-then-TrySendMessage-else-SendMessage
// fallback.
func (c *Context) Log(chID channel.ID, meta sink.Metadata, encode Encoder) error {
	ch := c.registry.Channel(chID)
	if ch == nil {
		return bsErrors.NewUnknownChannel(uint64(chID))
	}

	scratch := c.pool.Get(256)
	defer c.pool.Put(scratch)
	payload, err := encode(scratch[:0])
	if err != nil {
		return fmt.Errorf("bus: encode channel %d: %w", chID, err)
	}

	subscribers := c.subs.GetSubscribers(chID)
	for _, s := range subscribers {
		concrete := s.(subSink).Sink
		if ts, ok := concrete.(sink.TrySend); ok {
			if !ts.TryLog(ch, payload, meta) {
				c.log.sinkFailure(bsErrors.NewSendBackpressure(fmt.Sprintf("sink-%d", concrete.ID())))
			}
			continue
		}
		if err := concrete.Log(ch, payload, meta); err != nil {
			c.log.sinkFailure(bsErrors.NewSinkFailure(concrete.ID(), err))
		}
	}
	return nil
}

// Channels returns a snapshot of every registered channel.
func (c *Context) Channels() []*channel.Channel { return c.registry.Channels() }

// Channel returns the channel registered under id, or nil if unknown.
func (c *Context) Channel(id channel.ID) *channel.Channel { return c.registry.Channel(id) }
