// Package liveserver implements the WebSocket-transported live protocol:
// LiveServer accepts connections and hands each one to a ClientSession,
// which tracks per-connection state (advertised client channels,
// subscription ids, parameter subscriptions, playback following) and
// bridges the session's wire frames to the shared bus.Context,
// listener.Listener, rpc.Registry, and playback.Controller. In-flight
// service calls and asset fetches are not tracked per session.
package liveserver

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/foxglove/foxglove-sdk-sub001/internal/bus"
	"github.com/foxglove/foxglove-sdk-sub001/internal/channel"
	bsErrors "github.com/foxglove/foxglove-sdk-sub001/internal/errors"
	"github.com/foxglove/foxglove-sdk-sub001/internal/listener"
	"github.com/foxglove/foxglove-sdk-sub001/internal/logger"
	"github.com/foxglove/foxglove-sdk-sub001/internal/playback"
	"github.com/foxglove/foxglove-sdk-sub001/internal/sink"
	"github.com/foxglove/foxglove-sdk-sub001/internal/wsprotocol"
)

// wireConn narrows *websocket.Conn (or a test double) to the handful of
// methods ClientSession needs, grounded on the teacher's own WebSocketConn
// abstraction (vinq1911-nonchalant's wsflv.Subscriber) used to keep
// sessions testable without a real network connection.
type wireConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadDeadline(t time.Time) error
	RemoteAddr() net.Addr
}

// Frame kinds mirror gorilla/websocket's TextMessage(1)/BinaryMessage(2)
// constants so this package has no hard import-time dependency on the
// transport library outside server.go.
const (
	FrameText   = 1
	FrameBinary = 2
)

// State is the session lifecycle state machine: Handshake -> Active ->
// Terminated. Only Active accepts data frames.
type State uint8

const (
	StateHandshake State = iota
	StateActive
	StateTerminated
)

const defaultSendQueueCapacity = 256

// ClientSession is one connected client. It implements sink.Sink (so the
// bus can deliver logged messages to it), sink.TrySend (non-blocking
// delivery, so a slow client can't stall Context.Log's fan-out), and
// playback.Follower (so it can receive PlaybackState broadcasts once
// subscribed to playback).
type ClientSession struct {
	id       string
	sinkID   uint64
	conn     wireConn
	log      *slog.Logger
	busCtx   *bus.Context
	playback *playback.Controller

	mu    sync.Mutex
	state State

	// subscriptions maps this session's chosen subscription id to the
	// channel id it names; channelSubs is the reverse index, used so
	// Log can find the right subscription id for an outbound frame.
	subscriptions map[uint64]channel.ID
	channelSubs   map[channel.ID]uint64

	// clientChannels holds channels this session has advertised to the
	// server, keyed by its own client-chosen id. These never enter the
	// shared channel.Registry: client channels are private to the
	// session that advertised them.
	clientChannels map[uint32]listener.ClientChannel

	parameterSubs map[string]struct{}

	playbackFollower   bool
	connectionGraphSub bool

	dataQueue    chan []byte
	controlQueue chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// newSession constructs a ClientSession in Handshake state. queueCap
// bounds the data-frame send queue. Control frames use a queue four
// times that size; sendControl waits up to two seconds for room in it
// and then returns a SendBackpressure error.
func newSession(id string, sinkID uint64, conn wireConn, busCtx *bus.Context, pc *playback.Controller, queueCap int) *ClientSession {
	if queueCap <= 0 {
		queueCap = defaultSendQueueCapacity
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ClientSession{
		id:             id,
		sinkID:         sinkID,
		conn:           conn,
		log:            logger.WithSession(logger.Logger(), id, conn.RemoteAddr().String()),
		busCtx:         busCtx,
		playback:       pc,
		state:          StateHandshake,
		subscriptions:  make(map[uint64]channel.ID),
		channelSubs:    make(map[channel.ID]uint64),
		clientChannels: make(map[uint32]listener.ClientChannel),
		parameterSubs:  make(map[string]struct{}),
		dataQueue:      make(chan []byte, queueCap),
		controlQueue:   make(chan []byte, queueCap*4),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// ID implements sink.Sink / playback.Follower.
func (s *ClientSession) ID() uint64 { return s.sinkID }

// ChannelFilter implements sink.Sink: every session observes every
// channel's existence; subscription (not advertise eligibility) is what
// gates message delivery.
func (s *ClientSession) ChannelFilter() sink.Filter { return nil }

// AddChannel implements sink.Sink: advertise a newly (or already)
// registered channel to this session as a control-plane frame.
func (s *ClientSession) AddChannel(ch *channel.Channel) error {
	info := wsprotocol.ChannelInfo{
		ID:             uint64(ch.ID),
		Topic:          ch.Topic,
		Encoding:       ch.Encoding,
		SchemaName:     schemaName(ch),
		SchemaEncoding: schemaEncoding(ch),
		Schema:         schemaData(ch),
	}
	raw, err := wsprotocol.EncodeJSON(wsprotocol.OpServerAdvertise, wsprotocol.ServerAdvertise{Channels: []wsprotocol.ChannelInfo{info}})
	if err != nil {
		return err
	}
	return s.sendControl(raw)
}

// RemoveChannel implements sink.Sink: it drops this session's mapping for
// chID and queues an unadvertise frame on the control queue. writePump
// serves the control queue ahead of the data queue, so message-data
// frames for chID that are already queued can reach the client after
// the unadvertise.
func (s *ClientSession) RemoveChannel(chID channel.ID) {
	s.mu.Lock()
	if subID, ok := s.channelSubs[chID]; ok {
		delete(s.channelSubs, chID)
		delete(s.subscriptions, subID)
	}
	s.mu.Unlock()

	raw, err := wsprotocol.EncodeJSON(wsprotocol.OpServerUnadvertise, wsprotocol.ServerUnadvertise{ChannelIDs: []uint64{uint64(chID)}})
	if err != nil {
		return
	}
	_ = s.sendControl(raw)
}

// Log implements sink.Sink's blocking path: used only when TryLog isn't
// applicable (it always is here, so this exists for interface
// completeness and direct/test use).
func (s *ClientSession) Log(ch *channel.Channel, payload []byte, meta sink.Metadata) error {
	frame, ok := s.buildMessageFrame(ch.ID, payload, meta)
	if !ok {
		return nil // not subscribed: silently drop, not an error
	}
	select {
	case s.dataQueue <- frame:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// TryLog implements sink.TrySend: non-blocking enqueue. Returns false
// (signalling SendBackpressure to the caller) when the data queue is
// full, per spec.md's "newly arrived subscribed message data frames...
// may be dropped" backpressure policy. Control-plane frames never go
// through this path.
func (s *ClientSession) TryLog(ch *channel.Channel, payload []byte, meta sink.Metadata) bool {
	frame, ok := s.buildMessageFrame(ch.ID, payload, meta)
	if !ok {
		return true // not subscribed: nothing to send, not a failure
	}
	select {
	case s.dataQueue <- frame:
		return true
	default:
		return false
	}
}

func (s *ClientSession) buildMessageFrame(chID channel.ID, payload []byte, meta sink.Metadata) ([]byte, bool) {
	s.mu.Lock()
	subID, ok := s.channelSubs[chID]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	return wsprotocol.EncodeServerMessageData(wsprotocol.ServerMessageData{
		SubscriptionID: uint32(subID),
		LogTimeNs:      meta.LogTimeNs,
		Payload:        payload,
	}), true
}

// OnPlaybackState implements playback.Follower.
func (s *ClientSession) OnPlaybackState(st playback.State) {
	s.mu.Lock()
	following := s.playbackFollower
	s.mu.Unlock()
	if !following {
		return
	}
	var reqID *string
	if st.RequestID != "" {
		reqID = &st.RequestID
	}
	frame := wsprotocol.EncodePlaybackState(wsprotocol.PlaybackState{
		Status:        wsprotocol.PlaybackStatus(st.Status),
		CurrentTimeNs: st.CurrentTimeNs,
		Speed:         st.Speed,
		RequestID:     reqID,
	})
	select {
	case s.controlQueue <- frame:
	case <-s.ctx.Done():
	}
}

// sendControl enqueues a frame onto the never-dropped control queue,
// blocking briefly to provide backpressure rather than failing outright
// — grounded on the teacher's Connection.SendMessage timeout pattern
// (internal/rtmp/conn/conn.go).
func (s *ClientSession) sendControl(frame []byte) error {
	t := time.NewTimer(2 * time.Second)
	defer t.Stop()
	select {
	case s.controlQueue <- frame:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	case <-t.C:
		return bsErrors.NewSendBackpressure(s.id)
	}
}

func (s *ClientSession) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *ClientSession) getState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// terminate releases every subscription and advertised client channel in
// a single critical section, per spec.md's "Terminal states must release
// all subscriptions and advertise-unsubscribes in a single critical
// section" invariant.
func (s *ClientSession) terminate() {
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return
	}
	s.state = StateTerminated
	channelIDs := make([]channel.ID, 0, len(s.channelSubs))
	for chID := range s.channelSubs {
		channelIDs = append(channelIDs, chID)
	}
	s.subscriptions = make(map[uint64]channel.ID)
	s.channelSubs = make(map[channel.ID]uint64)
	s.clientChannels = make(map[uint32]listener.ClientChannel)
	s.mu.Unlock()

	if len(channelIDs) > 0 {
		s.busCtx.UnsubscribeChannels(s, channelIDs)
	}
	s.busCtx.RemoveSink(s.sinkID)
	if s.playback != nil {
		s.playback.RemoveFollower(s.sinkID)
	}
	s.cancel()
}

// Subscribe records subId -> chID and wires the session into the bus's
// fan-out set for that channel. Returns false if subId is already in use
// by this session (caller should reply with a status error, not retry).
func (s *ClientSession) Subscribe(subID uint64, chID channel.ID) bool {
	s.mu.Lock()
	if _, exists := s.subscriptions[subID]; exists {
		s.mu.Unlock()
		return false
	}
	s.subscriptions[subID] = chID
	s.channelSubs[chID] = subID
	s.mu.Unlock()
	s.busCtx.SubscribeChannels(s, []channel.ID{chID})
	return true
}

// Unsubscribe removes subId's mapping, if any, and unwires the session
// from that channel's fan-out set when it was the only subscription
// naming it. Returns the channel id that was unsubscribed, and whether
// subId was actually known.
func (s *ClientSession) Unsubscribe(subID uint64) (channel.ID, bool) {
	s.mu.Lock()
	chID, ok := s.subscriptions[subID]
	remaining := false
	if ok {
		delete(s.subscriptions, subID)
		delete(s.channelSubs, chID)
		for otherSub, otherCh := range s.subscriptions {
			if otherCh == chID {
				s.channelSubs[chID] = otherSub
				remaining = true
				break
			}
		}
	}
	s.mu.Unlock()
	if ok && !remaining {
		s.busCtx.UnsubscribeChannels(s, []channel.ID{chID})
	}
	return chID, ok
}

// AdvertiseClientChannel records a client-advertised channel under its
// client-chosen id. Returns an error (DuplicateClientChannelError) if
// that id is already in use by this session.
func (s *ClientSession) AdvertiseClientChannel(ch listener.ClientChannel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.clientChannels[ch.ID]; exists {
		return bsErrors.NewDuplicateClientChannel(ch.ID)
	}
	s.clientChannels[ch.ID] = ch
	return nil
}

// UnadvertiseClientChannel forgets a previously advertised client channel.
// Returns false if the id was not known to this session.
func (s *ClientSession) UnadvertiseClientChannel(id uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.clientChannels[id]; !exists {
		return false
	}
	delete(s.clientChannels, id)
	return true
}

// ClientChannel looks up a previously advertised client channel by id.
func (s *ClientSession) ClientChannel(id uint32) (listener.ClientChannel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.clientChannels[id]
	return ch, ok
}

// SetParameterSubscription tracks (or clears) interest in a parameter's
// update notifications.
func (s *ClientSession) SetParameterSubscription(name string, subscribed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if subscribed {
		s.parameterSubs[name] = struct{}{}
	} else {
		delete(s.parameterSubs, name)
	}
}

// WantsParameter reports whether this session subscribed to updates for
// the named parameter.
func (s *ClientSession) WantsParameter(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.parameterSubs[name]
	return ok
}

// SetPlaybackFollower toggles whether this session receives
// PlaybackState broadcasts; registers/unregisters it with the attached
// playback.Controller accordingly.
func (s *ClientSession) SetPlaybackFollower(enabled bool) {
	s.mu.Lock()
	s.playbackFollower = enabled
	s.mu.Unlock()
	if s.playback == nil {
		return
	}
	if enabled {
		s.playback.AddFollower(s)
	} else {
		s.playback.RemoveFollower(s.sinkID)
	}
}

// SetConnectionGraphSubscribed toggles whether this session receives
// connectionGraphUpdate broadcasts.
func (s *ClientSession) SetConnectionGraphSubscribed(subscribed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectionGraphSub = subscribed
}

// WantsConnectionGraph reports whether this session subscribed to
// connection graph updates.
func (s *ClientSession) WantsConnectionGraph() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectionGraphSub
}

// SendJSON marshals and enqueues a control-plane JSON op frame.
func (s *ClientSession) SendJSON(opName string, msg any) error {
	raw, err := wsprotocol.EncodeJSON(opName, msg)
	if err != nil {
		return err
	}
	return s.sendControl(raw)
}

// SendBinary enqueues a pre-encoded binary control frame (time
// broadcast, service-call response, fetch-asset response, playback
// state).
func (s *ClientSession) SendBinary(frame []byte) error {
	return s.sendControl(frame)
}

func schemaName(ch *channel.Channel) string {
	if ch.Schema == nil {
		return ""
	}
	return ch.Schema.Name
}

func schemaEncoding(ch *channel.Channel) string {
	if ch.Schema == nil {
		return ""
	}
	return ch.Schema.Encoding
}

func schemaData(ch *channel.Channel) string {
	if ch.Schema == nil {
		return ""
	}
	return wsprotocol.EncodeSchemaBytes(ch.Schema.Encoding, ch.Schema.Data)
}
