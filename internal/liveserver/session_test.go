package liveserver

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/foxglove/foxglove-sdk-sub001/internal/bus"
	"github.com/foxglove/foxglove-sdk-sub001/internal/listener"
	"github.com/foxglove/foxglove-sdk-sub001/internal/playback"
	"github.com/foxglove/foxglove-sdk-sub001/internal/schema"
	"github.com/foxglove/foxglove-sdk-sub001/internal/sink"
	"github.com/foxglove/foxglove-sdk-sub001/internal/wsprotocol"
)

// emptySource is a playback.Source with no messages, sufficient to
// construct a Controller for follower-broadcast tests.
type emptySource struct{}

func (emptySource) TimeRange() (uint64, uint64)    { return 0, 0 }
func (emptySource) Peek() (playback.Message, bool) { return playback.Message{}, false }
func (emptySource) Advance()                       {}

// fakeAddr satisfies net.Addr for fakeConn's RemoteAddr.
type fakeAddr struct{}

func (fakeAddr) Network() string { return "fake" }
func (fakeAddr) String() string  { return "fake://test" }

// fakeConn is a wireConn test double recording every WriteMessage call,
// grounded on the teacher's practice of driving Connection logic against
// a real net.Conn pair rather than a network (internal/rtmp/conn/conn_test.go);
// here a handwritten fake serves the same purpose since wireConn is a
// narrow, easily-doubled interface.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := append([]byte(nil), data...)
	c.frames = append(c.frames, cp)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }
func (c *fakeConn) RemoteAddr() net.Addr            { return fakeAddr{} }

func (c *fakeConn) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func newTestSession(busCtx *bus.Context, pc *playback.Controller) (*ClientSession, *fakeConn) {
	conn := &fakeConn{}
	sess := newSession("sess-test", 1, conn, busCtx, pc, 4)
	return sess, conn
}

func TestSubscribeRoutesLoggedMessageToQueue(t *testing.T) {
	busCtx := bus.New()
	chID, err := busCtx.AddChannel("/imu", "json", &schema.Schema{Name: "Imu", Encoding: "jsonschema", Data: []byte(`{}`)}, nil)
	if err != nil {
		t.Fatalf("add channel: %v", err)
	}
	sess, _ := newTestSession(busCtx, nil)

	if !sess.Subscribe(42, chID) {
		t.Fatalf("expected first subscribe to succeed")
	}
	if sess.Subscribe(42, chID) {
		t.Fatalf("expected duplicate subscription id to be rejected")
	}

	ch := busCtx.Channel(chID)
	ok := sess.TryLog(ch, []byte(`{"x":1}`), sink.Metadata{LogTimeNs: 7})
	if !ok {
		t.Fatalf("expected TryLog to succeed")
	}

	select {
	case frame := <-sess.dataQueue:
		msg, err := wsprotocol.DecodeServerFrame(frame)
		if err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		smd, ok := msg.(wsprotocol.ServerMessageData)
		if !ok {
			t.Fatalf("expected ServerMessageData, got %T", msg)
		}
		if smd.SubscriptionID != 42 {
			t.Fatalf("expected subscription id 42, got %d", smd.SubscriptionID)
		}
	default:
		t.Fatalf("expected a frame on the data queue")
	}
}

func TestTryLogDropsUnsubscribedChannel(t *testing.T) {
	busCtx := bus.New()
	chID, err := busCtx.AddChannel("/imu", "json", &schema.Schema{Name: "Imu", Encoding: "jsonschema", Data: []byte(`{}`)}, nil)
	if err != nil {
		t.Fatalf("add channel: %v", err)
	}
	sess, _ := newTestSession(busCtx, nil)
	ch := busCtx.Channel(chID)

	if !sess.TryLog(ch, []byte(`{}`), sink.Metadata{}) {
		t.Fatalf("expected TryLog on an unsubscribed channel to report success (nothing to send)")
	}
	if len(sess.dataQueue) != 0 {
		t.Fatalf("expected no frame enqueued for an unsubscribed channel")
	}
}

func TestTryLogReportsBackpressureWhenQueueFull(t *testing.T) {
	busCtx := bus.New()
	chID, err := busCtx.AddChannel("/imu", "json", &schema.Schema{Name: "Imu", Encoding: "jsonschema", Data: []byte(`{}`)}, nil)
	if err != nil {
		t.Fatalf("add channel: %v", err)
	}
	conn := &fakeConn{}
	sess := newSession("sess-test", 1, conn, busCtx, nil, 1)
	sess.Subscribe(1, chID)
	ch := busCtx.Channel(chID)

	if !sess.TryLog(ch, []byte(`{}`), sink.Metadata{}) {
		t.Fatalf("expected first TryLog to fit in the queue")
	}
	if sess.TryLog(ch, []byte(`{}`), sink.Metadata{}) {
		t.Fatalf("expected second TryLog to report backpressure once the queue is full")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	busCtx := bus.New()
	chID, err := busCtx.AddChannel("/imu", "json", &schema.Schema{Name: "Imu", Encoding: "jsonschema", Data: []byte(`{}`)}, nil)
	if err != nil {
		t.Fatalf("add channel: %v", err)
	}
	sess, _ := newTestSession(busCtx, nil)
	ch := busCtx.Channel(chID)
	sess.Subscribe(1, chID)
	sess.Unsubscribe(1)

	if !sess.TryLog(ch, []byte(`{}`), sink.Metadata{}) {
		t.Fatalf("expected TryLog after unsubscribe to report success (nothing to send)")
	}
	if len(sess.dataQueue) != 0 {
		t.Fatalf("expected no frame enqueued after unsubscribe")
	}
}

func TestAdvertiseClientChannelRejectsDuplicateID(t *testing.T) {
	busCtx := bus.New()
	sess, _ := newTestSession(busCtx, nil)

	cc := listener.ClientChannel{ID: 7, Topic: "/cmd", Encoding: "json"}
	if err := sess.AdvertiseClientChannel(cc); err != nil {
		t.Fatalf("first advertise: %v", err)
	}
	if err := sess.AdvertiseClientChannel(cc); err == nil {
		t.Fatalf("expected duplicate client channel id to be rejected")
	}

	got, ok := sess.ClientChannel(7)
	if !ok || got.Topic != "/cmd" {
		t.Fatalf("expected to find advertised client channel, got %+v ok=%v", got, ok)
	}

	if !sess.UnadvertiseClientChannel(7) {
		t.Fatalf("expected unadvertise to succeed")
	}
	if sess.UnadvertiseClientChannel(7) {
		t.Fatalf("expected second unadvertise of the same id to report false")
	}
}

func TestParameterSubscriptionTracking(t *testing.T) {
	busCtx := bus.New()
	sess, _ := newTestSession(busCtx, nil)

	if sess.WantsParameter("exposure") {
		t.Fatalf("expected no subscription before SetParameterSubscription")
	}
	sess.SetParameterSubscription("exposure", true)
	if !sess.WantsParameter("exposure") {
		t.Fatalf("expected subscription after SetParameterSubscription(true)")
	}
	sess.SetParameterSubscription("exposure", false)
	if sess.WantsParameter("exposure") {
		t.Fatalf("expected no subscription after SetParameterSubscription(false)")
	}
}

func TestSendJSONAndSendBinaryEnqueueControlFrames(t *testing.T) {
	busCtx := bus.New()
	sess, conn := newTestSession(busCtx, nil)

	if err := sess.SendJSON(wsprotocol.OpStatus, wsprotocol.Status{Level: wsprotocol.StatusLevelInfo, Message: "hi"}); err != nil {
		t.Fatalf("SendJSON: %v", err)
	}
	if err := sess.SendBinary([]byte{0x02, 0, 0, 0, 0, 0, 0, 0, 0}); err != nil {
		t.Fatalf("SendBinary: %v", err)
	}

	select {
	case <-sess.controlQueue:
	default:
		t.Fatalf("expected a control frame from SendJSON")
	}
	select {
	case <-sess.controlQueue:
	default:
		t.Fatalf("expected a control frame from SendBinary")
	}
	_ = conn // conn is unused directly: frames are drained from controlQueue, not written to the wire in this test
}

func TestTerminateReleasesSubscriptionsAndSink(t *testing.T) {
	busCtx := bus.New()
	chID, err := busCtx.AddChannel("/imu", "json", &schema.Schema{Name: "Imu", Encoding: "jsonschema", Data: []byte(`{}`)}, nil)
	if err != nil {
		t.Fatalf("add channel: %v", err)
	}
	sess, conn := newTestSession(busCtx, nil)
	busCtx.AddSink(sess)
	sess.Subscribe(1, chID)

	sess.terminate()

	if sess.getState() != StateTerminated {
		t.Fatalf("expected state Terminated after terminate")
	}
	select {
	case <-sess.ctx.Done():
	default:
		t.Fatalf("expected session context to be cancelled after terminate")
	}
	// terminate is idempotent.
	sess.terminate()
	_ = conn
}

func TestPlaybackFollowerReceivesStateWhenEnabled(t *testing.T) {
	busCtx := bus.New()
	pc := playback.New(emptySource{})
	sess, _ := newTestSession(busCtx, pc)

	sess.SetPlaybackFollower(true)
	sess.OnPlaybackState(playback.State{Status: playback.StatusPlaying, CurrentTimeNs: 100})

	select {
	case frame := <-sess.controlQueue:
		msg, err := wsprotocol.DecodeServerFrame(frame)
		if err != nil {
			t.Fatalf("decode playback state: %v", err)
		}
		ps, ok := msg.(wsprotocol.PlaybackState)
		if !ok {
			t.Fatalf("expected PlaybackState, got %T", msg)
		}
		if ps.CurrentTimeNs != 100 {
			t.Fatalf("unexpected current time: %d", ps.CurrentTimeNs)
		}
	default:
		t.Fatalf("expected a playback state frame on the control queue")
	}

	sess.SetPlaybackFollower(false)
	sess.OnPlaybackState(playback.State{Status: playback.StatusPaused, CurrentTimeNs: 200})
	select {
	case <-sess.controlQueue:
		t.Fatalf("did not expect a frame once following is disabled")
	default:
	}
}
