package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"testing"
	"time"
)

// fakeTimeoutErr simulates a net.Error with Timeout semantics (we don't
// need full net.Error here).
type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string { return "fake timeout" }
func (fakeTimeoutErr) Timeout() bool { return true }

func TestIsProtocolErrorClassification(t *testing.T) {
	root := stdErrors.New("root")
	wrapped := fmt.Errorf("adding context: %w", root)
	bts := NewBufferTooShort("binary.decodeMessageData", wrapped)
	if !IsProtocolError(bts) {
		t.Fatalf("expected IsProtocolError=true for buffer-too-short error")
	}
	if !stdErrors.Is(bts, root) {
		t.Fatalf("expected errors.Is to find root cause")
	}
	var be *BufferTooShortError
	if !stdErrors.As(bts, &be) {
		t.Fatalf("expected errors.As to *BufferTooShortError")
	}
	if be.Op != "binary.decodeMessageData" {
		t.Fatalf("unexpected op: %s", be.Op)
	}

	op := NewInvalidOpcode("binary.decodeFrame", 0x7f)
	if !IsProtocolError(op) {
		t.Fatalf("expected invalid opcode error classified as protocol")
	}
	tag := NewInvalidEnumTag("playback.decodeCommand", 9)
	if !IsProtocolError(tag) {
		t.Fatalf("expected invalid enum tag error classified as protocol")
	}
	u := NewUTF8Field("json.decodeTopic", stdErrors.New("invalid byte"))
	if !IsProtocolError(u) {
		t.Fatalf("expected utf8 field error classified as protocol")
	}
	j := NewProtocolJSON("json.decode", stdErrors.New("unexpected token"))
	if !IsProtocolError(j) {
		t.Fatalf("expected protocol json error classified")
	}
}

func TestIsTimeout(t *testing.T) {
	root := fakeTimeoutErr{}
	to := NewTimeoutError("handshake.await", 5*time.Second, root)
	if !IsTimeout(to) {
		t.Fatalf("expected TimeoutError recognized")
	}
	if IsProtocolError(to) {
		t.Fatalf("timeout should NOT be protocol error")
	}
	if !IsTimeout(context.DeadlineExceeded) {
		t.Fatalf("expected context deadline recognized")
	}
	var ne error = root
	if !IsTimeout(ne) {
		t.Fatalf("expected net-like timeout recognized")
	}
}

func TestUnwrapChains(t *testing.T) {
	base := stdErrors.New("short read")
	l1 := fmt.Errorf("read: %w", base)
	l2 := NewBufferTooShort("binary.decodeFrame", l1)
	if !stdErrors.Is(l2, base) {
		t.Fatalf("errors.Is should reach base cause")
	}
	var pm protocolMarker
	if !stdErrors.As(l2, &pm) {
		t.Fatalf("expected to match protocolMarker via As")
	}
}

func TestNilSafety(t *testing.T) {
	if IsProtocolError(nil) {
		t.Fatalf("nil should not be protocol error")
	}
	if IsTimeout(nil) {
		t.Fatalf("nil should not be timeout")
	}
}

func TestConstructorWithoutCause(t *testing.T) {
	bts := NewBufferTooShort("binary.decodeFrame", nil)
	if bts == nil {
		t.Fatalf("constructor returned nil")
	}
	if errStr := bts.Error(); errStr == "" {
		t.Fatalf("expected non-empty error string")
	}
}

func TestNilErrBranchesAndStrings(t *testing.T) {
	bts := NewBufferTooShort("op1", nil)
	if bts == nil {
		t.Fatalf("nil buffer-too-short error")
	}
	if !IsProtocolError(bts) {
		t.Fatalf("expected protocol classification")
	}
	if s := bts.Error(); s == "" || s == "buffer too short:" {
		t.Fatalf("unexpected buffer-too-short error string: %q", s)
	}

	u := NewUTF8Field("op2", nil)
	if s := u.Error(); s == "" || s == "invalid utf8:" {
		t.Fatalf("bad utf8 field error string: %q", s)
	}

	j := NewProtocolJSON("op3", nil)
	if s := j.Error(); s == "" {
		t.Fatalf("empty json error string")
	}

	op := NewInvalidOpcode("op4", 0x09)
	if s := op.Error(); s == "" {
		t.Fatalf("empty invalid opcode error string")
	}

	to := NewTimeoutError("op5", 100*time.Millisecond, nil)
	if !IsTimeout(to) {
		t.Fatalf("timeout classification failed")
	}
	if IsProtocolError(to) {
		t.Fatalf("timeout misclassified as protocol")
	}
	if s := to.Error(); s == "" {
		t.Fatalf("empty timeout error string")
	}
}

func TestRecoverableErrors(t *testing.T) {
	sr := NewSchemaRequired("protobuf")
	if s := sr.Error(); s == "" {
		t.Fatalf("empty schema-required error string")
	}
	if IsProtocolError(sr) {
		t.Fatalf("schema-required is recoverable, not a protocol error")
	}

	cte := NewChannelTopicEmpty()
	if s := cte.Error(); s == "" {
		t.Fatalf("empty channel-topic-empty error string")
	}

	uc := NewUnknownChannel(42)
	var uce *UnknownChannelError
	if !stdErrors.As(uc, &uce) || uce.ChannelID != 42 {
		t.Fatalf("expected UnknownChannelError with ChannelID=42")
	}

	dc := NewDuplicateClientChannel(7)
	var dce *DuplicateClientChannelError
	if !stdErrors.As(dc, &dce) || dce.ClientChannelID != 7 {
		t.Fatalf("expected DuplicateClientChannelError with ClientChannelID=7")
	}

	sb := NewSendBackpressure("session-1")
	if s := sb.Error(); s == "" {
		t.Fatalf("empty send-backpressure error string")
	}

	sf := NewSinkFailure(3, stdErrors.New("disk full"))
	if !stdErrors.Is(sf, stdErrors.New("disk full")) {
		// errors.New instances never compare equal; just check Unwrap works.
		var sfe *SinkFailureError
		if !stdErrors.As(sf, &sfe) || sfe.SinkID != 3 {
			t.Fatalf("expected SinkFailureError with SinkID=3")
		}
	}
}

func TestNegativePredicates(t *testing.T) {
	if IsProtocolError(stdErrors.New("plain")) {
		t.Fatalf("plain error shouldn't be protocol")
	}
	if IsTimeout(stdErrors.New("plain")) {
		t.Fatalf("plain error shouldn't be timeout")
	}
}
