// Package wsprotocol implements the live wire protocol's two
// multiplexed encodings: binary opcode frames (this file) and JSON
// control-plane frames (json.go). Binary numeric fields are
// little-endian throughout, confirmed by the PlaybackControlRequest
// test vector (speed=1.5 as f32 encodes to 00 00 C0 3F).
package wsprotocol

import (
	"encoding/binary"
	"math"
	"unicode/utf8"

	bsErrors "github.com/foxglove/foxglove-sdk-sub001/internal/errors"
)

// Client-to-server binary opcodes.
const (
	OpClientMessageData byte = 0x01
	OpServiceCallRequest byte = 0x02
	OpPlaybackControlRequest byte = 0x03
)

// Server-to-client binary opcodes.
const (
	OpServerMessageData     byte = 0x01
	OpTimeBroadcast         byte = 0x02
	OpServiceCallResponse   byte = 0x03
	OpFetchAssetResponse    byte = 0x04
	OpPlaybackState         byte = 0x05
)

// PlaybackCommand is the client-requested transport command.
type PlaybackCommand uint8

const (
	PlaybackCommandPlay  PlaybackCommand = 0
	PlaybackCommandPause PlaybackCommand = 1
)

// PlaybackStatus is the server-reported playback status.
type PlaybackStatus uint8

const (
	PlaybackStatusPlaying   PlaybackStatus = 0
	PlaybackStatusPaused    PlaybackStatus = 1
	PlaybackStatusBuffering PlaybackStatus = 2
	PlaybackStatusEnded     PlaybackStatus = 3
)

// ClientMessageData is client -> server opcode 0x01:
// [u32 channel_id][u64 log_time_ns][bytes payload].
type ClientMessageData struct {
	ClientChannelID uint32
	LogTimeNs       uint64
	Payload         []byte
}

// EncodeClientMessageData serializes a ClientMessageData frame,
// including the leading opcode byte.
func EncodeClientMessageData(m ClientMessageData) []byte {
	buf := make([]byte, 1+4+8+len(m.Payload))
	buf[0] = OpClientMessageData
	binary.LittleEndian.PutUint32(buf[1:5], m.ClientChannelID)
	binary.LittleEndian.PutUint64(buf[5:13], m.LogTimeNs)
	copy(buf[13:], m.Payload)
	return buf
}

// DecodeClientMessageData parses the opcode-stripped body of a 0x01
// client frame.
func DecodeClientMessageData(body []byte) (ClientMessageData, error) {
	if len(body) < 12 {
		return ClientMessageData{}, bsErrors.NewBufferTooShort("wsprotocol.decodeClientMessageData", nil)
	}
	return ClientMessageData{
		ClientChannelID: binary.LittleEndian.Uint32(body[0:4]),
		LogTimeNs:       binary.LittleEndian.Uint64(body[4:12]),
		Payload:         body[12:],
	}, nil
}

// ServerMessageData is server -> client opcode 0x01:
// [u32 subscription_id][u64 log_time_ns][bytes payload].
type ServerMessageData struct {
	SubscriptionID uint32
	LogTimeNs      uint64
	Payload        []byte
}

func EncodeServerMessageData(m ServerMessageData) []byte {
	buf := make([]byte, 1+4+8+len(m.Payload))
	buf[0] = OpServerMessageData
	binary.LittleEndian.PutUint32(buf[1:5], m.SubscriptionID)
	binary.LittleEndian.PutUint64(buf[5:13], m.LogTimeNs)
	copy(buf[13:], m.Payload)
	return buf
}

func DecodeServerMessageData(body []byte) (ServerMessageData, error) {
	if len(body) < 12 {
		return ServerMessageData{}, bsErrors.NewBufferTooShort("wsprotocol.decodeServerMessageData", nil)
	}
	return ServerMessageData{
		SubscriptionID: binary.LittleEndian.Uint32(body[0:4]),
		LogTimeNs:      binary.LittleEndian.Uint64(body[4:12]),
		Payload:        body[12:],
	}, nil
}

// ServiceCallRequest is client -> server opcode 0x02. ServiceCallResponse
// (server -> client opcode 0x03) reuses the same framing, per §4.3.
// Layout: [u32 service_id][u32 call_id][u32 encoding_len][bytes encoding][bytes payload].
type ServiceCallRequest struct {
	ServiceID uint32
	CallID    uint32
	Encoding  string
	Payload   []byte
}

type ServiceCallResponse = ServiceCallRequest

func encodeServiceCall(opcode byte, m ServiceCallRequest) []byte {
	buf := make([]byte, 1+4+4+4+len(m.Encoding)+len(m.Payload))
	buf[0] = opcode
	binary.LittleEndian.PutUint32(buf[1:5], m.ServiceID)
	binary.LittleEndian.PutUint32(buf[5:9], m.CallID)
	binary.LittleEndian.PutUint32(buf[9:13], uint32(len(m.Encoding)))
	n := copy(buf[13:], m.Encoding)
	copy(buf[13+n:], m.Payload)
	return buf
}

func decodeServiceCall(op string, body []byte) (ServiceCallRequest, error) {
	if len(body) < 12 {
		return ServiceCallRequest{}, bsErrors.NewBufferTooShort(op, nil)
	}
	serviceID := binary.LittleEndian.Uint32(body[0:4])
	callID := binary.LittleEndian.Uint32(body[4:8])
	encLen := int(binary.LittleEndian.Uint32(body[8:12]))
	if len(body) < 12+encLen {
		return ServiceCallRequest{}, bsErrors.NewBufferTooShort(op, nil)
	}
	encBytes := body[12 : 12+encLen]
	if !utf8.Valid(encBytes) {
		return ServiceCallRequest{}, bsErrors.NewUTF8Field(op, nil)
	}
	return ServiceCallRequest{
		ServiceID: serviceID,
		CallID:    callID,
		Encoding:  string(encBytes),
		Payload:   body[12+encLen:],
	}, nil
}

// EncodeServiceCallRequest serializes a client -> server service call.
func EncodeServiceCallRequest(m ServiceCallRequest) []byte {
	return encodeServiceCall(OpServiceCallRequest, m)
}

// DecodeServiceCallRequest parses the opcode-stripped body of a 0x02 frame.
func DecodeServiceCallRequest(body []byte) (ServiceCallRequest, error) {
	return decodeServiceCall("wsprotocol.decodeServiceCallRequest", body)
}

// EncodeServiceCallResponse serializes a server -> client service call
// response, which matches the request framing.
func EncodeServiceCallResponse(m ServiceCallResponse) []byte {
	return encodeServiceCall(OpServiceCallResponse, m)
}

// DecodeServiceCallResponse parses the opcode-stripped body of a 0x03 frame.
func DecodeServiceCallResponse(body []byte) (ServiceCallResponse, error) {
	return decodeServiceCall("wsprotocol.decodeServiceCallResponse", body)
}

// PlaybackControlRequest is client -> server opcode 0x03:
// [u8 cmd][f32 speed][u8 had_seek][u64 seek_ns][u32 req_id_len][bytes req_id].
// The seek-time bytes are always present; had_seek=0 means they must be
// ignored rather than treated as a zero-time seek.
type PlaybackControlRequest struct {
	Command   PlaybackCommand
	Speed     float32
	SeekTimeNs *uint64
	RequestID string
}

func EncodePlaybackControlRequest(m PlaybackControlRequest) []byte {
	buf := make([]byte, 1+1+4+1+8+4+len(m.RequestID))
	i := 0
	buf[i] = OpPlaybackControlRequest
	i++
	buf[i] = byte(m.Command)
	i++
	binary.LittleEndian.PutUint32(buf[i:i+4], math.Float32bits(m.Speed))
	i += 4
	if m.SeekTimeNs != nil {
		buf[i] = 1
	} else {
		buf[i] = 0
	}
	i++
	seek := uint64(0)
	if m.SeekTimeNs != nil {
		seek = *m.SeekTimeNs
	}
	binary.LittleEndian.PutUint64(buf[i:i+8], seek)
	i += 8
	binary.LittleEndian.PutUint32(buf[i:i+4], uint32(len(m.RequestID)))
	i += 4
	copy(buf[i:], m.RequestID)
	return buf
}

func DecodePlaybackControlRequest(body []byte) (PlaybackControlRequest, error) {
	const headerLen = 1 + 4 + 1 + 8 + 4
	if len(body) < headerLen {
		return PlaybackControlRequest{}, bsErrors.NewBufferTooShort("wsprotocol.decodePlaybackControlRequest", nil)
	}
	cmdByte := body[0]
	if cmdByte != byte(PlaybackCommandPlay) && cmdByte != byte(PlaybackCommandPause) {
		return PlaybackControlRequest{}, bsErrors.NewInvalidEnumTag("wsprotocol.decodePlaybackControlRequest", uint64(cmdByte))
	}
	speed := math.Float32frombits(binary.LittleEndian.Uint32(body[1:5]))
	hadSeek := body[5] != 0
	seekRaw := binary.LittleEndian.Uint64(body[6:14])
	var seek *uint64
	if hadSeek {
		v := seekRaw
		seek = &v
	}
	reqIDLen := int(binary.LittleEndian.Uint32(body[14:18]))
	if len(body) < 18+reqIDLen {
		return PlaybackControlRequest{}, bsErrors.NewBufferTooShort("wsprotocol.decodePlaybackControlRequest", nil)
	}
	idBytes := body[18 : 18+reqIDLen]
	if !utf8.Valid(idBytes) {
		return PlaybackControlRequest{}, bsErrors.NewUTF8Field("wsprotocol.decodePlaybackControlRequest", nil)
	}
	return PlaybackControlRequest{
		Command:    PlaybackCommand(cmdByte),
		Speed:      speed,
		SeekTimeNs: seek,
		RequestID:  string(idBytes),
	}, nil
}

// TimeBroadcast is server -> client opcode 0x02: [u64 ns].
type TimeBroadcast struct {
	Ns uint64
}

func EncodeTimeBroadcast(m TimeBroadcast) []byte {
	buf := make([]byte, 1+8)
	buf[0] = OpTimeBroadcast
	binary.LittleEndian.PutUint64(buf[1:9], m.Ns)
	return buf
}

func DecodeTimeBroadcast(body []byte) (TimeBroadcast, error) {
	if len(body) < 8 {
		return TimeBroadcast{}, bsErrors.NewBufferTooShort("wsprotocol.decodeTimeBroadcast", nil)
	}
	return TimeBroadcast{Ns: binary.LittleEndian.Uint64(body[0:8])}, nil
}

// FetchAssetResponse is server -> client opcode 0x04:
// [u32 request_id][u8 status][u32 err_len][bytes err][bytes asset].
// Status: 0=success, 1=error.
type FetchAssetResponse struct {
	RequestID uint32
	Status    uint8
	Err       string
	Asset     []byte
}

const (
	FetchAssetStatusSuccess uint8 = 0
	FetchAssetStatusError   uint8 = 1
)

func EncodeFetchAssetResponse(m FetchAssetResponse) []byte {
	buf := make([]byte, 1+4+1+4+len(m.Err)+len(m.Asset))
	i := 0
	buf[i] = OpFetchAssetResponse
	i++
	binary.LittleEndian.PutUint32(buf[i:i+4], m.RequestID)
	i += 4
	buf[i] = m.Status
	i++
	binary.LittleEndian.PutUint32(buf[i:i+4], uint32(len(m.Err)))
	i += 4
	n := copy(buf[i:], m.Err)
	i += n
	copy(buf[i:], m.Asset)
	return buf
}

func DecodeFetchAssetResponse(body []byte) (FetchAssetResponse, error) {
	if len(body) < 9 {
		return FetchAssetResponse{}, bsErrors.NewBufferTooShort("wsprotocol.decodeFetchAssetResponse", nil)
	}
	requestID := binary.LittleEndian.Uint32(body[0:4])
	status := body[4]
	if status != FetchAssetStatusSuccess && status != FetchAssetStatusError {
		return FetchAssetResponse{}, bsErrors.NewInvalidEnumTag("wsprotocol.decodeFetchAssetResponse", uint64(status))
	}
	errLen := int(binary.LittleEndian.Uint32(body[5:9]))
	if len(body) < 9+errLen {
		return FetchAssetResponse{}, bsErrors.NewBufferTooShort("wsprotocol.decodeFetchAssetResponse", nil)
	}
	errBytes := body[9 : 9+errLen]
	if !utf8.Valid(errBytes) {
		return FetchAssetResponse{}, bsErrors.NewUTF8Field("wsprotocol.decodeFetchAssetResponse", nil)
	}
	return FetchAssetResponse{
		RequestID: requestID,
		Status:    status,
		Err:       string(errBytes),
		Asset:     body[9+errLen:],
	}, nil
}

// PlaybackState is server -> client opcode 0x05:
// [u8 status][u64 current_ns][f32 speed][u32 req_id_len][bytes req_id].
// req_id_len=0 means the request id is absent (a spontaneous state
// change), not an empty-but-present string.
type PlaybackState struct {
	Status        PlaybackStatus
	CurrentTimeNs uint64
	Speed         float32
	RequestID     *string
}

func EncodePlaybackState(m PlaybackState) []byte {
	reqID := ""
	if m.RequestID != nil {
		reqID = *m.RequestID
	}
	buf := make([]byte, 1+1+8+4+4+len(reqID))
	i := 0
	buf[i] = OpPlaybackState
	i++
	buf[i] = byte(m.Status)
	i++
	binary.LittleEndian.PutUint64(buf[i:i+8], m.CurrentTimeNs)
	i += 8
	binary.LittleEndian.PutUint32(buf[i:i+4], math.Float32bits(m.Speed))
	i += 4
	binary.LittleEndian.PutUint32(buf[i:i+4], uint32(len(reqID)))
	i += 4
	copy(buf[i:], reqID)
	return buf
}

func DecodePlaybackState(body []byte) (PlaybackState, error) {
	const headerLen = 1 + 8 + 4 + 4
	if len(body) < headerLen {
		return PlaybackState{}, bsErrors.NewBufferTooShort("wsprotocol.decodePlaybackState", nil)
	}
	statusByte := body[0]
	if statusByte > byte(PlaybackStatusEnded) {
		return PlaybackState{}, bsErrors.NewInvalidEnumTag("wsprotocol.decodePlaybackState", uint64(statusByte))
	}
	current := binary.LittleEndian.Uint64(body[1:9])
	speed := math.Float32frombits(binary.LittleEndian.Uint32(body[9:13]))
	reqIDLen := int(binary.LittleEndian.Uint32(body[13:17]))
	var reqID *string
	if reqIDLen > 0 {
		if len(body) < 17+reqIDLen {
			return PlaybackState{}, bsErrors.NewBufferTooShort("wsprotocol.decodePlaybackState", nil)
		}
		idBytes := body[17 : 17+reqIDLen]
		if !utf8.Valid(idBytes) {
			return PlaybackState{}, bsErrors.NewUTF8Field("wsprotocol.decodePlaybackState", nil)
		}
		s := string(idBytes)
		reqID = &s
	}
	return PlaybackState{
		Status:        PlaybackStatus(statusByte),
		CurrentTimeNs: current,
		Speed:         speed,
		RequestID:     reqID,
	}, nil
}

// DecodeClientFrame dispatches on a client -> server binary frame's
// leading opcode byte. frame includes the opcode; the returned value's
// concrete type depends on the opcode (ClientMessageData,
// ServiceCallRequest, or PlaybackControlRequest).
func DecodeClientFrame(frame []byte) (any, error) {
	if len(frame) < 1 {
		return nil, bsErrors.NewBufferTooShort("wsprotocol.decodeClientFrame", nil)
	}
	op, body := frame[0], frame[1:]
	switch op {
	case OpClientMessageData:
		return DecodeClientMessageData(body)
	case OpServiceCallRequest:
		return DecodeServiceCallRequest(body)
	case OpPlaybackControlRequest:
		return DecodePlaybackControlRequest(body)
	default:
		return nil, bsErrors.NewInvalidOpcode("wsprotocol.decodeClientFrame", op)
	}
}

// DecodeServerFrame dispatches on a server -> client binary frame's
// leading opcode byte.
func DecodeServerFrame(frame []byte) (any, error) {
	if len(frame) < 1 {
		return nil, bsErrors.NewBufferTooShort("wsprotocol.decodeServerFrame", nil)
	}
	op, body := frame[0], frame[1:]
	switch op {
	case OpServerMessageData:
		return DecodeServerMessageData(body)
	case OpTimeBroadcast:
		return DecodeTimeBroadcast(body)
	case OpServiceCallResponse:
		return DecodeServiceCallResponse(body)
	case OpFetchAssetResponse:
		return DecodeFetchAssetResponse(body)
	case OpPlaybackState:
		return DecodePlaybackState(body)
	default:
		return nil, bsErrors.NewInvalidOpcode("wsprotocol.decodeServerFrame", op)
	}
}
