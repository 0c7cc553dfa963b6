package wsprotocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	bsErrors "github.com/foxglove/foxglove-sdk-sub001/internal/errors"
	"github.com/foxglove/foxglove-sdk-sub001/internal/schema"
)

// ChannelInfo is the JSON representation of an advertised channel, used by
// both client-advertise and server-advertise frames. Schema is a plain
// string field — it carries base64 text when SchemaEncoding is protobuf
// or flatbuffer, verbatim UTF-8 otherwise. Callers must go through
// EncodeSchemaBytes/DecodeSchemaBytes rather than converting []byte<->string
// directly: Go's automatic []byte<->base64 JSON marshaling does not apply
// here because this field is typed string, and a bare string conversion of
// non-UTF-8 binary schema bytes corrupts them (json.Marshal replaces
// invalid UTF-8 with U+FFFD).
type ChannelInfo struct {
	ID             uint64 `json:"id"`
	Topic          string `json:"topic"`
	Encoding       string `json:"encoding"`
	SchemaName     string `json:"schemaName,omitempty"`
	Schema         string `json:"schema,omitempty"`
	SchemaEncoding string `json:"schemaEncoding,omitempty"`
}

// EncodeSchemaBytes renders schema definition bytes for transport in a
// ChannelInfo.Schema field: base64 when schemaEncoding carries binary data
// (protobuf, flatbuffer per schema.IsBinaryEncoding), verbatim UTF-8
// otherwise, per §4.3's schema transport rule.
func EncodeSchemaBytes(schemaEncoding string, data []byte) string {
	if schema.IsBinaryEncoding(schemaEncoding) {
		return base64.StdEncoding.EncodeToString(data)
	}
	return string(data)
}

// DecodeSchemaBytes reverses EncodeSchemaBytes, decoding base64 for binary
// schema encodings and passing UTF-8 text through verbatim otherwise.
func DecodeSchemaBytes(schemaEncoding, data string) ([]byte, error) {
	if schema.IsBinaryEncoding(schemaEncoding) {
		raw, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, bsErrors.NewProtocolJSON("wsprotocol.decodeSchemaBytes", err)
		}
		return raw, nil
	}
	return []byte(data), nil
}

// Subscription pairs a client-chosen subscription id with a server channel id.
type Subscription struct {
	ID        uint64 `json:"id"`
	ChannelID uint64 `json:"channelId"`
}

// Subscribe is client -> server op "subscribe".
type Subscribe struct {
	Subscriptions []Subscription `json:"subscriptions"`
}

// Unsubscribe is client -> server op "unsubscribe".
type Unsubscribe struct {
	SubscriptionIDs []uint64 `json:"subscriptionIds"`
}

// ClientAdvertise is client -> server op "advertise" (client channels).
type ClientAdvertise struct {
	Channels []ChannelInfo `json:"channels"`
}

// ClientUnadvertise is client -> server op "unadvertise" (client channels).
type ClientUnadvertise struct {
	ChannelIDs []uint64 `json:"channelIds"`
}

// Parameter is a named, typed value used by getParameters/setParameters/
// parameterValues.
type Parameter struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value,omitempty"`
	Type  string          `json:"type,omitempty"`
}

// GetParameters is client -> server op "getParameters".
type GetParameters struct {
	ParameterNames []string `json:"parameterNames"`
	ID             string   `json:"id,omitempty"`
}

// SetParameters is client -> server op "setParameters".
type SetParameters struct {
	Parameters []Parameter `json:"parameters"`
	ID         string      `json:"id,omitempty"`
}

// SubscribeParameterUpdates is client -> server op "subscribeParameterUpdates".
type SubscribeParameterUpdates struct {
	ParameterNames []string `json:"parameterNames"`
}

// UnsubscribeParameterUpdates is client -> server op "unsubscribeParameterUpdates".
type UnsubscribeParameterUpdates struct {
	ParameterNames []string `json:"parameterNames"`
}

// SubscribeConnectionGraph is client -> server op "subscribeConnectionGraph".
type SubscribeConnectionGraph struct{}

// UnsubscribeConnectionGraph is client -> server op "unsubscribeConnectionGraph".
type UnsubscribeConnectionGraph struct{}

// FetchAsset is client -> server op "fetchAsset".
type FetchAsset struct {
	URI       string `json:"uri"`
	RequestID uint32 `json:"requestId"`
}

// ServerInfo is server -> client op "serverInfo", sent immediately on
// handshake completion.
type ServerInfo struct {
	Name               string            `json:"name"`
	Capabilities       []string          `json:"capabilities"`
	SupportedEncodings []string          `json:"supportedEncodings,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	SessionID          string            `json:"sessionId,omitempty"`
}

// ServerAdvertise is server -> client op "advertise" (server channels).
type ServerAdvertise struct {
	Channels []ChannelInfo `json:"channels"`
}

// ServerUnadvertise is server -> client op "unadvertise" (server channels).
type ServerUnadvertise struct {
	ChannelIDs []uint64 `json:"channelIds"`
}

// ServiceInfo describes an advertised service.
type ServiceInfo struct {
	ID              uint32 `json:"id"`
	Name            string `json:"name"`
	Type            string `json:"type,omitempty"`
	RequestSchema   string `json:"requestSchema,omitempty"`
	ResponseSchema  string `json:"responseSchema,omitempty"`
}

// AdvertiseServices is server -> client op "advertiseServices".
type AdvertiseServices struct {
	Services []ServiceInfo `json:"services"`
}

// UnadvertiseServices is server -> client op "unadvertiseServices".
type UnadvertiseServices struct {
	ServiceIDs []uint32 `json:"serviceIds"`
}

// ParameterValues is server -> client op "parameterValues", sent in
// response to getParameters/setParameters or on a subscribed parameter change.
type ParameterValues struct {
	Parameters []Parameter `json:"parameters"`
	ID         string      `json:"id,omitempty"`
}

// StatusLevel classifies a status message's severity, recovered from
// original_source's server/status.rs (not explicit in the distilled spec).
type StatusLevel uint8

const (
	StatusLevelInfo    StatusLevel = 0
	StatusLevelWarning StatusLevel = 1
	StatusLevelError   StatusLevel = 2
)

// Status is server -> client op "status".
type Status struct {
	Level   StatusLevel `json:"level"`
	Message string      `json:"message"`
	ID      string      `json:"id,omitempty"`
}

// RemoveStatus is server -> client op "removeStatus".
type RemoveStatus struct {
	StatusIDs []string `json:"statusIds"`
}

// ServiceCallFailure is server -> client op "serviceCallFailure", sent
// instead of a binary ServiceCallResponse when a registered handler
// returns an error.
type ServiceCallFailure struct {
	ServiceID uint32 `json:"serviceId"`
	CallID    uint32 `json:"callId"`
	Message   string `json:"message"`
}

// ConnectionGraphUpdate is server -> client op "connectionGraphUpdate".
type ConnectionGraphUpdate struct {
	Published  map[string][]string `json:"published,omitempty"`
	Subscribed map[string][]string `json:"subscribed,omitempty"`
	Advertised map[string][]string `json:"advertised,omitempty"`
}

type envelope struct {
	Op string `json:"op"`
}

// EncodeJSON wraps msg with its "op" discriminator and marshals it to a
// text frame. opName must match one of the constants below.
func EncodeJSON(opName string, msg any) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, bsErrors.NewProtocolJSON("wsprotocol.encodeJSON", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, bsErrors.NewProtocolJSON("wsprotocol.encodeJSON", err)
	}
	fields["op"] = json.RawMessage(fmt.Sprintf("%q", opName))
	return json.Marshal(fields)
}

// Client -> server JSON op names.
const (
	OpSubscribe                    = "subscribe"
	OpUnsubscribe                  = "unsubscribe"
	OpClientAdvertise              = "advertise"
	OpClientUnadvertise            = "unadvertise"
	OpGetParameters                = "getParameters"
	OpSetParameters                = "setParameters"
	OpSubscribeParameterUpdates    = "subscribeParameterUpdates"
	OpUnsubscribeParameterUpdates  = "unsubscribeParameterUpdates"
	OpSubscribeConnectionGraph     = "subscribeConnectionGraph"
	OpUnsubscribeConnectionGraph   = "unsubscribeConnectionGraph"
	OpFetchAsset                   = "fetchAsset"
)

// Server -> client JSON op names.
const (
	OpServerInfo            = "serverInfo"
	OpServerAdvertise       = "advertise"
	OpServerUnadvertise     = "unadvertise"
	OpAdvertiseServices     = "advertiseServices"
	OpUnadvertiseServices   = "unadvertiseServices"
	OpParameterValues       = "parameterValues"
	OpStatus                = "status"
	OpRemoveStatus          = "removeStatus"
	OpConnectionGraphUpdate = "connectionGraphUpdate"
	OpServiceCallFailure    = "serviceCallFailure"
)

// DecodeClientJSON dispatches a client -> server text frame on its "op"
// discriminator. Unknown ops are parse errors per §6's parsing rules;
// unknown fields within a known op are silently ignored (json.Unmarshal's
// default behavior, which this relies on rather than re-implementing).
func DecodeClientJSON(data []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, bsErrors.NewProtocolJSON("wsprotocol.decodeClientJSON", err)
	}
	switch env.Op {
	case OpSubscribe:
		var v Subscribe
		return decodeJSONBody(data, &v, "subscribe")
	case OpUnsubscribe:
		var v Unsubscribe
		return decodeJSONBody(data, &v, "unsubscribe")
	case OpClientAdvertise:
		var v ClientAdvertise
		return decodeJSONBody(data, &v, "advertise")
	case OpClientUnadvertise:
		var v ClientUnadvertise
		return decodeJSONBody(data, &v, "unadvertise")
	case OpGetParameters:
		var v GetParameters
		return decodeJSONBody(data, &v, "getParameters")
	case OpSetParameters:
		var v SetParameters
		return decodeJSONBody(data, &v, "setParameters")
	case OpSubscribeParameterUpdates:
		var v SubscribeParameterUpdates
		return decodeJSONBody(data, &v, "subscribeParameterUpdates")
	case OpUnsubscribeParameterUpdates:
		var v UnsubscribeParameterUpdates
		return decodeJSONBody(data, &v, "unsubscribeParameterUpdates")
	case OpSubscribeConnectionGraph:
		return SubscribeConnectionGraph{}, nil
	case OpUnsubscribeConnectionGraph:
		return UnsubscribeConnectionGraph{}, nil
	case OpFetchAsset:
		var v FetchAsset
		return decodeJSONBody(data, &v, "fetchAsset")
	default:
		return nil, bsErrors.NewProtocolJSON("wsprotocol.decodeClientJSON", fmt.Errorf("unknown op %q", env.Op))
	}
}

// DecodeServerJSON dispatches a server -> client text frame on its "op"
// discriminator.
func DecodeServerJSON(data []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, bsErrors.NewProtocolJSON("wsprotocol.decodeServerJSON", err)
	}
	switch env.Op {
	case OpServerInfo:
		var v ServerInfo
		return decodeJSONBody(data, &v, "serverInfo")
	case OpServerAdvertise:
		var v ServerAdvertise
		return decodeJSONBody(data, &v, "advertise")
	case OpServerUnadvertise:
		var v ServerUnadvertise
		return decodeJSONBody(data, &v, "unadvertise")
	case OpAdvertiseServices:
		var v AdvertiseServices
		return decodeJSONBody(data, &v, "advertiseServices")
	case OpUnadvertiseServices:
		var v UnadvertiseServices
		return decodeJSONBody(data, &v, "unadvertiseServices")
	case OpParameterValues:
		var v ParameterValues
		return decodeJSONBody(data, &v, "parameterValues")
	case OpStatus:
		var v Status
		return decodeJSONBody(data, &v, "status")
	case OpRemoveStatus:
		var v RemoveStatus
		return decodeJSONBody(data, &v, "removeStatus")
	case OpConnectionGraphUpdate:
		var v ConnectionGraphUpdate
		return decodeJSONBody(data, &v, "connectionGraphUpdate")
	case OpServiceCallFailure:
		var v ServiceCallFailure
		return decodeJSONBody(data, &v, "serviceCallFailure")
	default:
		return nil, bsErrors.NewProtocolJSON("wsprotocol.decodeServerJSON", fmt.Errorf("unknown op %q", env.Op))
	}
}

func decodeJSONBody[T any](data []byte, v *T, op string) (T, error) {
	if err := json.Unmarshal(data, v); err != nil {
		return *v, bsErrors.NewProtocolJSON("wsprotocol.decode."+op, err)
	}
	return *v, nil
}
