// Package listener defines the ServerListener contract: the callbacks a
// LiveServer invokes so host application code can react to client
// activity (subscriptions, client-advertised channels, inbound message
// data, parameter requests, connection-graph interest, asset fetches).
package listener

import "encoding/json"

// ClientChannel describes a channel a remote client has advertised.
type ClientChannel struct {
	ID             uint32
	Topic          string
	Encoding       string
	SchemaName     string
	SchemaEncoding string
	Schema         []byte
}

// Parameter is a named, typed value exchanged via getParameters/
// setParameters/parameterValues.
type Parameter struct {
	Name  string
	Value json.RawMessage
	Type  string
}

// Listener is implemented by host application code. Every method is
// called from the session's processing goroutine; implementations that
// need to do slow work (disk/network I/O) should hand off to the bounded
// async Pool rather than blocking the caller — OnFetchAsset in
// particular is documented by spec.md as always invoked asynchronously.
type Listener interface {
	OnSubscribe(sessionID string, channelID uint64)
	OnUnsubscribe(sessionID string, channelID uint64)
	OnClientAdvertise(sessionID string, ch ClientChannel) error
	OnClientUnadvertise(sessionID string, channelID uint32)
	OnMessageData(sessionID string, channelID uint32, payload []byte, logTimeNs uint64)
	OnGetParameters(sessionID string, names []string) []Parameter
	OnSetParameters(sessionID string, params []Parameter) []Parameter
	OnConnectionGraphSubscribe(sessionID string)
	OnConnectionGraphUnsubscribe(sessionID string)
	OnFetchAsset(sessionID string, uri string) ([]byte, error)
}

// NopListener implements Listener with no-ops, useful as an embeddable
// default for hosts that only care about a subset of callbacks.
type NopListener struct{}

func (NopListener) OnSubscribe(string, uint64)                      {}
func (NopListener) OnUnsubscribe(string, uint64)                    {}
func (NopListener) OnClientAdvertise(string, ClientChannel) error    { return nil }
func (NopListener) OnClientUnadvertise(string, uint32)               {}
func (NopListener) OnMessageData(string, uint32, []byte, uint64)     {}
func (NopListener) OnGetParameters(string, []string) []Parameter     { return nil }
func (NopListener) OnSetParameters(string, []Parameter) []Parameter  { return nil }
func (NopListener) OnConnectionGraphSubscribe(string)                {}
func (NopListener) OnConnectionGraphUnsubscribe(string)              {}
func (NopListener) OnFetchAsset(string, string) ([]byte, error)      { return nil, nil }
