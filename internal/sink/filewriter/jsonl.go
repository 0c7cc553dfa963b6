package filewriter

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/foxglove/foxglove-sdk-sub001/internal/channel"
)

// JSONLContainer is a minimal Container that appends one JSON object per
// line for every schema, channel, and message write — grounded on the
// teacher's Recorder (internal/rtmp/media/recorder.go): a single
// os.Create'd file, a mutex guarding sequential writes, and graceful
// degradation left to the owning Sink rather than handled here. It is a
// CLI-friendly stand-in for the "actual MCAP-like writer" the Container
// interface leaves as an external seam, not a container file format of
// its own.
type JSONLContainer struct {
	mu  sync.Mutex
	w   io.WriteCloser
	enc *json.Encoder
}

// NewJSONLContainer creates a JSONLContainer writing to path, truncating
// any existing file.
func NewJSONLContainer(path string) (*JSONLContainer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("jsonlcontainer.create: %w", err)
	}
	return &JSONLContainer{w: f, enc: json.NewEncoder(f)}, nil
}

type jsonlRecord struct {
	Kind      string `json:"kind"`
	ChannelID uint64 `json:"channelId,omitempty"`
	Topic     string `json:"topic,omitempty"`
	Encoding  string `json:"encoding,omitempty"`
	Schema    string `json:"schema,omitempty"`
	Sequence  uint32 `json:"sequence,omitempty"`
	LogTimeNs uint64 `json:"logTimeNs,omitempty"`
	Payload   string `json:"payload,omitempty"`
}

func (c *JSONLContainer) WriteSchema(ch *channel.Channel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enc.Encode(jsonlRecord{
		Kind: "schema", ChannelID: uint64(ch.ID),
		Schema: base64.StdEncoding.EncodeToString(ch.Schema.Data),
	})
}

func (c *JSONLContainer) WriteChannel(ch *channel.Channel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enc.Encode(jsonlRecord{
		Kind: "channel", ChannelID: uint64(ch.ID), Topic: ch.Topic, Encoding: ch.Encoding,
	})
}

func (c *JSONLContainer) WriteMessage(chID channel.ID, sequence uint32, logTimeNs uint64, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enc.Encode(jsonlRecord{
		Kind: "message", ChannelID: uint64(chID), Sequence: sequence, LogTimeNs: logTimeNs,
		Payload: base64.StdEncoding.EncodeToString(payload),
	})
}

func (c *JSONLContainer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w.Close()
}
