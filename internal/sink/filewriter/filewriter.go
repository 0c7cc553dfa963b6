// Package filewriter implements the narrow FileWriter sink: a Sink that
// forwards advertised channels and logged messages to an external
// container-writing library. The container file's bit layout is
// explicitly out of scope for this SDK; Container is the seam an actual
// MCAP-like writer would implement.
package filewriter

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/foxglove/foxglove-sdk-sub001/internal/channel"
	"github.com/foxglove/foxglove-sdk-sub001/internal/sink"
)

// Container is the narrow external-library contract this sink drives.
// A real implementation persists channel metadata and message records
// into a specific container file format; this package defines only the
// call shape, grounded on the teacher's Recorder.WriteMessage /
// writeHeader split between one-time setup and per-message writes.
type Container interface {
	WriteSchema(ch *channel.Channel) error
	WriteChannel(ch *channel.Channel) error
	WriteMessage(chID channel.ID, sequence uint32, logTimeNs uint64, payload []byte) error
	Close() error
}

// Sink persists advertised channels and logged messages to a Container.
// On any write error the sink disables itself permanently (graceful
// degradation: the rest of the fan-out, and the producer, are
// unaffected), exactly as the teacher's Recorder disables itself on a
// write failure rather than propagating it up the relay loop.
type Sink struct {
	id     uint64
	logger *slog.Logger
	filter sink.Filter

	mu       sync.Mutex
	c        Container
	disabled bool
}

// New creates a FileWriter sink with the given id, writing through c.
// filter may be nil to accept every channel.
func New(id uint64, c Container, filter sink.Filter, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{id: id, c: c, filter: filter, logger: logger}
}

func (s *Sink) ID() uint64 { return s.id }

func (s *Sink) ChannelFilter() sink.Filter { return s.filter }

// AddChannel persists a channel's schema and metadata to the container
// the first time it is advertised to this sink.
func (s *Sink) AddChannel(ch *channel.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disabled {
		return nil
	}
	if ch.Schema != nil && !ch.Schema.IsEmpty() {
		if err := s.c.WriteSchema(ch); err != nil {
			s.disableLocked(err)
			return fmt.Errorf("filewriter: write schema: %w", err)
		}
	}
	if err := s.c.WriteChannel(ch); err != nil {
		s.disableLocked(err)
		return fmt.Errorf("filewriter: write channel: %w", err)
	}
	return nil
}

// RemoveChannel is a no-op: a container file has no notion of
// unadvertising a channel once written.
func (s *Sink) RemoveChannel(channel.ID) {}

// Log appends one message record to the container.
func (s *Sink) Log(ch *channel.Channel, payload []byte, meta sink.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disabled {
		return nil
	}
	if err := s.c.WriteMessage(ch.ID, meta.Sequence, meta.LogTimeNs, payload); err != nil {
		s.disableLocked(err)
		return fmt.Errorf("filewriter: write message: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying container.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disabled {
		return nil
	}
	return s.c.Close()
}

func (s *Sink) disableLocked(err error) {
	s.logger.Error("filewriter sink disabled after write failure", "sink_id", s.id, "err", err)
	s.disabled = true
}
