package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

// version is injected at build time with -ldflags "-X main.version=...". Defaults to dev.
var version = "dev"

// cliConfig holds user supplied flag values prior to translation into
// liveserver.Config so main.go can validate and map — grounded on the
// teacher's cliConfig/parseFlags shape (cmd/rtmp-server/flags.go).
type cliConfig struct {
	listenAddr        string
	logLevel          string
	name              string
	subprotocol       string
	supportedEncodings []string
	metadata          []string // key=value pairs
	handshakeTimeout  string
	sendQueueCapacity int
	asyncConcurrency  int64
	recordPath        string
	showVersion       bool
}

func parseFlags(args []string) (*cliConfig, error) {
	fs := flag.NewFlagSet("foxglove-bridge", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	cfg := &cliConfig{}
	var metadata stringSliceFlag
	var encodings stringSliceFlag

	fs.StringVar(&cfg.listenAddr, "listen", ":8765", "TCP listen address (e.g. :8765 or 0.0.0.0:8765)")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.name, "name", "foxglove-bridge", "Server name advertised in serverInfo")
	fs.StringVar(&cfg.subprotocol, "subprotocol", "foxglove.sdk.v1", "WebSocket subprotocol to negotiate")
	fs.Var(&encodings, "supported-encoding", "Supported message encoding (can be specified multiple times)")
	fs.Var(&metadata, "metadata", "serverInfo metadata in format key=value (can be specified multiple times)")
	fs.StringVar(&cfg.handshakeTimeout, "handshake-timeout", "10s", "Timeout for completing the WebSocket handshake and initial serverInfo send")
	fs.IntVar(&cfg.sendQueueCapacity, "send-queue-capacity", 256, "Per-session outbound data queue capacity")
	fs.Int64Var(&cfg.asyncConcurrency, "async-concurrency", 10, "Maximum concurrent asynchronous listener dispatches (fetchAsset, etc.)")
	fs.StringVar(&cfg.recordPath, "record-path", "", "Optional path to record advertised channels and logged messages as JSON Lines (disabled when empty)")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.supportedEncodings = encodings
	cfg.metadata = metadata

	switch cfg.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("invalid log-level %q", cfg.logLevel)
	}

	if cfg.sendQueueCapacity < 1 || cfg.sendQueueCapacity > 65536 {
		return nil, errors.New("send-queue-capacity must be between 1 and 65536")
	}
	if cfg.asyncConcurrency < 1 || cfg.asyncConcurrency > 1000 {
		return nil, errors.New("async-concurrency must be between 1 and 1000")
	}
	if _, err := time.ParseDuration(cfg.handshakeTimeout); err != nil {
		return nil, fmt.Errorf("invalid handshake-timeout %q: %w", cfg.handshakeTimeout, err)
	}
	for _, kv := range cfg.metadata {
		if err := validateMetadataAssignment(kv); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// metadataMap parses cfg.metadata's key=value pairs into a map, assumed
// already validated by parseFlags.
func (c *cliConfig) metadataMap() map[string]string {
	if len(c.metadata) == 0 {
		return nil
	}
	out := make(map[string]string, len(c.metadata))
	for _, kv := range c.metadata {
		parts := strings.SplitN(kv, "=", 2)
		out[parts[0]] = parts[1]
	}
	return out
}

// stringSliceFlag implements flag.Value for multiple string values.
type stringSliceFlag []string

func (s *stringSliceFlag) String() string { return strings.Join(*s, ", ") }

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func validateMetadataAssignment(assignment string) error {
	parts := strings.SplitN(assignment, "=", 2)
	if len(parts) != 2 || parts[0] == "" {
		return fmt.Errorf("invalid -metadata %q, expected key=value", assignment)
	}
	return nil
}
