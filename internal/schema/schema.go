// Package schema holds the message-schema value type shared by channels
// and the advertise/subscribe wire messages.
package schema

import "bytes"

// Schema describes the shape of the messages published on a channel. It is
// an immutable value: two schemas are equal when their name, encoding, and
// raw definition bytes are byte-for-byte identical.
type Schema struct {
	Name     string
	Encoding string
	Data     []byte
}

// Equal reports whether two schemas are identical, including their raw
// bytes. Channel deduplication (§4.1) treats schemas as part of the
// dedup key, so this must be an exact comparison, not a pointer or name
// comparison.
func (s *Schema) Equal(other *Schema) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.Name == other.Name &&
		s.Encoding == other.Encoding &&
		bytes.Equal(s.Data, other.Data)
}

// IsEmpty reports whether the schema carries no definition. Some
// encodings (e.g. "json" with self-describing messages) permit an empty
// schema; others require one (see errors.NewSchemaRequired).
func (s *Schema) IsEmpty() bool {
	return s == nil || (s.Name == "" && s.Encoding == "" && len(s.Data) == 0)
}

// binaryEncodings lists schema encodings whose bytes are treated as
// opaque binary rather than UTF-8 text; over JSON text frames these are
// base64-encoded.
var binaryEncodings = map[string]bool{
	"protobuf":   true,
	"flatbuffer": true,
}

// RequiresSchema reports whether messageEncoding mandates a non-empty
// schema on the owning channel.
func RequiresSchema(messageEncoding string) bool {
	switch messageEncoding {
	case "protobuf", "flatbuffer", "ros1", "cdr":
		return true
	default:
		return false
	}
}

// IsBinaryEncoding reports whether a schema's own encoding carries
// binary bytes (and so must be base64-transported over JSON frames)
// rather than verbatim UTF-8 text.
func IsBinaryEncoding(schemaEncoding string) bool {
	return binaryEncodings[schemaEncoding]
}
