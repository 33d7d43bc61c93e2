package codec

import (
	"encoding/json"
	"fmt"
)

// Wire formats.
const (
	FormatProtobuf = "protobuf"
	FormatJSON     = "json"
)

// Compression algorithms.
const (
	CompressionNone = "none"
	CompressionGzip = "gzip"
	CompressionZstd = "zstd"
)

// Serializer encodes payloads in one wire format followed by an optional
// compression pass. It is safe for concurrent use.
type Serializer struct {
	format string
	comp   compressor
}

// New returns a serializer for format and compression. Empty values select
// protobuf and no compression.
func New(format, compression string) (*Serializer, error) {
	switch format {
	case "":
		format = FormatProtobuf
	case FormatProtobuf, FormatJSON:
	default:
		return nil, fmt.Errorf("unknown payload format %q", format)
	}

	comp, err := newCompressor(compression, MaxDecodedSize)
	if err != nil {
		return nil, err
	}
	return &Serializer{format: format, comp: comp}, nil
}

// Format returns the wire format name.
func (s *Serializer) Format() string {
	return s.format
}

// ContentType is the MIME type of encoded payloads before compression.
func (s *Serializer) ContentType() string {
	if s.format == FormatJSON {
		return "application/json"
	}
	return "application/x-protobuf"
}

// ContentEncoding is the HTTP Content-Encoding of encoded payloads, empty
// when uncompressed.
func (s *Serializer) ContentEncoding() string {
	return s.comp.encoding()
}

// Encode serializes and compresses p.
func (s *Serializer) Encode(p Payload) ([]byte, error) {
	var (
		raw []byte
		err error
	)
	switch s.format {
	case FormatJSON:
		raw, err = json.Marshal(p)
	default:
		raw, err = marshalProto(p)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", s.format, err)
	}

	out, err := s.comp.compress(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to compress payload: %w", err)
	}
	return out, nil
}

// Decode reverses Encode and rejects payloads whose probe counts cannot be
// materialized.
func (s *Serializer) Decode(data []byte) (Payload, error) {
	raw, err := s.comp.decompress(data)
	if err != nil {
		return Payload{}, fmt.Errorf("failed to decompress payload: %w", err)
	}

	var p Payload
	switch s.format {
	case FormatJSON:
		err = json.Unmarshal(raw, &p)
	default:
		p, err = unmarshalProto(raw)
	}
	if err != nil {
		return Payload{}, fmt.Errorf("failed to decode %s payload: %w", s.format, err)
	}
	if err := p.Validate(); err != nil {
		return Payload{}, fmt.Errorf("invalid %s payload: %w", s.format, err)
	}
	return p, nil
}

// Close releases compressor resources.
func (s *Serializer) Close() {
	s.comp.close()
}
