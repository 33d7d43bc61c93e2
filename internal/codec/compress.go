package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// MaxDecodedSize bounds the decompressed size of a single payload.
const MaxDecodedSize = 64 << 20

// ErrTooLarge is returned when a payload decompresses beyond the limit.
var ErrTooLarge = errors.New("decompressed payload exceeds size limit")

type compressor interface {
	encoding() string
	compress([]byte) ([]byte, error)
	decompress([]byte) ([]byte, error)
	close()
}

// newCompressor returns the compressor for name. Decompression fails with
// ErrTooLarge past limit bytes.
func newCompressor(name string, limit int64) (compressor, error) {
	switch name {
	case "", CompressionNone:
		return identity{}, nil
	case CompressionGzip:
		return gzipCompressor{limit: limit}, nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(limit)))
		if err != nil {
			_ = enc.Close()
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		return &zstdCompressor{enc: enc, dec: dec}, nil
	default:
		return nil, fmt.Errorf("unknown compression %q", name)
	}
}

type identity struct{}

func (identity) encoding() string                    { return "" }
func (identity) compress(b []byte) ([]byte, error)   { return b, nil }
func (identity) decompress(b []byte) ([]byte, error) { return b, nil }
func (identity) close()                              {}

type gzipCompressor struct {
	limit int64
}

func (gzipCompressor) encoding() string { return CompressionGzip }

func (gzipCompressor) compress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (g gzipCompressor) decompress(b []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()

	out, err := io.ReadAll(io.LimitReader(r, g.limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > g.limit {
		return nil, ErrTooLarge
	}
	return out, nil
}

func (gzipCompressor) close() {}

// zstdCompressor uses the stateless EncodeAll/DecodeAll entry points, which
// may be called concurrently.
type zstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func (*zstdCompressor) encoding() string { return CompressionZstd }

func (z *zstdCompressor) compress(b []byte) ([]byte, error) {
	return z.enc.EncodeAll(b, nil), nil
}

func (z *zstdCompressor) decompress(b []byte) ([]byte, error) {
	out, err := z.dec.DecodeAll(b, nil)
	if errors.Is(err, zstd.ErrDecoderSizeExceeded) || errors.Is(err, zstd.ErrWindowSizeExceeded) {
		return nil, ErrTooLarge
	}
	return out, err
}

func (z *zstdCompressor) close() {
	_ = z.enc.Close()
	z.dec.Close()
}
