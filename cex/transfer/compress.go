// Package transfer provides the chunk pipeline under the DTM file-transfer
// frames: LZ4 chunk compression and Reed-Solomon parity groups that let a
// receiver rebuild lost chunks without a resend cycle.
package transfer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"github.com/pierrec/lz4/v4"
)

var (
	ErrCompressionFailed   = errors.New("transfer: compression failed")
	ErrDecompressionFailed = errors.New("transfer: decompression failed")
	ErrChunkEncoding       = errors.New("transfer: malformed chunk payload")
)

// CompressionLevel controls the speed/ratio tradeoff.
type CompressionLevel int

const (
	CompressionNone CompressionLevel = iota - 1
	CompressionFast
	CompressionDefault
	CompressionBest
)

// compressorPool reuses LZ4 writers to reduce allocations.
var compressorPool = sync.Pool{
	New: func() interface{} {
		return lz4.NewWriter(nil)
	},
}

// decompressorPool reuses LZ4 readers.
var decompressorPool = sync.Pool{
	New: func() interface{} {
		return lz4.NewReader(nil)
	},
}

// Compress compresses data using LZ4.
func Compress(data []byte, level CompressionLevel) ([]byte, error) {
	var buf bytes.Buffer
	w := compressorPool.Get().(*lz4.Writer)
	defer compressorPool.Put(w)

	w.Reset(&buf)

	switch level {
	case CompressionFast:
		_ = w.Apply(lz4.CompressionLevelOption(lz4.Fast))
	case CompressionBest:
		_ = w.Apply(lz4.CompressionLevelOption(lz4.Level9))
	default:
		_ = w.Apply(lz4.CompressionLevelOption(lz4.Level4))
	}

	if _, err := w.Write(data); err != nil {
		return nil, ErrCompressionFailed
	}
	if err := w.Close(); err != nil {
		return nil, ErrCompressionFailed
	}
	return buf.Bytes(), nil
}

// Decompress decompresses LZ4-compressed data.
func Decompress(data []byte) ([]byte, error) {
	r := decompressorPool.Get().(*lz4.Reader)
	defer decompressorPool.Put(r)

	r.Reset(bytes.NewReader(data))

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, ErrDecompressionFailed
	}
	return buf.Bytes(), nil
}

// EncodeChunk wraps one plaintext chunk for transmission, compressing it
// when that actually shrinks it.
//
// Payload format:
//
//	1 byte:  compressed flag
//	4 bytes: plaintext length (little endian)
//	N bytes: chunk data
func EncodeChunk(plain []byte, level CompressionLevel) []byte {
	body := plain
	compressed := false
	if level != CompressionNone {
		if c, err := Compress(plain, level); err == nil && len(c) < len(plain) {
			body = c
			compressed = true
		}
	}
	out := make([]byte, 5+len(body))
	if compressed {
		out[0] = 1
	}
	binary.LittleEndian.PutUint32(out[1:], uint32(len(plain)))
	copy(out[5:], body)
	return out
}

// DecodeChunk unwraps a chunk payload back to the plaintext bytes.
func DecodeChunk(payload []byte) ([]byte, error) {
	if len(payload) < 5 {
		return nil, ErrChunkEncoding
	}
	plainLen := binary.LittleEndian.Uint32(payload[1:])
	body := payload[5:]
	if payload[0] == 0 {
		if uint32(len(body)) != plainLen {
			return nil, ErrChunkEncoding
		}
		return append([]byte(nil), body...), nil
	}
	plain, err := Decompress(body)
	if err != nil {
		return nil, err
	}
	if uint32(len(plain)) != plainLen {
		return nil, ErrChunkEncoding
	}
	return plain, nil
}
