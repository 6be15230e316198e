package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/klauspost/compress/zstd"
	"github.com/vjranagit/heartwatch/pkg/types"
)

const (
	archiveVersion = 1

	// maxArchiveBytes caps a decoded archive section
	maxArchiveBytes = 256 << 20
)

// ErrCorruptArchive is returned when an archive block cannot be decoded
var ErrCorruptArchive = errors.New("corrupt archive")

// Compressor packs sample histories: timestamps as varint delta-of-delta,
// values as XOR against the previous value, both run through zstd
type Compressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCompressor creates a compressor for level 1 (fastest) to 4 (best)
func NewCompressor(level int) (*Compressor, error) {
	encLevel := zstd.SpeedDefault
	switch level {
	case 1:
		encLevel = zstd.SpeedFastest
	case 2:
		encLevel = zstd.SpeedDefault
	case 3:
		encLevel = zstd.SpeedBetterCompression
	case 4:
		encLevel = zstd.SpeedBestCompression
	default:
		return nil, fmt.Errorf("compression level must be between 1 and 4, got %d", level)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(encLevel))
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxArchiveBytes))
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	return &Compressor{
		encoder: encoder,
		decoder: decoder,
	}, nil
}

// CompressTimestamps encodes ascending second timestamps
func (c *Compressor) CompressTimestamps(timestamps []int64) []byte {
	if len(timestamps) == 0 {
		return nil
	}

	buf := binary.AppendVarint(nil, timestamps[0])
	var prevDelta int64
	for i := 1; i < len(timestamps); i++ {
		delta := timestamps[i] - timestamps[i-1]
		buf = binary.AppendVarint(buf, delta-prevDelta)
		prevDelta = delta
	}

	return c.encoder.EncodeAll(buf, make([]byte, 0, len(buf)))
}

// DecompressTimestamps reverses CompressTimestamps
func (c *Compressor) DecompressTimestamps(data []byte, count int) ([]int64, error) {
	if count == 0 {
		return nil, nil
	}

	raw, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompression failed: %v", ErrCorruptArchive, err)
	}

	// every varint takes at least one byte
	if count > len(raw) {
		return nil, fmt.Errorf("%w: %d timestamps claimed, %d bytes decoded", ErrCorruptArchive, count, len(raw))
	}

	r := bytes.NewReader(raw)
	timestamps := make([]int64, count)
	if timestamps[0], err = binary.ReadVarint(r); err != nil {
		return nil, fmt.Errorf("%w: timestamps: %v", ErrCorruptArchive, err)
	}

	var prevDelta int64
	for i := 1; i < count; i++ {
		dod, err := binary.ReadVarint(r)
		if err != nil {
			return nil, fmt.Errorf("%w: timestamps: %v", ErrCorruptArchive, err)
		}
		delta := prevDelta + dod
		timestamps[i] = timestamps[i-1] + delta
		prevDelta = delta
	}

	return timestamps, nil
}

// CompressValues encodes heart-rate values
func (c *Compressor) CompressValues(values []float64) []byte {
	if len(values) == 0 {
		return nil
	}

	buf := make([]byte, 0, len(values)*8)
	var prevBits uint64
	for _, v := range values {
		bits := math.Float64bits(v)
		buf = binary.LittleEndian.AppendUint64(buf, bits^prevBits)
		prevBits = bits
	}

	return c.encoder.EncodeAll(buf, make([]byte, 0, len(buf)))
}

// DecompressValues reverses CompressValues
func (c *Compressor) DecompressValues(data []byte, count int) ([]float64, error) {
	if count == 0 {
		return nil, nil
	}

	raw, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompression failed: %v", ErrCorruptArchive, err)
	}
	if len(raw)%8 != 0 || len(raw)/8 != count {
		return nil, fmt.Errorf("%w: %d values claimed, %d bytes decoded", ErrCorruptArchive, count, len(raw))
	}

	values := make([]float64, count)
	var prevBits uint64
	for i := range values {
		bits := binary.LittleEndian.Uint64(raw[i*8:]) ^ prevBits
		values[i] = math.Float64frombits(bits)
		prevBits = bits
	}

	return values, nil
}

// Close releases encoder and decoder resources
func (c *Compressor) Close() {
	if c.encoder != nil {
		c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
}

type archiveBlock struct {
	Version          int    `json:"version"`
	Count            int    `json:"count"`
	CompressedTS     []byte `json:"timestamps"`
	CompressedValues []byte `json:"values"`
}

// WriteArchive writes the full ordered history of store to w as one block
// and returns the number of samples written
func WriteArchive(ctx context.Context, store SampleStore, comp *Compressor, w io.Writer) (int, error) {
	samples, err := store.AllOrdered(ctx)
	if err != nil {
		return 0, err
	}

	timestamps := make([]int64, len(samples))
	values := make([]float64, len(samples))
	for i, s := range samples {
		secs, err := parseTimestamp(s.Timestamp)
		if err != nil {
			return 0, err
		}
		timestamps[i] = int64(secs)
		values[i] = s.Value
	}

	block := archiveBlock{
		Version:          archiveVersion,
		Count:            len(samples),
		CompressedTS:     comp.CompressTimestamps(timestamps),
		CompressedValues: comp.CompressValues(values),
	}

	if err := json.NewEncoder(w).Encode(block); err != nil {
		return 0, fmt.Errorf("failed to write archive: %w", err)
	}
	return len(samples), nil
}

// ReadArchive decodes a block written by WriteArchive
func ReadArchive(r io.Reader, comp *Compressor) ([]types.Sample, error) {
	var block archiveBlock
	if err := json.NewDecoder(r).Decode(&block); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}
	if block.Version != archiveVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptArchive, block.Version)
	}
	if block.Count < 0 {
		return nil, fmt.Errorf("%w: negative count", ErrCorruptArchive)
	}

	timestamps, err := comp.DecompressTimestamps(block.CompressedTS, block.Count)
	if err != nil {
		return nil, err
	}
	values, err := comp.DecompressValues(block.CompressedValues, block.Count)
	if err != nil {
		return nil, err
	}

	if len(timestamps) != len(values) {
		return nil, fmt.Errorf("%w: %d timestamps, %d values", ErrCorruptArchive, len(timestamps), len(values))
	}

	samples := make([]types.Sample, block.Count)
	for i := range samples {
		samples[i] = types.Sample{
			Timestamp: strconv.FormatInt(timestamps[i], 10),
			Value:     values[i],
		}
	}
	return samples, nil
}
