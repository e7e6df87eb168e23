// Copyright (c) 2026 Pathscope Team
// Pathscope - deep learning toolkit for digital pathology
// This source code is licensed under the MIT license found in the LICENSE file.

// package tfrecord stores extracted tiles in TFRecord-framed archives. Each
// record is framed the TFRecord way (length, masked CRC32-C of the length,
// payload, masked CRC32-C of the payload) with a compact binary tile payload
// carrying the slide name, tile location and encoded image bytes. Archives
// ending in .gz or .zst are stream-compressed.
package tfrecord

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math/rand"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Tile is one stored tile record.
type Tile struct {
	Slide  string
	X      int
	Y      int
	Format string // "png" or "jpg"
	Image  []byte
}

// Extension is the canonical archive suffix (uncompressed).
const Extension = ".tfrecord"

// UnfinishedSuffix marks archives whose extraction was interrupted.
const UnfinishedSuffix = ".unfinished"

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// maskedCRC computes the masked CRC32-C used by the TFRecord format.
func maskedCRC(data []byte) uint32 {
	crc := crc32.Checksum(data, castagnoli)
	return ((crc >> 15) | (crc << 17)) + 0xa282ead8
}

const (
	formatPNG = 0
	formatJPG = 1
)

// encodePayload serializes a tile into the archive payload layout.
func encodePayload(t *Tile) ([]byte, error) {
	if len(t.Slide) > 0xffff {
		return nil, fmt.Errorf("slide name too long: %d bytes", len(t.Slide))
	}
	var ftag byte
	switch t.Format {
	case "png":
		ftag = formatPNG
	case "jpg", "jpeg":
		ftag = formatJPG
	default:
		return nil, fmt.Errorf("unknown tile image format %q", t.Format)
	}

	buf := make([]byte, 0, 2+len(t.Slide)+8+1+4+len(t.Image))
	var u16 [2]byte
	binary.LittleEndian.PutUint16(u16[:], uint16(len(t.Slide)))
	buf = append(buf, u16[:]...)
	buf = append(buf, t.Slide...)
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(int32(t.X)))
	buf = append(buf, u32[:]...)
	binary.LittleEndian.PutUint32(u32[:], uint32(int32(t.Y)))
	buf = append(buf, u32[:]...)
	buf = append(buf, ftag)
	binary.LittleEndian.PutUint32(u32[:], uint32(len(t.Image)))
	buf = append(buf, u32[:]...)
	buf = append(buf, t.Image...)
	return buf, nil
}

// decodePayload parses the archive payload layout.
func decodePayload(data []byte) (*Tile, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("truncated tile payload")
	}
	nameLen := int(binary.LittleEndian.Uint16(data[:2]))
	rest := data[2:]
	if len(rest) < nameLen+13 {
		return nil, fmt.Errorf("truncated tile payload")
	}
	name := string(rest[:nameLen])
	rest = rest[nameLen:]
	x := int(int32(binary.LittleEndian.Uint32(rest[0:4])))
	y := int(int32(binary.LittleEndian.Uint32(rest[4:8])))
	ftag := rest[8]
	imgLen := int(binary.LittleEndian.Uint32(rest[9:13]))
	rest = rest[13:]
	if len(rest) < imgLen {
		return nil, fmt.Errorf("truncated tile image (want %d bytes, have %d)", imgLen, len(rest))
	}
	format := "png"
	if ftag == formatJPG {
		format = "jpg"
	}
	return &Tile{Slide: name, X: x, Y: y, Format: format, Image: rest[:imgLen]}, nil
}

// Writer appends tile records to an archive. With shuffling enabled,
// records are buffered and written in random order on Close.
type Writer struct {
	f       *os.File
	comp    io.WriteCloser // nil when uncompressed
	w       *bufio.Writer
	count   int
	shuffle bool
	pending []*Tile
	rng     *rand.Rand
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithShuffle buffers records and writes them in random order on Close.
func WithShuffle(seed int64) WriterOption {
	return func(w *Writer) {
		w.shuffle = true
		w.rng = rand.New(rand.NewSource(seed))
	}
}

// NewWriter creates an archive at path. Paths ending in .gz or .zst are
// stream-compressed with the matching codec.
func NewWriter(path string, opts ...WriterOption) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create tfrecord %s: %w", path, err)
	}
	w := &Writer{f: f}
	switch {
	case strings.HasSuffix(path, ".zst"):
		zw, err := zstd.NewWriter(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		w.comp = zw
		w.w = bufio.NewWriter(zw)
	case strings.HasSuffix(path, ".gz"):
		gw := gzip.NewWriter(f)
		w.comp = gw
		w.w = bufio.NewWriter(gw)
	default:
		w.w = bufio.NewWriter(f)
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Write appends one tile record.
func (w *Writer) Write(t *Tile) error {
	if w.shuffle {
		cp := *t
		img := make([]byte, len(t.Image))
		copy(img, t.Image)
		cp.Image = img
		w.pending = append(w.pending, &cp)
		return nil
	}
	return w.writeRecord(t)
}

func (w *Writer) writeRecord(t *Tile) error {
	payload, err := encodePayload(t)
	if err != nil {
		return err
	}
	var lenBytes [8]byte
	binary.LittleEndian.PutUint64(lenBytes[:], uint64(len(payload)))
	var crcBytes [4]byte

	if _, err := w.w.Write(lenBytes[:]); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(crcBytes[:], maskedCRC(lenBytes[:]))
	if _, err := w.w.Write(crcBytes[:]); err != nil {
		return err
	}
	if _, err := w.w.Write(payload); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(crcBytes[:], maskedCRC(payload))
	if _, err := w.w.Write(crcBytes[:]); err != nil {
		return err
	}
	w.count++
	return nil
}

// Count returns the number of records written (or pending, when
// shuffling).
func (w *Writer) Count() int {
	if w.shuffle {
		return len(w.pending)
	}
	return w.count
}

// Close flushes pending records and closes the archive.
func (w *Writer) Close() error {
	if w.shuffle {
		w.rng.Shuffle(len(w.pending), func(i, j int) {
			w.pending[i], w.pending[j] = w.pending[j], w.pending[i]
		})
		for _, t := range w.pending {
			if err := w.writeRecord(t); err != nil {
				_ = w.f.Close()
				return err
			}
		}
		w.pending = nil
	}
	if err := w.w.Flush(); err != nil {
		_ = w.f.Close()
		return err
	}
	if w.comp != nil {
		if err := w.comp.Close(); err != nil {
			_ = w.f.Close()
			return err
		}
	}
	return w.f.Close()
}

// Reader iterates over the tile records of an archive, verifying record
// checksums.
type Reader struct {
	f    *os.File
	comp io.Closer
	r    *bufio.Reader
}

// NewReader opens an archive for reading.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open tfrecord %s: %w", path, err)
	}
	r := &Reader{f: f}
	switch {
	case strings.HasSuffix(path, ".zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		r.comp = zr.IOReadCloser()
		r.r = bufio.NewReader(zr)
	case strings.HasSuffix(path, ".gz"):
		gr, err := gzip.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		r.comp = gr
		r.r = bufio.NewReader(gr)
	default:
		r.r = bufio.NewReader(f)
	}
	return r, nil
}

// Next returns the next tile record, or io.EOF when the archive is
// exhausted.
func (r *Reader) Next() (*Tile, error) {
	var lenBytes [8]byte
	if _, err := io.ReadFull(r.r, lenBytes[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read record length: %w", err)
	}
	var crcBytes [4]byte
	if _, err := io.ReadFull(r.r, crcBytes[:]); err != nil {
		return nil, fmt.Errorf("failed to read length crc: %w", err)
	}
	if binary.LittleEndian.Uint32(crcBytes[:]) != maskedCRC(lenBytes[:]) {
		return nil, fmt.Errorf("corrupt tfrecord: length crc mismatch")
	}
	payload := make([]byte, binary.LittleEndian.Uint64(lenBytes[:]))
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return nil, fmt.Errorf("failed to read record payload: %w", err)
	}
	if _, err := io.ReadFull(r.r, crcBytes[:]); err != nil {
		return nil, fmt.Errorf("failed to read payload crc: %w", err)
	}
	if binary.LittleEndian.Uint32(crcBytes[:]) != maskedCRC(payload) {
		return nil, fmt.Errorf("corrupt tfrecord: payload crc mismatch")
	}
	return decodePayload(payload)
}

// Close closes the archive.
func (r *Reader) Close() error {
	if r.comp != nil {
		_ = r.comp.Close()
	}
	return r.f.Close()
}
