// Package tfrecord reads and writes TFRecord files of tf.train.Example
// records.
//
// Each record is framed as
//
//	uint64 length (little endian)
//	uint32 masked crc32c of length
//	byte   data[length]
//	uint32 masked crc32c of data
package tfrecord

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

const maskDelta = 0xa282ead8

func maskedCRC(b []byte) uint32 {
	crc := crc32.Checksum(b, crcTable)
	return ((crc >> 15) | (crc << 17)) + maskDelta
}

// Writer writes framed records
type Writer struct {
	w   *bufio.Writer
	hdr [12]byte
	n   int
}

// NewWriter wraps w. Call Flush when done.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Write appends one record
func (w *Writer) Write(data []byte) error {
	binary.LittleEndian.PutUint64(w.hdr[:8], uint64(len(data)))
	binary.LittleEndian.PutUint32(w.hdr[8:], maskedCRC(w.hdr[:8]))
	if _, err := w.w.Write(w.hdr[:]); err != nil {
		return fmt.Errorf("failed to write record header: %w", err)
	}
	if _, err := w.w.Write(data); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	var footer [4]byte
	binary.LittleEndian.PutUint32(footer[:], maskedCRC(data))
	if _, err := w.w.Write(footer[:]); err != nil {
		return fmt.Errorf("failed to write record footer: %w", err)
	}
	w.n++
	return nil
}

// Count is the number of records written
func (w *Writer) Count() int { return w.n }

// Flush writes buffered data to the underlying writer
func (w *Writer) Flush() error { return w.w.Flush() }

// ErrCorrupt is returned when a checksum does not match
var ErrCorrupt = errors.New("tfrecord: corrupt record")

// Reader reads framed records
type Reader struct {
	r *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next record, or io.EOF after the last one
func (r *Reader) Next() ([]byte, error) {
	var hdr [12]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrCorrupt
		}
		return nil, err
	}
	if maskedCRC(hdr[:8]) != binary.LittleEndian.Uint32(hdr[8:]) {
		return nil, ErrCorrupt
	}
	n := binary.LittleEndian.Uint64(hdr[:8])
	data := make([]byte, n+4)
	if _, err := io.ReadFull(r.r, data); err != nil {
		return nil, ErrCorrupt
	}
	if maskedCRC(data[:n]) != binary.LittleEndian.Uint32(data[n:]) {
		return nil, ErrCorrupt
	}
	return data[:n], nil
}
