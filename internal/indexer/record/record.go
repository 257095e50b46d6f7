// Package record implements the fixed-width big-endian encoding shared by
// every index file: length-prefixed posting lists in segment files,
// checksummed (token, offset) records in spool files, and the string
// entries of the token table.
package record

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	apperrors "github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/errors"
)

// IntSize is the on-disk width of every integer in the index.
const IntSize = 4

// MaxStringLen bounds token length so a corrupt length prefix cannot
// trigger an unbounded allocation.
const MaxStringLen = 1 << 20

var byteOrder = binary.BigEndian

// Pending is one spool entry: the byte offset at which a posting list for
// Token was written inside a segment.
type Pending struct {
	Token  string
	Offset int32
}

// PostingsSize returns the encoded size of a posting list with n values.
func PostingsSize(n int) int {
	return IntSize + n*IntSize
}

// AppendPostings appends [count][value]*count to dst.
func AppendPostings(dst []byte, values []uint32) []byte {
	dst = byteOrder.AppendUint32(dst, uint32(len(values)))
	for _, v := range values {
		dst = byteOrder.AppendUint32(dst, v)
	}
	return dst
}

// DecodeCount reads a posting-list count prefix.
func DecodeCount(b []byte) (int, error) {
	n := int32(byteOrder.Uint32(b))
	if n < 0 {
		return 0, apperrors.Corruptf("negative posting count %d", n)
	}
	return int(n), nil
}

// DecodeValues decodes len(b)/IntSize values into dst.
func DecodeValues(dst []uint32, b []byte) []uint32 {
	for i := 0; i+IntSize <= len(b); i += IntSize {
		dst = append(dst, byteOrder.Uint32(b[i:]))
	}
	return dst
}

// PutInt32 and Int32 encode single matrix cells.
func PutInt32(b []byte, v int32) { byteOrder.PutUint32(b, uint32(v)) }

func Int32(b []byte) int32 { return int32(byteOrder.Uint32(b)) }

// Writer appends records to a buffered stream.
type Writer struct {
	bw      *bufio.Writer
	scratch []byte
}

func NewWriter(w io.Writer, size int) *Writer {
	if size <= 0 {
		size = 64 * 1024
	}
	return &Writer{bw: bufio.NewWriterSize(w, size)}
}

// WritePending appends [len][token][offset][crc32] as a single write.
func (w *Writer) WritePending(p Pending) error {
	if len(p.Token) > MaxStringLen {
		return fmt.Errorf("%w: token of %d bytes exceeds limit", apperrors.ErrInvalidInput, len(p.Token))
	}
	b := w.scratch[:0]
	b = byteOrder.AppendUint32(b, uint32(len(p.Token)))
	b = append(b, p.Token...)
	b = byteOrder.AppendUint32(b, uint32(p.Offset))
	b = byteOrder.AppendUint32(b, crc32.ChecksumIEEE(b))
	w.scratch = b
	_, err := w.bw.Write(b)
	return err
}

func (w *Writer) WriteString(s string) error {
	if len(s) > MaxStringLen {
		return fmt.Errorf("%w: string of %d bytes exceeds limit", apperrors.ErrInvalidInput, len(s))
	}
	if err := w.WriteUint32(uint32(len(s))); err != nil {
		return err
	}
	_, err := w.bw.WriteString(s)
	return err
}

func (w *Writer) WriteUint32(v uint32) error {
	var b [IntSize]byte
	byteOrder.PutUint32(b[:], v)
	_, err := w.bw.Write(b[:])
	return err
}

func (w *Writer) Flush() error {
	return w.bw.Flush()
}

// Reader decodes records written by Writer.
type Reader struct {
	br  *bufio.Reader
	buf []byte
}

func NewReader(r io.Reader, size int) *Reader {
	if size <= 0 {
		size = 64 * 1024
	}
	return &Reader{br: bufio.NewReaderSize(r, size)}
}

// ReadPending returns the next spool record. It returns io.EOF at a clean
// record boundary and ErrCorrupt for a torn tail or checksum mismatch.
func (r *Reader) ReadPending() (Pending, error) {
	var head [IntSize]byte
	if _, err := io.ReadFull(r.br, head[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Pending{}, io.EOF
		}
		return Pending{}, truncated(err)
	}
	n := byteOrder.Uint32(head[:])
	if n > MaxStringLen {
		return Pending{}, apperrors.Corruptf("spool record token length %d", n)
	}
	total := IntSize + int(n) + 2*IntSize
	if cap(r.buf) < total {
		r.buf = make([]byte, total)
	}
	b := r.buf[:total]
	copy(b, head[:])
	if _, err := io.ReadFull(r.br, b[IntSize:]); err != nil {
		return Pending{}, truncated(err)
	}
	body := b[:total-IntSize]
	if sum := byteOrder.Uint32(b[total-IntSize:]); sum != crc32.ChecksumIEEE(body) {
		return Pending{}, apperrors.Corruptf("spool record checksum %08x", sum)
	}
	return Pending{
		Token:  string(body[IntSize : IntSize+int(n)]),
		Offset: int32(byteOrder.Uint32(body[IntSize+int(n):])),
	}, nil
}

func (r *Reader) ReadString() (string, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return "", err
	}
	if n > MaxStringLen {
		return "", apperrors.Corruptf("string length %d", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.br, b); err != nil {
		return "", truncated(err)
	}
	return string(b), nil
}

func (r *Reader) ReadUint32() (uint32, error) {
	var b [IntSize]byte
	if _, err := io.ReadFull(r.br, b[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, io.EOF
		}
		return 0, truncated(err)
	}
	return byteOrder.Uint32(b[:]), nil
}

func truncated(err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return apperrors.Corruptf("truncated record")
	}
	return err
}
