// Package codec implements the wire framing used between sync peers: fixed
// width big-endian integers, length-prefixed ("framed") blobs, a raw
// 36-byte UUID field, and byte counters for the end-of-run summary (spec
// §4.3, §6.2).
package codec

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"
)

// UUIDLen is the exact wire width of a peer UUID field (spec §3: Ascii36).
const UUIDLen = 36

// Codec wraps a duplex byte stream with the framing primitives the sync
// protocol needs, and counts bytes read/written for the session summary
// (spec §4.3, §5: "updated with atomic adds on each operation").
type Codec struct {
	r io.Reader
	w io.Writer

	bytesRead    uint64
	bytesWritten uint64
}

// New wraps rw for framed I/O. r and w may be the same value (e.g. a
// net.Conn) or distinct halves of a pipe.
func New(r io.Reader, w io.Writer) *Codec {
	return &Codec{r: r, w: w}
}

// BytesRead returns the total bytes read so far. Safe to call concurrently
// with in-flight reads.
func (c *Codec) BytesRead() uint64 { return atomic.LoadUint64(&c.bytesRead) }

// BytesWritten returns the total bytes written so far. Safe to call
// concurrently with in-flight writes.
func (c *Codec) BytesWritten() uint64 { return atomic.LoadUint64(&c.bytesWritten) }

// readFull reads exactly len(buf) bytes, erroring on short read/EOF.
func (c *Codec) readFull(buf []byte) error {
	n, err := io.ReadFull(c.r, buf)
	atomic.AddUint64(&c.bytesRead, uint64(n))
	if err != nil {
		return fmt.Errorf("codec: short read (%d of %d bytes): %w", n, len(buf), err)
	}
	return nil
}

func (c *Codec) writeAll(buf []byte) error {
	n, err := c.w.Write(buf)
	atomic.AddUint64(&c.bytesWritten, uint64(n))
	if err != nil {
		return fmt.Errorf("codec: short write (%d of %d bytes): %w", n, len(buf), err)
	}
	if n != len(buf) {
		return fmt.Errorf("codec: short write (%d of %d bytes)", n, len(buf))
	}
	return nil
}

// Flush flushes w if it implements an explicit Flush method (e.g.
// bufio.Writer). The duplex handshake depends on every logical message
// being flushed promptly so the peer isn't left blocked on a full buffer.
func (c *Codec) Flush() error {
	if f, ok := c.w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

// WriteUint32 writes a 32-bit big-endian integer.
func (c *Codec) WriteUint32(v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	if err := c.writeAll(buf[:]); err != nil {
		return err
	}
	return c.Flush()
}

// ReadUint32 reads a 32-bit big-endian integer.
func (c *Codec) ReadUint32() (uint32, error) {
	var buf [4]byte
	if err := c.readFull(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// WriteFramed writes a 32-bit length prefix followed by data.
func (c *Codec) WriteFramed(data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if err := c.writeAll(lenBuf[:]); err != nil {
		return err
	}
	if err := c.writeAll(data); err != nil {
		return err
	}
	return c.Flush()
}

// ReadFramed reads a 32-bit length prefix followed by that many bytes.
func (c *Codec) ReadFramed() ([]byte, error) {
	n, err := c.ReadUint32()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	if err := c.readFull(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteFramedList writes a 32-bit count followed by that many framed blobs.
func (c *Codec) WriteFramedList(items [][]byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(items)))
	if err := c.writeAll(lenBuf[:]); err != nil {
		return err
	}
	for _, it := range items {
		var itLen [4]byte
		binary.BigEndian.PutUint32(itLen[:], uint32(len(it)))
		if err := c.writeAll(itLen[:]); err != nil {
			return err
		}
		if err := c.writeAll(it); err != nil {
			return err
		}
	}
	return c.Flush()
}

// ReadFramedList reads a 32-bit count followed by that many framed blobs.
func (c *Codec) ReadFramedList() ([][]byte, error) {
	n, err := c.ReadUint32()
	if err != nil {
		return nil, err
	}
	items := make([][]byte, 0, n)
	for i := uint32(0); i < n; i++ {
		item, err := c.readFramedNoFlush()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (c *Codec) readFramedNoFlush() ([]byte, error) {
	itLen, err := c.ReadUint32()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, itLen)
	if itLen == 0 {
		return buf, nil
	}
	if err := c.readFull(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteUUID writes a raw, unframed 36-byte ASCII UUID field.
func (c *Codec) WriteUUID(uuid string) error {
	if len(uuid) != UUIDLen {
		return fmt.Errorf("codec: uuid %q is not %d bytes", uuid, UUIDLen)
	}
	if err := c.writeAll([]byte(uuid)); err != nil {
		return err
	}
	return c.Flush()
}

// ReadUUID reads a raw, unframed 36-byte ASCII UUID field.
func (c *Codec) ReadUUID() (string, error) {
	var buf [UUIDLen]byte
	if err := c.readFull(buf[:]); err != nil {
		return "", err
	}
	return string(buf[:]), nil
}
