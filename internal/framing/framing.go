// Package framing implements the wire framing codec for noisestream:
// a 3-byte little-endian length prefix followed by exactly that many
// payload bytes, repeated with no delimiters. It tolerates arbitrary
// fragmentation of the underlying byte stream, including one byte at a
// time, and performs a zero-copy slice whenever a frame's body is fully
// contained within a single inbound chunk.
package framing

import (
	"fmt"

	"github.com/valyala/bytebufferpool"
)

// MaxFrameLen is the largest payload a 3-byte little-endian length prefix
// can address: 2^24 - 1.
const MaxFrameLen = 1<<24 - 1

const lenFieldSize = 3

type readState int

const (
	readingLen readState = iota
	readingBody
)

// accMulDone is the sentinel acc_mul value meaning the 3-byte length field
// has been fully consumed.
const accMulDone = 1 << 24

// Hinter is an optional capability a transport or a frame sink may
// implement to receive a best-effort estimate of how many more bytes the
// body currently being reassembled still needs. Absence is fine; Parser
// only calls it when non-nil.
type Hinter interface {
	SetContentSize(remaining int)
}

// Parser holds the reassembly state machine for one direction of a
// connection. It is not safe for concurrent use; a session drives it from
// a single reader goroutine.
type Parser struct {
	state  readState
	length int
	accMul int
	buf    *bytebufferpool.ByteBuffer // owned accumulator, nil while borrowing

	hinter Hinter
}

// NewParser returns a Parser ready to reassemble frames. hint may be nil.
func NewParser(hint Hinter) *Parser {
	return &Parser{accMul: 1, hinter: hint}
}

func (p *Parser) reset() {
	if p.buf != nil {
		bytebufferpool.Put(p.buf)
		p.buf = nil
	}
	p.state = readingLen
	p.length = 0
	p.accMul = 1
}

// Feed consumes chunk, invoking yield once for every frame completed by it
// (including frames completed mid-chunk, in order). The slice passed to
// yield is only valid until the next call to Feed when it is a zero-copy
// borrow of chunk; yield must copy it out if it needs to retain it beyond
// the call. Feed returns the first error yield returns, aborting further
// processing of chunk.
func (p *Parser) Feed(chunk []byte, yield func([]byte) error) error {
	for len(chunk) > 0 {
		switch p.state {
		case readingLen:
			for p.accMul != accMulDone && len(chunk) > 0 {
				p.length |= int(chunk[0]) * p.accMul
				p.accMul <<= 8
				chunk = chunk[1:]
			}
			if p.accMul != accMulDone {
				// Length field not yet complete; wait for more bytes.
				return nil
			}
			p.state = readingBody
			if p.length == 0 {
				// Zero-length frame: nothing to read, yield immediately.
				if err := yield(nil); err != nil {
					return err
				}
				p.reset()
				continue
			}
			if p.hinter != nil {
				p.hinter.SetContentSize(p.length)
			}
		case readingBody:
			if p.buf == nil && len(chunk) >= p.length {
				// Zero-copy path: the whole body is already in hand.
				body := chunk[:p.length]
				chunk = chunk[p.length:]
				if err := yield(body); err != nil {
					return err
				}
				p.reset()
				continue
			}

			if p.buf == nil {
				p.buf = bytebufferpool.Get()
				if cap(p.buf.B) < p.length {
					p.buf.B = make([]byte, 0, p.length)
				} else {
					p.buf.B = p.buf.B[:0]
				}
			}
			need := p.length - len(p.buf.B)
			take := min(need, len(chunk))
			p.buf.B = append(p.buf.B, chunk[:take]...)
			chunk = chunk[take:]
			if p.hinter != nil {
				p.hinter.SetContentSize(p.length - len(p.buf.B))
			}
			if len(p.buf.B) == p.length {
				if err := yield(p.buf.B); err != nil {
					return err
				}
				p.reset()
			}
		}
	}
	return nil
}

// Encode writes a complete frame (length prefix + body) into dst, returning
// the extended slice. It copies body; on the hot path, callers that already
// have the body in a contiguous buffer that is prefixed by 3 free bytes
// can instead call PatchLength after writing the body directly in place.
func Encode(dst []byte, body []byte) ([]byte, error) {
	if len(body) > MaxFrameLen {
		return nil, fmt.Errorf("framing: body of %d bytes exceeds %d byte cap", len(body), MaxFrameLen)
	}
	start := len(dst)
	dst = append(dst, 0, 0, 0)
	dst = append(dst, body...)
	putUint24LE(dst[start:start+lenFieldSize], len(body))
	return dst, nil
}

// PatchLength writes the 3-byte little-endian length prefix into the first
// 3 bytes of frame, given that frame[3:] already holds the body (written
// in place by the caller, e.g. an AEAD seal). len(frame)-3 must be <= MaxFrameLen.
func PatchLength(frame []byte) error {
	bodyLen := len(frame) - lenFieldSize
	if bodyLen < 0 {
		return fmt.Errorf("framing: frame shorter than length prefix")
	}
	if bodyLen > MaxFrameLen {
		return fmt.Errorf("framing: body of %d bytes exceeds %d byte cap", bodyLen, MaxFrameLen)
	}
	putUint24LE(frame[:lenFieldSize], bodyLen)
	return nil
}

func putUint24LE(dst []byte, v int) {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v >> 16)
}
