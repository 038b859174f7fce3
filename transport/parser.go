package transport

import (
	"encoding/binary"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wearcore/limits"
	"github.com/opd-ai/wearcore/wireerr"
)

// ParserStats counts frames and recoverable skips. Resyncs counts runs of
// skipped bytes, not single bytes.
type ParserStats struct {
	Frames         uint64
	Resyncs        uint64
	TrailerErrors  uint64
	ChecksumErrors uint64
}

// Parser extracts frames from a byte stream that may split, merge or
// corrupt them. Bytes of an incomplete frame stay buffered until the next Feed.
// A Parser is not safe for concurrent use.
type Parser struct {
	buf        []byte
	maxPayload int
	stats      ParserStats
	onSkip     func(err error)

	// inGap is set while bytes are being discarded after a skip, so one
	// damaged region is reported once.
	inGap bool
}

// NewParser creates an empty parser that accepts payloads up to
// limits.MaxFramePayload.
func NewParser() *Parser { return &Parser{maxPayload: limits.MaxFramePayload} }

// OnSkip registers a callback for every recoverable error. The callback
// receives a wireerr error of kind Delimiter or Checksum.
func (p *Parser) OnSkip(fn func(err error)) { p.onSkip = fn }

// SetMaxPayload bounds the length field a frame may carry. A preamble
// followed by a larger length is treated as a stray byte instead of a frame
// to wait for. Values outside (0, limits.MaxFramePayload] select the maximum.
func (p *Parser) SetMaxPayload(n int) {
	if n <= 0 || n > limits.MaxFramePayload {
		n = limits.MaxFramePayload
	}
	p.maxPayload = n
}

// MaxPayload returns the current payload bound.
func (p *Parser) MaxPayload() int { return p.maxPayload }

// Stats returns the counters.
func (p *Parser) Stats() ParserStats { return p.stats }

// Buffered returns the number of bytes awaiting a complete frame.
func (p *Parser) Buffered() int { return len(p.buf) }

// Reset drops any buffered bytes and restores the default payload bound.
func (p *Parser) Reset() {
	p.buf = p.buf[:0]
	p.maxPayload = limits.MaxFramePayload
	p.inGap = false
}

// Feed appends data and returns every complete, valid frame in order.
// The internal buffer never grows past limits.MaxAccumulatorBuffer; input is
// consumed in slices of at most that size.
func (p *Parser) Feed(data []byte) []Frame {
	var frames []Frame
	for {
		n := limits.MaxAccumulatorBuffer - len(p.buf)
		if n > len(data) {
			n = len(data)
		}
		p.buf = append(p.buf, data[:n]...)
		data = data[n:]
		frames = p.scan(frames)
		if len(data) == 0 {
			return frames
		}
	}
}

// scan extracts frames from p.buf and keeps the unconsumed tail. The tail
// is always shorter than FrameOverhead+maxPayload.
func (p *Parser) scan(frames []Frame) []Frame {
	off := 0
	for len(p.buf)-off >= FrameOverhead {
		if p.buf[off] != Preamble {
			p.gap(frameError(wireerr.KindDelimiter, "byte 0x%02x at offset %d is not a preamble", p.buf[off], off))
			off++
			continue
		}

		cmd := Command(p.buf[off+1])
		length := int(binary.LittleEndian.Uint16(p.buf[off+3:]))
		if !cmd.Known() || length > p.maxPayload {
			p.gap(frameError(wireerr.KindDelimiter, "false preamble at offset %d (%s, length %d)", off, cmd, length))
			off++
			continue
		}
		if len(p.buf)-off < FrameOverhead+length {
			break
		}

		f := Frame{
			Command: cmd,
			Seq:     p.buf[off+2],
			Payload: p.buf[off+5 : off+5+length],
		}
		crc := binary.LittleEndian.Uint16(p.buf[off+5+length:])
		trailer := p.buf[off+7+length]

		// On a mismatch the preamble may have been a payload byte, so the
		// search resumes right after it.
		if trailer != Trailer {
			if !p.inGap {
				p.stats.TrailerErrors++
			}
			p.gap(frameError(wireerr.KindDelimiter, "byte 0x%02x is not a trailer", trailer))
			off++
			continue
		}
		if want := f.checksum(); crc != want {
			if !p.inGap {
				p.stats.ChecksumErrors++
			}
			p.gap(frameError(wireerr.KindChecksum, "frame %s seq %d crc %04x, computed %04x", f.Command, f.Seq, crc, want))
			off++
			continue
		}

		f.Payload = append([]byte{}, f.Payload...)
		off += FrameOverhead + length
		p.inGap = false
		p.stats.Frames++
		frames = append(frames, f)
	}

	p.buf = append(p.buf[:0], p.buf[off:]...)
	return frames
}

// gap records a skip. Only the first skip of a damaged region is counted
// and reported.
func (p *Parser) gap(err error) {
	if p.inGap {
		return
	}
	p.inGap = true
	p.stats.Resyncs++
	logrus.WithFields(logrus.Fields{
		"function": "Parser.Feed",
		"error":    err.Error(),
	}).Warn("Skipping corrupt stream bytes")
	if p.onSkip != nil {
		p.onSkip(err)
	}
}
