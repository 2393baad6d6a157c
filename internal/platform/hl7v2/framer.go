package hl7v2

import "bytes"

const (
	// StartBlock is the MLLP start-of-message byte (VT / vertical tab).
	StartBlock = 0x0B

	// EndBlock is the MLLP end-of-message byte (FS / file separator).
	EndBlock = 0x1C

	// CarriageReturn is the trailing CR after the end block.
	CarriageReturn = 0x0D

	// maxFrameSize caps the per-connection accumulation buffer (1 MB).
	maxFrameSize = 1 << 20
)

// Framer extracts MLLP-framed HL7v2 messages from an arbitrarily
// fragmented byte stream. Each connection owns one Framer; it carries
// the bytes of any partially received frame between reads.
//
// Bytes outside a frame (before the 0x0B start block) are discarded. A
// frame left open at stream end is never emitted.
type Framer struct {
	buf []byte
}

// Push appends stream bytes and returns every complete message framed so
// far, in arrival order. The returned slices are copies and remain valid
// after the next Push.
func (f *Framer) Push(p []byte) [][]byte {
	f.buf = append(f.buf, p...)

	var msgs [][]byte
	for {
		msg, rest, found := Unframe(f.buf)
		if !found {
			break
		}
		out := make([]byte, len(msg))
		copy(out, msg)
		msgs = append(msgs, out)
		f.buf = rest
	}

	// Nothing buffered before a start block can ever become a message.
	if start := bytes.IndexByte(f.buf, StartBlock); start > 0 {
		f.buf = f.buf[start:]
	} else if start == -1 {
		f.buf = f.buf[:0]
	}

	return msgs
}

// Pending reports whether a partial frame is buffered.
func (f *Framer) Pending() bool {
	return bytes.IndexByte(f.buf, StartBlock) != -1
}

// Overflow reports whether the buffered partial frame exceeds the
// maximum frame size; callers should drop the connection.
func (f *Framer) Overflow() bool {
	return len(f.buf) > maxFrameSize
}

// Frame wraps raw HL7v2 bytes in MLLP framing:
//
//	<0x0B> + message + <0x1C><0x0D>
func Frame(data []byte) []byte {
	framed := make([]byte, 0, len(data)+3)
	framed = append(framed, StartBlock)
	framed = append(framed, data...)
	framed = append(framed, EndBlock, CarriageReturn)
	return framed
}

// Unframe extracts the first complete MLLP frame from data. It returns
// the message payload, the bytes after the frame, and whether a complete
// frame was found.
func Unframe(data []byte) (message, rest []byte, found bool) {
	startIdx := bytes.IndexByte(data, StartBlock)
	if startIdx == -1 {
		return nil, data, false
	}

	endIdx := bytes.Index(data[startIdx+1:], []byte{EndBlock, CarriageReturn})
	if endIdx == -1 {
		return nil, data, false
	}
	endIdx += startIdx + 1

	return data[startIdx+1 : endIdx], data[endIdx+2:], true
}
