// Package wire frames raw socket bytes into protocol lines. It carries no
// grammar; the protocol layer interprets the lines it yields.
package wire

import "bytes"

// MaxLine is the longest line kept intact: one IRC message (512 bytes)
// plus room for message tags.
const MaxLine = 512 + 4096

// Frame is one decoded unit, without terminator.
type Frame struct {
    Data      []byte
    Truncated bool
}

// Decoder turns a byte stream into frames. Implementations keep whatever
// partial state they need between Feed calls and are used by one goroutine.
type Decoder interface {
    Feed(p []byte) []Frame
}

// LineDecoder splits on '\n' and trims a trailing '\r'. A line longer than
// Max bytes is cut at Max and flagged Truncated; the rest of it, up to the
// next newline, is discarded.
type LineDecoder struct {
    Max int

    buf      []byte
    overflow bool
}

func NewLineDecoder(max int) *LineDecoder {
    if max <= 0 { max = MaxLine }
    return &LineDecoder{Max: max}
}

func (d *LineDecoder) Feed(p []byte) []Frame {
    var out []Frame
    for len(p) > 0 {
        chunk, rest, terminated := bytes.Cut(p, []byte{'\n'})
        p = rest
        if room := d.Max - len(d.buf); len(chunk) > room {
            d.buf = append(d.buf, chunk[:room]...)
            d.overflow = true
        } else {
            d.buf = append(d.buf, chunk...)
        }
        if !terminated { break }
        line := append([]byte(nil), d.buf...)
        if !d.overflow { line = bytes.TrimSuffix(line, []byte{'\r'}) }
        out = append(out, Frame{Data: line, Truncated: d.overflow})
        d.buf, d.overflow = d.buf[:0], false
    }
    return out
}

// Pending reports how many bytes of an unterminated line are buffered.
func (d *LineDecoder) Pending() int { return len(d.buf) }
