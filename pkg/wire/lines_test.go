package wire

import (
    "bytes"
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func lines(fs []Frame) []string {
    out := make([]string, 0, len(fs))
    for _, f := range fs { out = append(out, string(f.Data)) }
    return out
}

func TestLineDecoderSplitsAndTrims(t *testing.T) {
    d := NewLineDecoder(0)
    got := d.Feed([]byte("NICK a\r\nUSER a 0 * :A\nPING"))
    assert.Equal(t, []string{"NICK a", "USER a 0 * :A"}, lines(got))
    assert.Equal(t, 4, d.Pending())

    got = d.Feed([]byte(" :x\r\n"))
    assert.Equal(t, []string{"PING :x"}, lines(got))
    assert.Zero(t, d.Pending())
}

func TestLineDecoderByteAtATime(t *testing.T) {
    d := NewLineDecoder(64)
    var all []Frame
    for _, b := range []byte("a\r\nbc\n\n") {
        all = append(all, d.Feed([]byte{b})...)
    }
    assert.Equal(t, []string{"a", "bc", ""}, lines(all))
}

func TestLineDecoderTruncatesOverlong(t *testing.T) {
    d := NewLineDecoder(8)
    in := append(bytes.Repeat([]byte("x"), 20), []byte("\r\nok\r\n")...)
    got := d.Feed(in)
    require.Len(t, got, 2)
    assert.True(t, got[0].Truncated)
    assert.Equal(t, "xxxxxxxx", string(got[0].Data))
    assert.False(t, got[1].Truncated)
    assert.Equal(t, "ok", string(got[1].Data))
}

func TestLineDecoderOverlongAcrossFeeds(t *testing.T) {
    d := NewLineDecoder(4)
    assert.Empty(t, d.Feed([]byte("abc")))
    assert.Empty(t, d.Feed([]byte("defg")))
    assert.Equal(t, 4, d.Pending())
    got := d.Feed([]byte("h\nz\n"))
    require.Len(t, got, 2)
    assert.Equal(t, "abcd", string(got[0].Data))
    assert.True(t, got[0].Truncated)
    assert.Equal(t, "z", string(got[1].Data))
}

func TestLineDecoderFramesDoNotAlias(t *testing.T) {
    d := NewLineDecoder(0)
    buf := []byte("one\n")
    got := d.Feed(buf)
    copy(buf, "two\n")
    assert.Equal(t, "one", string(got[0].Data))
}
