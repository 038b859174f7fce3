package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/wearcore/limits"
	"github.com/opd-ai/wearcore/wireerr"
)

func mustFrame(t *testing.T, cmd Command, seq byte, payload []byte) []byte {
	t.Helper()
	f := Frame{Command: cmd, Seq: seq, Payload: payload}
	data, err := f.Serialize()
	require.NoError(t, err)
	return data
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func TestParserSingleFrame(t *testing.T) {
	p := NewParser()
	frames := p.Feed(mustFrame(t, CmdChannelData, 3, []byte("hello")))

	require.Len(t, frames, 1)
	assert.Equal(t, CmdChannelData, frames[0].Command)
	assert.Equal(t, byte(3), frames[0].Seq)
	assert.Equal(t, []byte("hello"), frames[0].Payload)
	assert.Equal(t, 0, p.Buffered())
}

func TestParserSplitReads(t *testing.T) {
	data := mustFrame(t, CmdChannelData, 1, []byte("split across reads"))
	p := NewParser()

	for i := 0; i < len(data)-1; i++ {
		frames := p.Feed(data[i : i+1])
		require.Empty(t, frames, "frame emitted early at byte %d", i)
	}
	frames := p.Feed(data[len(data)-1:])
	require.Len(t, frames, 1)
	assert.Equal(t, []byte("split across reads"), frames[0].Payload)
}

func TestParserConcatenatedReads(t *testing.T) {
	data := concat(
		mustFrame(t, CmdChannelData, 1, []byte("a")),
		mustFrame(t, CmdPing, 2, []byte{1, 1, 0, 0}),
		mustFrame(t, CmdChannelsGet, 3, nil),
	)
	frames := NewParser().Feed(data)

	require.Len(t, frames, 3)
	assert.Equal(t, CmdChannelData, frames[0].Command)
	assert.Equal(t, CmdPing, frames[1].Command)
	assert.Equal(t, CmdChannelsGet, frames[2].Command)
}

func TestParserPartialTail(t *testing.T) {
	second := mustFrame(t, CmdPong, 9, []byte{1, 1, 0, 0})
	p := NewParser()

	frames := p.Feed(concat(mustFrame(t, CmdPing, 8, []byte{1, 1, 0, 0}), second[:4]))
	require.Len(t, frames, 1)
	assert.Equal(t, 4, p.Buffered())

	frames = p.Feed(second[4:])
	require.Len(t, frames, 1)
	assert.Equal(t, CmdPong, frames[0].Command)
}

func TestParserResyncAfterGarbageByte(t *testing.T) {
	var skips []error
	p := NewParser()
	p.OnSkip(func(err error) { skips = append(skips, err) })

	data := concat(
		mustFrame(t, CmdChannelData, 1, []byte("first")),
		[]byte{0x00},
		mustFrame(t, CmdChannelData, 2, []byte("second")),
	)
	frames := p.Feed(data)

	require.Len(t, frames, 2)
	assert.Equal(t, []byte("second"), frames[1].Payload)
	require.Len(t, skips, 1)
	assert.ErrorIs(t, skips[0], wireerr.ErrDelimiter)
	assert.True(t, wireerr.IsRecoverable(skips[0]))
	assert.Equal(t, uint64(1), p.Stats().Resyncs)
}

func TestParserChecksumMismatch(t *testing.T) {
	var skips []error
	p := NewParser()
	p.OnSkip(func(err error) { skips = append(skips, err) })

	bad := mustFrame(t, CmdChannelData, 1, []byte("corrupt"))
	bad[6] ^= 0xff
	frames := p.Feed(concat(bad, mustFrame(t, CmdChannelData, 2, []byte("ok"))))

	require.Len(t, frames, 1)
	assert.Equal(t, []byte("ok"), frames[0].Payload)
	require.Len(t, skips, 1)
	assert.ErrorIs(t, skips[0], wireerr.ErrChecksum)
	assert.Equal(t, uint64(1), p.Stats().ChecksumErrors)
}

func TestParserTrailerMismatch(t *testing.T) {
	var skips []error
	p := NewParser()
	p.OnSkip(func(err error) { skips = append(skips, err) })

	bad := mustFrame(t, CmdChannelData, 1, []byte("x"))
	bad[len(bad)-1] = 0x00
	frames := p.Feed(concat(bad, mustFrame(t, CmdChannelData, 2, []byte("y"))))

	require.Len(t, frames, 1)
	assert.Equal(t, []byte("y"), frames[0].Payload)
	assert.Equal(t, uint64(1), p.Stats().TrailerErrors)
	require.NotEmpty(t, skips)
	for _, err := range skips {
		assert.ErrorIs(t, err, wireerr.ErrDelimiter)
	}
}

func TestParserStrayPreambleBetweenFrames(t *testing.T) {
	var skips []error
	p := NewParser()
	p.OnSkip(func(err error) { skips = append(skips, err) })

	f2 := mustFrame(t, CmdChannelData, 1, []byte("twelve bytes"))
	frames := p.Feed(concat(mustFrame(t, CmdChannelData, 0, []byte("first")), []byte{Preamble}, f2))

	require.Len(t, frames, 2)
	assert.Equal(t, byte(1), frames[1].Seq)
	assert.Equal(t, []byte("twelve bytes"), frames[1].Payload)
	assert.Equal(t, 0, p.Buffered())
	require.Len(t, skips, 1)
	assert.ErrorIs(t, skips[0], wireerr.ErrDelimiter)
	assert.Equal(t, uint64(1), p.Stats().Resyncs)
}

func TestParserStrayPreambleWithPlausibleHeader(t *testing.T) {
	// 0x55 0x07 followed by a real frame reads as a channel data frame whose
	// length is taken from the next frame's header.
	stray := []byte{Preamble, byte(CmdChannelData)}
	f2 := mustFrame(t, CmdChannelData, 1, []byte("next"))

	t.Run("bounded payload skips at once", func(t *testing.T) {
		p := NewParser()
		p.SetMaxPayload(64)
		frames := p.Feed(concat(stray, f2))
		require.Len(t, frames, 1)
		assert.Equal(t, []byte("next"), frames[0].Payload)
		assert.Equal(t, 0, p.Buffered())
	})

	t.Run("unbounded payload recovers once data arrives", func(t *testing.T) {
		p := NewParser()
		frames := p.Feed(concat(stray, f2))
		require.Empty(t, frames)

		f3 := mustFrame(t, CmdChannelData, 2, make([]byte, 300))
		frames = p.Feed(f3)
		require.Len(t, frames, 2)
		assert.Equal(t, []byte("next"), frames[0].Payload)
		assert.Len(t, frames[1].Payload, 300)
		assert.Equal(t, uint64(1), p.Stats().TrailerErrors)
		assert.Equal(t, uint64(1), p.Stats().Resyncs)
	})
}

func TestParserUnknownCommandIsNotAFrame(t *testing.T) {
	bogus := Frame{Command: Command(0x42), Seq: 0, Payload: []byte("??")}
	data, err := bogus.Serialize()
	require.NoError(t, err)

	p := NewParser()
	frames := p.Feed(concat(data, mustFrame(t, CmdPing, 1, []byte{1, 1, 0, 0})))
	require.Len(t, frames, 1)
	assert.Equal(t, CmdPing, frames[0].Command)
	assert.Equal(t, uint64(1), p.Stats().Resyncs)
}

func TestParserBufferIsBounded(t *testing.T) {
	p := NewParser()
	head := []byte{Preamble, byte(CmdChannelData), 0x00, 0xff, 0xff}
	frames := p.Feed(concat(head, make([]byte, 3*limits.MaxAccumulatorBuffer)))
	assert.Empty(t, frames)
	assert.LessOrEqual(t, p.Buffered(), limits.MaxAccumulatorBuffer)

	frames = p.Feed(mustFrame(t, CmdPong, 4, []byte{1, 1, 0, 0}))
	require.Len(t, frames, 1)
	assert.Equal(t, CmdPong, frames[0].Command)
}

func TestParserSetMaxPayload(t *testing.T) {
	p := NewParser()
	assert.Equal(t, limits.MaxFramePayload, p.MaxPayload())
	p.SetMaxPayload(100)
	assert.Equal(t, 100, p.MaxPayload())

	frames := p.Feed(mustFrame(t, CmdChannelData, 1, make([]byte, 101)))
	assert.Empty(t, frames)
	assert.Less(t, p.Buffered(), FrameOverhead)

	p.SetMaxPayload(0)
	assert.Equal(t, limits.MaxFramePayload, p.MaxPayload())
}

func TestParserReset(t *testing.T) {
	p := NewParser()
	p.SetMaxPayload(32)
	p.Feed([]byte{Preamble, 0x01, 0x00})
	assert.Equal(t, 3, p.Buffered())
	p.Reset()
	assert.Equal(t, 0, p.Buffered())
	assert.Equal(t, limits.MaxFramePayload, p.MaxPayload())
}
