// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameParserSingleFrame(t *testing.T) {
	t.Parallel()

	p := NewFrameParser()
	frames := p.Feed(EncodeFrame([]byte(`{"seq":1}`)))

	require.Len(t, frames, 1)
	assert.Equal(t, `{"seq":1}`, string(frames[0]))
	assert.False(t, p.HasData())
}

func TestFrameParserMultipleFramesInOneChunk(t *testing.T) {
	t.Parallel()

	p := NewFrameParser()
	data := append(EncodeFrame([]byte(`{"a":1}`)), EncodeFrame([]byte(`{"b":2}`))...)
	frames := p.Feed(data)

	require.Len(t, frames, 2)
	assert.Equal(t, `{"a":1}`, string(frames[0]))
	assert.Equal(t, `{"b":2}`, string(frames[1]))
}

func TestFrameParserKeepsPartialFrame(t *testing.T) {
	t.Parallel()

	p := NewFrameParser()
	frame := EncodeFrame([]byte(`{"seq":42,"type":"event"}`))

	frames := p.Feed(frame[:10])
	assert.Empty(t, frames)
	assert.True(t, p.HasData())
	assert.Equal(t, frame[:10], p.Remainder())

	frames = p.Feed(frame[10:])
	require.Len(t, frames, 1)
	assert.Equal(t, `{"seq":42,"type":"event"}`, string(frames[0]))
	assert.Empty(t, p.Remainder())
}

func TestFrameParserArbitrarySplitsMatchSingleRead(t *testing.T) {
	t.Parallel()

	var stream []byte
	bodies := []string{`{"seq":1,"type":"request","command":"initialize"}`, `{}`, `{"seq":3,"body":{"text":"héllo"}}`}
	for _, b := range bodies {
		stream = append(stream, EncodeFrame([]byte(b))...)
	}

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		first := rng.Intn(len(stream) + 1)
		second := first + rng.Intn(len(stream)-first+1)

		p := NewFrameParser()
		var got []string
		for _, chunk := range [][]byte{stream[:first], stream[first:second], stream[second:]} {
			for _, f := range p.Feed(chunk) {
				got = append(got, string(f))
			}
		}

		require.Equal(t, bodies, got, "split at %d/%d", first, second)
		require.False(t, p.HasData())
	}
}

func TestFrameParserSkipsMalformedHeader(t *testing.T) {
	t.Parallel()

	p := NewFrameParser()
	data := append([]byte("X-Garbage: yes\r\n\r\n"), EncodeFrame([]byte(`{"ok":true}`))...)
	frames := p.Feed(data)

	require.Len(t, frames, 1)
	assert.Equal(t, `{"ok":true}`, string(frames[0]))
}

func TestFrameParserHeaderIsCaseInsensitive(t *testing.T) {
	t.Parallel()

	p := NewFrameParser()
	frames := p.Feed([]byte("content-length: 2\r\n\r\n{}"))

	require.Len(t, frames, 1)
	assert.Equal(t, "{}", string(frames[0]))
}

func TestEncodeFrameCountsBytes(t *testing.T) {
	t.Parallel()

	frame := EncodeFrame([]byte("é"))
	assert.Equal(t, "Content-Length: 2\r\n\r\né", string(frame))
}

func TestFrameParserSkipsOversizedContentLength(t *testing.T) {
	t.Parallel()

	for _, length := range []string{"9223372036854775807", "99999999999999999999", "16777217"} {
		t.Run(length, func(t *testing.T) {
			t.Parallel()

			p := NewFrameParser()
			data := append([]byte("Content-Length: "+length+"\r\n\r\n"), EncodeFrame([]byte(`{"ok":true}`))...)

			var frames [][]byte
			require.NotPanics(t, func() { frames = p.Feed(data) })
			require.Len(t, frames, 1)
			assert.Equal(t, `{"ok":true}`, string(frames[0]))
			assert.False(t, p.HasData())
		})
	}
}
