// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"bytes"
	"regexp"
	"strconv"
)

// maxFrameBodySize bounds the Content-Length a FrameParser accepts.
const maxFrameBodySize = maxWorkerMessageSize

var (
	headerTerminator    = []byte("\r\n\r\n")
	contentLengthHeader = regexp.MustCompile(`(?i)Content-Length:\s*(\d+)`)
)

// FrameParser reassembles Content-Length delimited DAP frames from a byte stream
// that may be split at arbitrary points. It is not safe for concurrent use.
type FrameParser struct {
	buf []byte
}

func NewFrameParser() *FrameParser {
	return &FrameParser{}
}

// Feed appends data to the internal buffer and returns the bodies of all frames that are now complete.
// Incomplete trailing data is retained for the next call. A header without a valid Content-Length,
// or with one above maxFrameBodySize, is skipped up to and including its blank line.
func (p *FrameParser) Feed(data []byte) [][]byte {
	p.buf = append(p.buf, data...)
	var frames [][]byte

	for {
		headerEnd := bytes.Index(p.buf, headerTerminator)
		if headerEnd < 0 {
			break
		}

		match := contentLengthHeader.FindSubmatch(p.buf[:headerEnd])
		if match == nil {
			p.buf = p.buf[headerEnd+len(headerTerminator):]
			continue
		}

		contentLength, convErr := strconv.Atoi(string(match[1]))
		if convErr != nil || contentLength > maxFrameBodySize {
			p.buf = p.buf[headerEnd+len(headerTerminator):]
			continue
		}

		bodyStart := headerEnd + len(headerTerminator)
		frameEnd := bodyStart + contentLength
		if len(p.buf) < frameEnd {
			break
		}

		body := make([]byte, contentLength)
		copy(body, p.buf[bodyStart:frameEnd])
		frames = append(frames, body)
		p.buf = p.buf[frameEnd:]
	}

	if len(p.buf) == 0 {
		p.buf = nil
	}
	return frames
}

// Remainder returns a copy of the buffered bytes that do not yet form a complete frame.
func (p *FrameParser) Remainder() []byte {
	return bytes.Clone(p.buf)
}

// HasData reports whether any bytes are buffered.
func (p *FrameParser) HasData() bool {
	return len(p.buf) > 0
}

// EncodeFrame wraps a message body in a DAP Content-Length header.
func EncodeFrame(body []byte) []byte {
	header := "Content-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n"
	frame := make([]byte, 0, len(header)+len(body))
	frame = append(frame, header...)
	return append(frame, body...)
}
