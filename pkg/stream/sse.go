// Package stream relays server-sent chat completion streams to a client
// while accumulating the assistant reply.
package stream

import (
	"bufio"
	"bytes"
	"io"
)

// Frame is one server-sent event. Raw holds the bytes exactly as received,
// including the terminating blank line; Data joins its data: lines.
type Frame struct {
	Raw  []byte
	Data []byte
}

// HasData reports whether the frame carried any data: line.
func (f Frame) HasData() bool { return f.Data != nil }

// FrameReader splits an SSE byte stream into frames.
type FrameReader struct {
	r *bufio.Reader
}

// NewFrameReader wraps r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReaderSize(r, 32*1024)}
}

// Next returns the next frame. At end of stream a trailing unterminated
// frame is returned together with io.EOF.
func (fr *FrameReader) Next() (Frame, error) {
	var raw bytes.Buffer
	var data []byte

	for {
		line, err := fr.r.ReadBytes('\n')
		if len(line) > 0 {
			raw.Write(line)
			content := bytes.TrimRight(line, "\r\n")
			if len(content) == 0 {
				return Frame{Raw: raw.Bytes(), Data: data}, nil
			}
			if payload, ok := dataPayload(content); ok {
				if data != nil {
					data = append(data, '\n')
				} else {
					data = []byte{}
				}
				data = append(data, payload...)
			}
		}
		if err != nil {
			if raw.Len() == 0 {
				return Frame{}, err
			}
			return Frame{Raw: raw.Bytes(), Data: data}, err
		}
	}
}

func dataPayload(line []byte) ([]byte, bool) {
	if !bytes.HasPrefix(line, []byte("data:")) {
		return nil, false
	}
	return bytes.TrimPrefix(line[len("data:"):], []byte(" ")), true
}
