// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/go-dap"
)

const contentLengthHeader = "content-length"

var headerTerminator = []byte("\r\n\r\n")

// Framer splits a byte stream into protocol messages.
// Bytes are fed through Write in chunks of arbitrary size; every complete frame is parsed and handed to onMessage.
// Frames that cannot be parsed are reported to onError and skipped, the stream stays usable.
// Framer is not safe for concurrent use.
type Framer struct {
	buf       []byte
	onMessage func(*Message)
	onError   func(error)
}

func NewFramer(onMessage func(*Message), onError func(error)) *Framer {
	if onError == nil {
		onError = func(error) {}
	}
	return &Framer{
		onMessage: onMessage,
		onError:   onError,
	}
}

// Write appends p to the internal buffer and processes every complete frame it now holds.
// It never fails.
func (f *Framer) Write(p []byte) (int, error) {
	f.buf = append(f.buf, p...)

	consumed := 0
	for {
		n := f.nextFrame(f.buf[consumed:])
		if n == 0 {
			break
		}
		consumed += n
	}

	if consumed > 0 {
		f.buf = append(f.buf[:0], f.buf[consumed:]...)
	}
	return len(p), nil
}

// Buffered returns the number of bytes waiting for the rest of their frame.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// nextFrame processes at most one frame at the start of data and returns the number of bytes it consumed.
// Zero means more input is needed.
func (f *Framer) nextFrame(data []byte) int {
	headerEnd := bytes.Index(data, headerTerminator)
	if headerEnd < 0 {
		return 0
	}
	bodyStart := headerEnd + len(headerTerminator)

	contentLength, found, err := parseContentLength(data[:headerEnd])
	if err != nil || !found {
		if err == nil {
			err = fmt.Errorf("%w: header block without Content-Length", ErrMalformedMessage)
		}
		// Drop the header block and try to resynchronize on whatever follows.
		f.onError(err)
		return bodyStart
	}

	// Content-Length counts bytes, so a multi-byte character split across reads waits here until complete.
	if len(data)-bodyStart < contentLength {
		return 0
	}

	body := data[bodyStart : bodyStart+contentLength]
	var msg Message
	if unmarshalErr := json.Unmarshal(body, &msg); unmarshalErr != nil {
		f.onError(fmt.Errorf("%w: %w", ErrMalformedMessage, unmarshalErr))
	} else if validationErr := msg.validate(); validationErr != nil {
		f.onError(validationErr)
	} else {
		f.onMessage(&msg)
	}

	return bodyStart + contentLength
}

func parseContentLength(header []byte) (int, bool, error) {
	for _, line := range strings.Split(string(header), "\r\n") {
		name, value, hasSeparator := strings.Cut(line, ":")
		if !hasSeparator || !strings.EqualFold(strings.TrimSpace(name), contentLengthHeader) {
			continue
		}

		length, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || length < 0 {
			return 0, false, fmt.Errorf("%w: invalid Content-Length '%s'", ErrMalformedMessage, strings.TrimSpace(value))
		}
		return length, true, nil
	}
	return 0, false, nil
}

// EncodeFrame serializes the message and returns the complete frame (header and body) in one buffer.
func EncodeFrame(msg *Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize %s: %w", msg, err)
	}

	var frame bytes.Buffer
	frame.Grow(len(body) + 32)
	if err = dap.WriteBaseMessage(&frame, body); err != nil {
		return nil, err
	}
	return frame.Bytes(), nil
}
