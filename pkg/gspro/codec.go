// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gspro

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	perrors "github.com/brentyates/gspro-proxy/pkg/errors"
)

// MaxFrameLen caps a single frame. Real GSPro traffic is a few hundred bytes;
// anything past this is a misbehaving peer, not a bigger shot.
const MaxFrameLen = 1 << 20

const readBufferSize = 4096

// Decoder reads GSPro Connect frames from a stream.
//
// One Decode call consumes exactly one JSON value. Undecodable input is
// reported as *errors.ProtocolError after the decoder discards through the
// next newline, so a single bad frame does not poison the frames behind it.
// Transport errors pass through unchanged.
type Decoder struct {
	br     *bufio.Reader
	dec    *json.Decoder
	source string
}

// NewDecoder wraps r. source labels the peer in protocol errors
// (a monitor name or "gspro").
func NewDecoder(r io.Reader, source string) *Decoder {
	br := bufio.NewReaderSize(r, readBufferSize)
	return &Decoder{
		br:     br,
		dec:    json.NewDecoder(br),
		source: source,
	}
}

// Decode returns the next classified frame.
func (d *Decoder) Decode() (*Message, error) {
	var raw json.RawMessage
	if err := d.dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, err
		}
		var syn *json.SyntaxError
		if errors.As(err, &syn) {
			d.resync()
			return nil, &perrors.ProtocolError{Source: d.source, Err: err}
		}
		return nil, err
	}

	if len(raw) > MaxFrameLen {
		return nil, &perrors.ProtocolError{
			Source: d.source,
			Err:    fmt.Errorf("frame of %d bytes exceeds limit %d", len(raw), MaxFrameLen),
		}
	}

	msg, err := classify(raw)
	if err != nil {
		// Valid JSON, wrong shape (array, string, mistyped fields).
		return nil, &perrors.ProtocolError{Source: d.source, Err: err}
	}
	return msg, nil
}

// resync drops input through the next newline and rebuilds the JSON decoder.
// Frames are newline-delimited in practice, so the line boundary is the
// closest thing to a frame boundary malformed input still has.
func (d *Decoder) resync() {
	buffered, _ := io.ReadAll(d.dec.Buffered())
	if i := bytes.IndexByte(buffered, '\n'); i >= 0 {
		rest := buffered[i+1:]
		d.dec = json.NewDecoder(io.MultiReader(bytes.NewReader(rest), d.br))
		return
	}
	// The bad line extends past the decoder's buffer; skip the remainder
	// straight off the stream. Errors here surface on the next Decode.
	_, _ = d.br.ReadBytes('\n')
	d.dec = json.NewDecoder(d.br)
}

// Encoder writes frames to a stream, one JSON object per line.
//
// Encoder does not serialize concurrent writers; connections own a write
// lock around it.
type Encoder struct {
	w io.Writer
}

// NewEncoder wraps w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// WriteRaw forwards an already-encoded frame without touching its bytes,
// appending only the trailing frame delimiter. The write is issued as a
// single Write call so frames never interleave mid-buffer.
func (e *Encoder) WriteRaw(raw []byte) error {
	buf := make([]byte, 0, len(raw)+1)
	buf = append(buf, raw...)
	buf = append(buf, '\n')
	if _, err := e.w.Write(buf); err != nil {
		return err
	}
	return nil
}

// Encode marshals a proxy-originated frame and writes it.
func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return e.WriteRaw(data)
}
