// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sse

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
	"unicode/utf8"
)

// =============================================================================
// EVENT TYPES
// =============================================================================

// EventKind distinguishes data events from reconnection-interval notices.
type EventKind int

const (
	// KindEvent is a regular data-carrying event.
	KindEvent EventKind = iota
	// KindRetry is a reconnection-interval notice. Callers may ignore it.
	KindRetry
)

// Event is a single decoded Server-Sent Event.
//
// For KindEvent, Type holds the optional "event:" field and Data holds the
// concatenated "data:" lines (joined with \n per the SSE framing rules).
// For KindRetry, RetryMillis holds the parsed "retry:" value.
type Event struct {
	Kind        EventKind
	Type        string
	Data        string
	RetryMillis int
}

// ErrInvalidEncoding indicates a fed chunk was not valid UTF-8.
// The parser produces no further events once this is reported.
var ErrInvalidEncoding = errors.New("sse: chunk is not valid UTF-8")

// =============================================================================
// PUSH PARSER
// =============================================================================

// Parser is a push-style incremental SSE parser.
//
// Feed accepts raw byte chunks split at arbitrary points; complete events
// are queued in arrival order and drained with Events. No event is dropped,
// reordered, or duplicated. A decode failure is fatal for the stream: the
// parser latches the error and discards all further input.
type Parser struct {
	buf     bytes.Buffer // undelivered partial line
	pending []Event

	eventType string
	dataLines []string
	hasData   bool

	err error
}

// NewParser creates an empty Parser.
func NewParser() *Parser {
	return &Parser{}
}

// Feed consumes the next chunk of the stream.
//
// Returns ErrInvalidEncoding if the accumulated bytes cannot form valid
// UTF-8 text; once an error is returned every subsequent Feed returns the
// same error and no new events are produced.
func (p *Parser) Feed(chunk []byte) error {
	if p.err != nil {
		return p.err
	}

	p.buf.Write(chunk)

	// A chunk boundary may split a multi-byte rune, so validation has to
	// tolerate an incomplete sequence at the tail of the buffer.
	if !validPrefix(p.buf.Bytes()) {
		p.err = ErrInvalidEncoding
		p.pending = nil
		return p.err
	}

	for {
		line, ok := p.nextLine()
		if !ok {
			return nil
		}
		p.processLine(line)
	}
}

// Close flushes any buffered, unterminated event at end of stream.
func (p *Parser) Close() {
	if p.err != nil {
		return
	}
	// Treat a trailing line without newline as complete.
	if p.buf.Len() > 0 {
		p.processLine(p.buf.String())
		p.buf.Reset()
	}
	p.flushEvent()
}

// Events returns the decoded events accumulated since the previous call
// and clears the internal queue.
func (p *Parser) Events() []Event {
	evts := p.pending
	p.pending = nil
	return evts
}

// Err returns the latched decode error, if any.
func (p *Parser) Err() error {
	return p.err
}

// nextLine extracts one newline-terminated line from the buffer.
func (p *Parser) nextLine() (string, bool) {
	data := p.buf.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		return "", false
	}
	line := string(data[:idx])
	p.buf.Next(idx + 1)
	return line, true
}

// processLine handles a single decoded line per the SSE framing convention.
func (p *Parser) processLine(line string) {
	line = trimCR(line)

	// Blank line terminates the current event block.
	if line == "" {
		p.flushEvent()
		return
	}

	// Comment line.
	if line[0] == ':' {
		return
	}

	field, value := splitField(line)
	switch field {
	case "event":
		p.eventType = value
	case "data":
		p.dataLines = append(p.dataLines, value)
		p.hasData = true
	case "retry":
		if ms, err := strconv.Atoi(value); err == nil {
			p.pending = append(p.pending, Event{Kind: KindRetry, RetryMillis: ms})
		}
	}
	// Other fields (id:) are ignored.
}

// flushEvent emits the buffered event block, if it carries data.
func (p *Parser) flushEvent() {
	if p.hasData {
		p.pending = append(p.pending, Event{
			Kind: KindEvent,
			Type: p.eventType,
			Data: joinLines(p.dataLines),
		})
	}
	p.eventType = ""
	p.dataLines = nil
	p.hasData = false
}

// =============================================================================
// PULL READER
// =============================================================================

// Reader decodes SSE events from an io.Reader, one event per call.
type Reader struct {
	r *bufio.Reader
}

// NewReader creates a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next data event. It skips retry notices and comments.
// Returns io.EOF when the stream ends cleanly.
func (r *Reader) Next() (Event, error) {
	var (
		eventType string
		dataLines []string
		hasData   bool
	)

	for {
		line, err := r.r.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				// Flush a trailing unterminated block.
				if l := trimCR(line); l != "" {
					if f, v := splitField(l); f == "data" {
						dataLines = append(dataLines, v)
						hasData = true
					}
				}
				if hasData {
					return Event{Kind: KindEvent, Type: eventType, Data: joinLines(dataLines)}, nil
				}
				return Event{}, io.EOF
			}
			return Event{}, err
		}

		if !utf8.ValidString(line) {
			return Event{}, ErrInvalidEncoding
		}

		l := trimCR(line[:len(line)-1])
		if l == "" {
			if hasData {
				return Event{Kind: KindEvent, Type: eventType, Data: joinLines(dataLines)}, nil
			}
			continue
		}
		if l[0] == ':' {
			continue
		}

		field, value := splitField(l)
		switch field {
		case "event":
			eventType = value
		case "data":
			dataLines = append(dataLines, value)
			hasData = true
		}
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// splitField splits an SSE line into field name and value, stripping the
// single optional space after the colon.
func splitField(line string) (string, string) {
	idx := -1
	for i := 0; i < len(line); i++ {
		if line[i] == ':' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return line, ""
	}
	value := line[idx+1:]
	if len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}
	return line[:idx], value
}

func trimCR(s string) string {
	if len(s) > 0 && s[len(s)-1] == '\r' {
		return s[:len(s)-1]
	}
	return s
}

func joinLines(lines []string) string {
	switch len(lines) {
	case 0:
		return ""
	case 1:
		return lines[0]
	}
	var b bytes.Buffer
	for i, l := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(l)
	}
	return b.String()
}

// validPrefix reports whether b is valid UTF-8, allowing one incomplete
// rune at the end (a chunk boundary may split a multi-byte sequence).
func validPrefix(b []byte) bool {
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r == utf8.RuneError && size == 1 {
			// An incomplete sequence at the tail is fine; garbage is not.
			return !utf8.FullRune(b) && len(b) < utf8.UTFMax
		}
		b = b[size:]
	}
	return true
}
