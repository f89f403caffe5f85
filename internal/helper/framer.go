package helper

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Line is one JSON object read from a helper's stdout.
type Line struct {
	Kind   Kind
	Raw    json.RawMessage
	fields map[string]json.RawMessage
}

// ParseLine validates that b is a single JSON object.
func ParseLine(kind Kind, b []byte) (Line, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return Line{}, err
	}
	if fields == nil {
		return Line{}, errors.New("not a JSON object")
	}
	raw := make([]byte, len(b))
	copy(raw, b)
	return Line{Kind: kind, Raw: raw, fields: fields}, nil
}

// Decode unmarshals the line into v.
func (l Line) Decode(v any) error {
	return json.Unmarshal(l.Raw, v)
}

// Has reports whether the object carries field with a non-null value.
func (l Line) Has(field string) bool {
	v, ok := l.fields[field]
	return ok && !bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// String reports the field as a string, accepting JSON strings only.
func (l Line) String(field string) string {
	var s string
	if v, ok := l.fields[field]; ok {
		_ = json.Unmarshal(v, &s)
	}
	return s
}

// LineFramer splits a byte stream into newline-terminated lines. It keeps the
// bytes of an unterminated line until a later chunk completes it.
type LineFramer struct {
	buf        []byte
	max        int
	discarding bool
	overflows  int
}

// NewLineFramer returns a framer that gives up on lines longer than max bytes.
func NewLineFramer(max int) *LineFramer {
	if max <= 0 {
		max = DefaultMaxLineBytes
	}
	return &LineFramer{max: max}
}

// Feed appends chunk and returns every line completed by it, without the
// trailing "\n" or "\r\n".
func (f *LineFramer) Feed(chunk []byte) [][]byte {
	var lines [][]byte
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			if !f.discarding {
				f.buf = append(f.buf, chunk...)
				if len(f.buf) > f.max {
					f.buf = nil
					f.discarding = true
					f.overflows++
				}
			}
			break
		}

		if f.discarding {
			f.discarding = false
		} else {
			line := append(f.buf, chunk[:i]...)
			line = bytes.TrimSuffix(line, []byte{'\r'})
			out := make([]byte, len(line))
			copy(out, line)
			lines = append(lines, out)
		}
		f.buf = f.buf[:0]
		chunk = chunk[i+1:]
	}
	return lines
}

// Pending returns the number of buffered bytes not yet terminated by "\n".
func (f *LineFramer) Pending() int {
	return len(f.buf)
}

// Overflows returns how many oversized lines were discarded.
func (f *LineFramer) Overflows() int {
	return f.overflows
}

// Decoder turns raw stdout chunks into parsed lines. Blank lines are skipped;
// lines that are not JSON objects are logged and dropped because helpers
// print diagnostics on the same stream.
type Decoder struct {
	kind      Kind
	framer    *LineFramer
	log       *zerolog.Logger
	overflows int
}

// NewDecoder returns a decoder for the given helper kind.
func NewDecoder(kind Kind, maxLine int, log *zerolog.Logger) *Decoder {
	if log == nil {
		nop := zerolog.Nop()
		log = &nop
	}
	return &Decoder{kind: kind, framer: NewLineFramer(maxLine), log: log}
}

// Feed consumes a chunk and returns the complete, valid lines in order.
func (d *Decoder) Feed(chunk []byte) []Line {
	raw := d.framer.Feed(chunk)

	if n := d.framer.Overflows(); n != d.overflows {
		d.overflows = n
		d.log.Warn().Str("kind", string(d.kind)).Msg("Discarded oversized stdout line")
	}

	lines := make([]Line, 0, len(raw))
	for _, b := range raw {
		if len(bytes.TrimSpace(b)) == 0 {
			continue
		}
		line, err := ParseLine(d.kind, b)
		if err != nil {
			d.log.Warn().
				Err(err).
				Str("kind", string(d.kind)).
				Str("line", truncate(b, 256)).
				Msg("Dropping non-JSON helper output")
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// Pending returns the number of buffered, unterminated bytes.
func (d *Decoder) Pending() int {
	return d.framer.Pending()
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return fmt.Sprintf("%s...(%d bytes)", b[:n], len(b))
}
