package wyoming

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// ErrTruncated reports an incomplete fixed-length read (data block or binary
// payload). It is fatal to the connection, never to the process.
var ErrTruncated = errors.New("wyoming: truncated fixed-length read")

// readBufferSize is sized for audio-chunk headers plus a full payload.
const readBufferSize = 64 * 1024

// scanState drives the resynchronizing header scan. Real hubs have been
// observed to concatenate JSON objects without separators and to interleave
// stray bytes; the scanner skips noise and retries rather than desyncing the
// whole stream.
type scanState int

const (
	scanningForObject scanState = iota
	parsingObject
)

// Decoder reads frames of the hub wire protocol from a byte stream:
// one newline-terminated header line that may carry one or more JSON objects,
// then an optional data block of data_length bytes, then an optional raw
// payload of payload_length bytes.
type Decoder struct {
	r   *bufio.Reader
	log *zap.Logger

	// headers parsed from the current line, not yet completed with their
	// data block / payload
	queue []*Event

	// a typeless JSON object seen on the line, held for the next typed header
	pendingData map[string]any

	eof bool

	noiseBytes int64
	resyncs    int64
}

// NewDecoder wraps r. logger may be nil.
func NewDecoder(r io.Reader, logger *zap.Logger) *Decoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decoder{
		r:   bufio.NewReaderSize(r, readBufferSize),
		log: logger,
	}
}

// NoiseBytes returns the number of bytes discarded while resynchronizing.
func (d *Decoder) NoiseBytes() int64 { return d.noiseBytes }

// Resyncs returns the number of one-byte retries after a parse failure at a
// stray brace.
func (d *Decoder) Resyncs() int64 { return d.resyncs }

// Next decodes the next event. It returns io.EOF when the peer closed the
// connection cleanly, and ErrTruncated when a declared data block or payload
// could not be read in full.
func (d *Decoder) Next() (*Event, error) {
	for {
		if len(d.queue) > 0 {
			ev := d.queue[0]
			d.queue = d.queue[1:]
			if err := d.complete(ev); err != nil {
				return nil, err
			}
			return ev, nil
		}
		if d.eof {
			return nil, io.EOF
		}

		line, err := d.r.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				return nil, err
			}
			d.eof = true
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		d.scanLine(line)
	}
}

// scanLine extracts every JSON object from one header line, discarding
// interleaved noise. Objects without a type field are held as pending data
// for the next typed header (some peers emit the data block as a detached
// object on the following line).
func (d *Decoder) scanLine(line []byte) {
	pos := 0
	state := scanningForObject
	for pos < len(line) {
		switch state {
		case scanningForObject:
			for pos < len(line) && isSpace(line[pos]) {
				pos++
			}
			if pos >= len(line) {
				return
			}
			if line[pos] != '{' {
				next := bytes.IndexByte(line[pos:], '{')
				if next < 0 {
					d.noiseBytes += int64(len(line) - pos)
					d.log.Debug("no JSON object in remaining header bytes",
						zap.Int("discarded", len(line)-pos))
					return
				}
				d.noiseBytes += int64(next)
				pos += next
			}
			state = parsingObject

		case parsingObject:
			raw, end, ok := parseObject(line[pos:])
			if !ok {
				// The brace may be part of binary garbage. Skip it and
				// keep searching.
				d.noiseBytes++
				d.resyncs++
				pos++
				state = scanningForObject
				continue
			}
			pos += end
			d.enqueue(raw)
			state = scanningForObject
		}
	}
}

// parseObject decodes one JSON object at the start of buf and reports the
// offset just past it. Trailing bytes belong to the next object and are left
// untouched.
func parseObject(buf []byte) (map[string]any, int, bool) {
	dec := json.NewDecoder(bytes.NewReader(buf))
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, 0, false
	}
	return raw, int(dec.InputOffset()), true
}

func (d *Decoder) enqueue(raw map[string]any) {
	typ, _ := raw["type"].(string)
	if typ == "" {
		// Detached data: hold it for the next typed header.
		d.pendingData = raw
		return
	}

	ev := &Event{Type: typ}
	if data, ok := raw["data"].(map[string]any); ok {
		ev.Data = data
	}
	if d.pendingData != nil {
		if ev.Data == nil {
			ev.Data = d.pendingData
		} else {
			for k, v := range d.pendingData {
				if _, exists := ev.Data[k]; !exists {
					ev.Data[k] = v
				}
			}
		}
		d.pendingData = nil
	}
	for k, v := range raw {
		switch k {
		case "type", "data", "data_length", "payload_length":
		default:
			if ev.Extra == nil {
				ev.Extra = make(map[string]any)
			}
			ev.Extra[k] = v
		}
	}
	if n, ok := intValue(raw["data_length"]); ok && n > 0 {
		ev.Extra = setInt(ev.Extra, "data_length", n)
	}
	if n, ok := intValue(raw["payload_length"]); ok && n > 0 {
		ev.Extra = setInt(ev.Extra, "payload_length", n)
	}
	d.queue = append(d.queue, ev)
}

func setInt(m map[string]any, key string, n int) map[string]any {
	if m == nil {
		m = make(map[string]any)
	}
	m[key] = n
	return m
}

// complete reads the declared data block and payload for a queued header.
// An incomplete read here means the stream is beyond recovery for this
// connection.
func (d *Decoder) complete(ev *Event) error {
	if n, ok := intValue(ev.Extra["data_length"]); ok && n > 0 {
		delete(ev.Extra, "data_length")
		block := make([]byte, n)
		if _, err := io.ReadFull(d.r, block); err != nil {
			return fmt.Errorf("%w: data block of %d bytes: %v", ErrTruncated, n, err)
		}
		var data map[string]any
		if err := json.Unmarshal(block, &data); err != nil {
			return fmt.Errorf("%w: data block is not JSON: %v", ErrTruncated, err)
		}
		if ev.Data == nil {
			ev.Data = data
		} else {
			for k, v := range data {
				ev.Data[k] = v
			}
		}
	}
	if n, ok := intValue(ev.Extra["payload_length"]); ok && n > 0 {
		delete(ev.Extra, "payload_length")
		payload := make([]byte, n)
		if _, err := io.ReadFull(d.r, payload); err != nil {
			return fmt.Errorf("%w: payload of %d bytes: %v", ErrTruncated, n, err)
		}
		ev.Payload = payload
	}
	if len(ev.Extra) == 0 {
		ev.Extra = nil
	}
	return nil
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n'
}

// Encoder writes frames of the hub wire protocol: a single JSON header line
// with inline data, followed by the raw payload when present.
type Encoder struct {
	w io.Writer
}

// NewEncoder wraps w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode frames and writes one event.
func (e *Encoder) Encode(ev *Event) error {
	header := make(map[string]any, len(ev.Extra)+3)
	for k, v := range ev.Extra {
		header[k] = v
	}
	header["type"] = ev.Type
	if len(ev.Data) > 0 {
		header["data"] = ev.Data
	}
	if len(ev.Payload) > 0 {
		header["payload_length"] = len(ev.Payload)
	}

	line, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode %s header: %w", ev.Type, err)
	}
	line = append(line, '\n')
	if _, err := e.w.Write(line); err != nil {
		return err
	}
	if len(ev.Payload) > 0 {
		if _, err := e.w.Write(ev.Payload); err != nil {
			return err
		}
	}
	return nil
}
