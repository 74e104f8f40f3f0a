// Package codec implements the two on-disk trace encodings: a textual
// (pretty-printed JSON) format meant for diffing, and a binary (CBOR)
// format meant for compact streaming. Both encode the same trace.Event
// data model.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fxamacker/cbor/v2"

	wasmrrerrors "github.com/wasmrr/wasmrr/errors"
	"github.com/wasmrr/wasmrr/trace"
)

// Format selects the on-disk trace encoding.
type Format int

const (
	// FormatJSON is the textual, pretty-printed, diff-friendly encoding.
	FormatJSON Format = iota
	// FormatCBOR is the compact binary streaming encoding.
	FormatCBOR
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatCBOR:
		return "cbor"
	default:
		return "unknown"
	}
}

// InferFormat derives a Format from a file extension: ".json" is textual,
// ".cbor" is binary. Any other extension is an error; callers with an
// explicit -f/--format flag should skip this and use the flag's value
// directly.
func InferFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".cbor":
		return FormatCBOR, nil
	default:
		return 0, wasmrrerrors.New(wasmrrerrors.PhaseTrace, wasmrrerrors.KindInvalidTrace).
			Detail("cannot infer trace format from path %q; pass -f/--format explicitly", path).
			Build()
	}
}

func unknownDiscriminant(call string) error {
	return wasmrrerrors.New(wasmrrerrors.PhaseTrace, wasmrrerrors.KindInvalidTrace).
		Detail("unknown event discriminant %q", call).
		Build()
}

// jsonFile is the top-level envelope for the textual format.
type jsonFile struct {
	Events []wireEvent `json:"events"`
}

// Encode writes events to w in the given format. JSON output is a single
// pretty-printed envelope with a trailing newline; CBOR output is a bare
// concatenation of individually-encoded events with no envelope.
func Encode(events []trace.Event, w io.Writer, format Format) error {
	wire := make([]wireEvent, len(events))
	for i, e := range events {
		we, err := toWire(e)
		if err != nil {
			return err
		}
		wire[i] = we
	}

	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		if err := enc.Encode(jsonFile{Events: wire}); err != nil {
			return wasmrrerrors.Wrap(wasmrrerrors.PhaseTrace, wasmrrerrors.KindIoError, err, "encode trace as json")
		}
		return nil
	case FormatCBOR:
		return encodeCBOR(wire, w)
	default:
		return wasmrrerrors.Unsupported(wasmrrerrors.PhaseTrace, fmt.Sprintf("trace format %v", format))
	}
}

func encodeCBOR(wire []wireEvent, w io.Writer) error {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return wasmrrerrors.Wrap(wasmrrerrors.PhaseTrace, wasmrrerrors.KindIoError, err, "build cbor encoder")
	}
	enc := mode.NewEncoder(w)
	for _, we := range wire {
		if err := enc.Encode(we); err != nil {
			return wasmrrerrors.Wrap(wasmrrerrors.PhaseTrace, wasmrrerrors.KindIoError, err, "encode trace event as cbor")
		}
	}
	return nil
}

// Decode reads the full event list from r in the given format.
func Decode(r io.Reader, format Format) ([]trace.Event, error) {
	switch format {
	case FormatJSON:
		var f jsonFile
		dec := json.NewDecoder(r)
		if err := dec.Decode(&f); err != nil {
			return nil, wasmrrerrors.New(wasmrrerrors.PhaseTrace, wasmrrerrors.KindInvalidTrace).
				Cause(err).Detail("decode json trace").Build()
		}
		out := make([]trace.Event, len(f.Events))
		for i, we := range f.Events {
			e, err := fromWire(we)
			if err != nil {
				return nil, err
			}
			out[i] = e
		}
		return out, nil
	case FormatCBOR:
		dec := NewStreamDecoder(r, FormatCBOR)
		var out []trace.Event
		for {
			e, err := dec.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, err
			}
			out = append(out, e)
		}
		return out, nil
	default:
		return nil, wasmrrerrors.Unsupported(wasmrrerrors.PhaseTrace, fmt.Sprintf("trace format %v", format))
	}
}

// EncodeFile writes events to path atomically: a temp file in the same
// directory is written in full, then renamed over the destination. A
// partially written trace is never observable at path.
func EncodeFile(path string, events []trace.Event, format Format) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".wasmrr-trace-*.tmp")
	if err != nil {
		return wasmrrerrors.Wrap(wasmrrerrors.PhaseTrace, wasmrrerrors.KindIoError, err, "create temp trace file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	var buf bytes.Buffer
	if err := Encode(events, &buf, format); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return wasmrrerrors.Wrap(wasmrrerrors.PhaseTrace, wasmrrerrors.KindIoError, err, "write temp trace file")
	}
	if err := tmp.Close(); err != nil {
		return wasmrrerrors.Wrap(wasmrrerrors.PhaseTrace, wasmrrerrors.KindIoError, err, "close temp trace file")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return wasmrrerrors.Wrap(wasmrrerrors.PhaseTrace, wasmrrerrors.KindIoError, err, "rename temp trace file into place")
	}
	return nil
}

// DecodeFile reads the full event list from path.
func DecodeFile(path string, format Format) ([]trace.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, wasmrrerrors.Wrap(wasmrrerrors.PhaseTrace, wasmrrerrors.KindIoError, err, "open trace file")
	}
	defer f.Close()
	return Decode(f, format)
}

// Convert re-encodes a trace from one format to another.
func Convert(inPath, outPath string, inFormat, outFormat Format) error {
	events, err := DecodeFile(inPath, inFormat)
	if err != nil {
		return err
	}
	return EncodeFile(outPath, events, outFormat)
}

// StreamDecoder yields one event at a time without requiring the whole
// trace to be loaded into memory. JSON traces are loaded in full up front
// since a JSON array has no self-describing streaming boundary; CBOR
// traces are decoded incrementally off the reader.
type StreamDecoder struct {
	format Format

	// JSON path: fully decoded up front.
	jsonEvents []trace.Event
	jsonPos    int

	// CBOR path: incremental.
	cborDec *cbor.Decoder

	jsonErr error
}

// NewStreamDecoder creates a StreamDecoder over r.
func NewStreamDecoder(r io.Reader, format Format) *StreamDecoder {
	sd := &StreamDecoder{format: format}
	if format == FormatCBOR {
		sd.cborDec = cbor.NewDecoder(r)
	} else {
		events, err := Decode(r, FormatJSON)
		sd.jsonEvents = events
		sd.jsonErr = err
	}
	return sd
}

// Next returns the next event, or io.EOF at a clean trace boundary.
func (d *StreamDecoder) Next() (trace.Event, error) {
	switch d.format {
	case FormatJSON:
		if d.jsonErr != nil {
			return nil, d.jsonErr
		}
		if d.jsonPos >= len(d.jsonEvents) {
			return nil, io.EOF
		}
		e := d.jsonEvents[d.jsonPos]
		d.jsonPos++
		return e, nil
	case FormatCBOR:
		var we wireEvent
		err := d.cborDec.Decode(&we)
		if err != nil {
			if isCBOREOF(err) {
				return nil, io.EOF
			}
			return nil, wasmrrerrors.New(wasmrrerrors.PhaseTrace, wasmrrerrors.KindInvalidTrace).
				Cause(err).Detail("decode cbor trace event").Build()
		}
		return fromWire(we)
	default:
		return nil, wasmrrerrors.Unsupported(wasmrrerrors.PhaseTrace, fmt.Sprintf("trace format %v", d.format))
	}
}

// isCBOREOF reports whether err represents a clean end-of-stream boundary
// (no more events, as opposed to a truncated or corrupt event).
func isCBOREOF(err error) bool {
	return err == io.EOF
}
