package codec

import (
	"encoding/hex"

	"github.com/wasmrr/wasmrr/trace"
)

// wirePair mirrors trace.Pair for JSON/CBOR encoding.
type wirePair struct {
	Name  string `json:"name" cbor:"name"`
	Value string `json:"value" cbor:"value"`
}

func toWirePairs(pairs []trace.Pair) []wirePair {
	out := make([]wirePair, len(pairs))
	for i, p := range pairs {
		out[i] = wirePair{Name: p.Name, Value: p.Value}
	}
	return out
}

func fromWirePairs(pairs []wirePair) []trace.Pair {
	out := make([]trace.Pair, len(pairs))
	for i, p := range pairs {
		out[i] = trace.Pair{Name: p.Name, Value: p.Value}
	}
	return out
}

// wireEvent is the single on-the-wire shape for every event variant. Fields
// irrelevant to a given variant are left nil so they are omitted; fields that
// can legitimately hold a value's zero (Seconds: 0, Nanoseconds: 0) are
// pointers rather than plain values so omitempty never discards them.
//
// Field order here is the JSON key order of the emitted object: Call first,
// then each variant's fields in the order given by the data model.
type wireEvent struct {
	Call string `json:"call" cbor:"call"`

	Seconds     *uint64 `json:"seconds,omitempty" cbor:"seconds,omitempty"`
	Nanoseconds *uint64 `json:"nanoseconds,omitempty" cbor:"nanoseconds,omitempty"`

	Bytes *string `json:"bytes,omitempty" cbor:"-"`
	Raw   []byte  `json:"-" cbor:"bytes,omitempty"`

	Value *uint64 `json:"value,omitempty" cbor:"value,omitempty"`

	Entries []wirePair `json:"entries,omitempty" cbor:"entries,omitempty"`
	Args    []string   `json:"args,omitempty" cbor:"args,omitempty"`
	Path    *string    `json:"path,omitempty" cbor:"path,omitempty"`

	RequestMethod  string     `json:"request_method,omitempty" cbor:"request_method,omitempty"`
	RequestURL     string     `json:"request_url,omitempty" cbor:"request_url,omitempty"`
	RequestHeaders []wirePair `json:"request_headers,omitempty" cbor:"request_headers,omitempty"`
	Status         *uint16    `json:"status,omitempty" cbor:"status,omitempty"`
	Headers        []wirePair `json:"headers,omitempty" cbor:"headers,omitempty"`
	Body           *string    `json:"body,omitempty" cbor:"-"`
	RawBody        []byte     `json:"-" cbor:"body,omitempty"`
}

func u64p(v uint64) *uint64 { return &v }
func u16p(v uint16) *uint16 { return &v }

func hexEncode(b []byte) *string {
	s := hex.EncodeToString(b)
	return &s
}

func hexDecode(s *string) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	return hex.DecodeString(*s)
}

// toWire converts a trace.Event into its wire representation.
func toWire(e trace.Event) (wireEvent, error) {
	w := wireEvent{Call: e.Discriminant()}

	switch v := e.(type) {
	case trace.ClockNow:
		w.Seconds = u64p(v.Seconds)
		w.Nanoseconds = u64p(uint64(v.Nanoseconds))
	case trace.ClockResolution:
		w.Seconds = u64p(v.Seconds)
		w.Nanoseconds = u64p(uint64(v.Nanoseconds))
	case trace.MonotonicNow:
		w.Nanoseconds = u64p(v.Nanoseconds)
	case trace.MonotonicResolution:
		w.Nanoseconds = u64p(v.Nanoseconds)
	case trace.RandomBytes:
		w.Bytes = hexEncode(v.Bytes)
		w.Raw = v.Bytes
	case trace.RandomU64:
		w.Value = u64p(v.Value)
	case trace.Environment:
		w.Entries = toWirePairs(v.Entries)
	case trace.Arguments:
		w.Args = v.Args
	case trace.InitialCwd:
		w.Path = v.Path
	case trace.HTTPResponse:
		w.RequestMethod = v.RequestMethod
		w.RequestURL = v.RequestURL
		w.RequestHeaders = toWirePairs(v.RequestHeaders)
		w.Status = u16p(v.Status)
		w.Headers = toWirePairs(v.Headers)
		w.Body = hexEncode(v.Body)
		w.RawBody = v.Body
	}

	return w, nil
}

// fromWire reconstructs a trace.Event from its wire representation.
func fromWire(w wireEvent) (trace.Event, error) {
	switch w.Call {
	case "clock_now":
		return trace.ClockNow{Seconds: derefU64(w.Seconds), Nanoseconds: uint32(derefU64(w.Nanoseconds))}, nil
	case "clock_resolution":
		return trace.ClockResolution{Seconds: derefU64(w.Seconds), Nanoseconds: uint32(derefU64(w.Nanoseconds))}, nil
	case "monotonic_clock_now":
		return trace.MonotonicNow{Nanoseconds: derefU64(w.Nanoseconds)}, nil
	case "monotonic_clock_resolution":
		return trace.MonotonicResolution{Nanoseconds: derefU64(w.Nanoseconds)}, nil
	case "random_bytes":
		b, err := hexDecode(w.Bytes)
		if err != nil {
			return nil, err
		}
		if b == nil {
			b = w.Raw
		}
		return trace.RandomBytes{Bytes: b}, nil
	case "random_u64":
		return trace.RandomU64{Value: derefU64(w.Value)}, nil
	case "environment":
		return trace.Environment{Entries: fromWirePairs(w.Entries)}, nil
	case "arguments":
		return trace.Arguments{Args: w.Args}, nil
	case "initial_cwd":
		return trace.InitialCwd{Path: w.Path}, nil
	case "http_response":
		body, err := hexDecode(w.Body)
		if err != nil {
			return nil, err
		}
		if body == nil {
			body = w.RawBody
		}
		return trace.HTTPResponse{
			RequestMethod:  w.RequestMethod,
			RequestURL:     w.RequestURL,
			RequestHeaders: fromWirePairs(w.RequestHeaders),
			Status:         derefU16(w.Status),
			Headers:        fromWirePairs(w.Headers),
			Body:           body,
		}, nil
	default:
		return nil, unknownDiscriminant(w.Call)
	}
}

func derefU64(p *uint64) uint64 {
	if p == nil {
		return 0
	}
	return *p
}

func derefU16(p *uint16) uint16 {
	if p == nil {
		return 0
	}
	return *p
}
