package obis

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Value is a decoded register payload: either a number with its declared
// decimal scale, or opaque text.
type Value interface {
	isValue()
	String() string
}

// Number keeps the scale the meter declared so the textual form can be
// reproduced without floating point drift.
type Number struct {
	Value float64
	Scale int
}

func (Number) isValue() {}

func (n Number) String() string {
	return strconv.FormatFloat(n.Value, 'f', n.Scale, 64)
}

// Text is a register payload that is not numeric (serial numbers, status
// words, timestamps).
type Text struct {
	Value string
}

func (Text) isValue() {}

func (t Text) String() string { return t.Value }

// Register is one named reading extracted from a data block.
type Register struct {
	Identifier string
	Value      Value
	Unit       string
	Extra      string // second parenthesised group, e.g. a capture timestamp
}

type registerWire struct {
	Identifier string          `json:"identifier"`
	Value      json.RawMessage `json:"value"`
	Unit       string          `json:"unit,omitempty"`
	Extra      string          `json:"extra,omitempty"`
}

func (r Register) MarshalJSON() ([]byte, error) {
	w := registerWire{Identifier: r.Identifier, Unit: r.Unit, Extra: r.Extra}
	switch v := r.Value.(type) {
	case Number:
		w.Value = json.RawMessage(v.String())
	case Text:
		quoted, err := json.Marshal(v.Value)
		if err != nil {
			return nil, err
		}
		w.Value = quoted
	case nil:
		w.Value = json.RawMessage("null")
	default:
		return nil, fmt.Errorf("obis: unknown value variant %T", r.Value)
	}
	return json.Marshal(w)
}

func (r *Register) UnmarshalJSON(data []byte) error {
	var w registerWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	r.Identifier = w.Identifier
	r.Unit = w.Unit
	r.Extra = w.Extra
	raw := strings.TrimSpace(string(w.Value))
	switch {
	case raw == "" || raw == "null":
		r.Value = nil
	case raw[0] == '"':
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return err
		}
		r.Value = Text{Value: s}
	default:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		scale := 0
		if i := strings.IndexByte(raw, '.'); i >= 0 {
			scale = len(raw) - i - 1
		}
		r.Value = Number{Value: f, Scale: scale}
	}
	return nil
}

// ParseResult is the outcome of parsing one validated block. Skipped counts
// lines that did not match the register grammar; a non-zero count is the
// soft PartialParse signal and accompanies the registers rather than
// replacing them.
type ParseResult struct {
	Registers []Register
	Skipped   int
}
