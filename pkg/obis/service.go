// Package obis extracts typed register readings from a validated data
// block. Lines follow the `identifier(value*unit)` readout shape, with an
// optional `A-B:` medium/channel prefix, `*255` suffix and a second
// parenthesised group carrying a capture timestamp.
package obis

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/opticalmeter/iec62056_reader/pkg/framing"
)

// Pre-compiled patterns, matched per line.
var (
	// Full and short OBIS forms: 1-1:1.8.0*255(123.4*kWh)(05-09-10 11:20)
	// and 1.8.0(123.4*kWh).
	linePattern = regexp.MustCompile(`^(?:\d+[-.]\d+[.:])?(\d+\.\d+\.\d+)(?:\*\d+)?\(([^()]*)\)(?:\(([^()]*)\))?`)

	numberPattern = regexp.MustCompile(`^-?\d+(?:\.\d+)?$`)
)

// Parse splits a validated block into register lines and decodes each one.
// Unparseable lines are skipped and counted, never fatal: one malformed
// register must not hide the rest. Output order matches block order, with
// duplicates preserved.
func Parse(block framing.ValidatedBlock) ParseResult {
	var result ParseResult

	for _, line := range strings.Split(string(block.Data), "\n") {
		line = strings.Trim(line, "\r\n ")
		// Strip a stray STX carried into the first line.
		line = strings.TrimPrefix(line, string(rune(framing.STX)))

		// Blank lines, the "!" end marker and the "/XXX" identification
		// line are structural, not registers.
		if line == "" || strings.HasPrefix(line, "!") || strings.HasPrefix(line, "/") {
			continue
		}

		reg, ok := parseLine(line)
		if !ok {
			result.Skipped++
			continue
		}
		result.Registers = append(result.Registers, reg)
	}

	return result
}

func parseLine(line string) (Register, bool) {
	m := linePattern.FindStringSubmatch(line)
	if m == nil {
		return Register{}, false
	}

	reg := Register{
		Identifier: m[1],
		Extra:      m[3],
	}

	body := m[2]
	if i := strings.IndexByte(body, '*'); i >= 0 {
		reg.Unit = strings.TrimSpace(body[i+1:])
		body = body[:i]
	}
	body = strings.TrimSpace(body)
	reg.Value = decodeValue(body)

	return reg, true
}

// decodeValue keeps the declared decimal scaling: "001234.5" decodes as
// 1234.5 with scale 1, not a bare float.
func decodeValue(body string) Value {
	if !numberPattern.MatchString(body) {
		return Text{Value: body}
	}
	f, err := strconv.ParseFloat(body, 64)
	if err != nil {
		return Text{Value: body}
	}
	scale := 0
	if i := strings.IndexByte(body, '.'); i >= 0 {
		scale = len(body) - i - 1
	}
	return Number{Value: f, Scale: scale}
}
