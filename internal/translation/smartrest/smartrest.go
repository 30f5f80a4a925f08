// Package smartrest implements the cloud's line protocol: ASCII,
// comma-separated fields with RFC-4180-style quoting, one message per line,
// no trailing newline (the MQTT message boundary is the line terminator).
package smartrest

import (
	"bytes"
	"encoding/csv"
	"strconv"
	"strings"

	"github.com/edgestack/gateway/internal/errs"
)

// MaxPayloadSize is the hard ceiling on a serialized line, per the wire
// protocol's 16-KiB limit.
const MaxPayloadSize = 16 * 1024

// Serialize renders fields as one comma-separated line, quoting any field
// that contains a comma, quote, or newline and doubling embedded quotes.
// Oversized output is rejected rather than truncated.
func Serialize(fields ...string) (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(fields); err != nil {
		return "", err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}
	line := strings.TrimSuffix(buf.String(), "\n")
	line = strings.TrimSuffix(line, "\r")
	if len(line) > MaxPayloadSize {
		return "", errs.PayloadTooLarge(len(line), MaxPayloadSize)
	}
	return line, nil
}

// SerializeWithCode serializes code as the first field followed by fields,
// the shape every catalog-driven message uses.
func SerializeWithCode(code int, fields ...string) (string, error) {
	all := make([]string, 0, len(fields)+1)
	all = append(all, strconv.Itoa(code))
	all = append(all, fields...)
	return Serialize(all...)
}

// Parse splits one SmartREST line back into its fields, reversing
// Serialize's quoting.
func Parse(line string) ([]string, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.FieldsPerRecord = -1
	return r.Read()
}
