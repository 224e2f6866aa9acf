// Package payload decodes device telemetry published over MQTT into canonical
// readings. Decoding is pure: no I/O, no clock other than the supplied receive time.
package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"dustrak-core/internal/store"
)

var (
	// ErrProtocolViolation marks a message the device encoded wrongly: malformed
	// JSON or no device identifier. It is a client fault, not a system fault.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrUnknownTopic is returned for topics whose last segment is neither data nor status.
	ErrUnknownTopic = errors.New("unknown topic")
)

// Format identifies the wire encoding a message was decoded from.
type Format string

const (
	FormatCompact        Format = "compact"
	FormatLegacyExtended Format = "legacy-extended"
	FormatLegacySimple   Format = "legacy-simple"
	FormatStatus         Format = "status"
)

// Message is the decoded result. The concrete type is one of *Compact,
// *LegacyExtended, *LegacySimple or *Status.
type Message interface {
	Format() Format
	Header() *Header
}

// Header holds what every message carries.
type Header struct {
	DeviceID  string    // external device id ("deviceid" or "i")
	Timestamp time.Time // UTC
	// TimestampFallback is set when the payload carried a timestamp that could
	// not be parsed and Timestamp is the receive time instead.
	TimestampFallback bool
	RawTimestamp      string
}

// Compact is the array-based encoding keyed by e/pm/g.
type Compact struct {
	Hdr      Header
	Extended store.ExtendedReading
}

// LegacyExtended is the verbose keyed encoding with PM_data and environment fields.
type LegacyExtended struct {
	Hdr      Header
	Extended store.ExtendedReading
}

// LegacySimple carries PM_data only. Values are already scaled to the canonical unit.
type LegacySimple struct {
	Hdr     Header
	Reading store.Reading
}

// Status is an opaque status mapping, optionally carrying new thresholds.
type Status struct {
	Hdr        Header
	Fields     map[string]any
	Thresholds *ThresholdUpdate
}

func (m *Compact) Format() Format        { return FormatCompact }
func (m *LegacyExtended) Format() Format { return FormatLegacyExtended }
func (m *LegacySimple) Format() Format   { return FormatLegacySimple }
func (m *Status) Format() Format         { return FormatStatus }

func (m *Compact) Header() *Header        { return &m.Hdr }
func (m *LegacyExtended) Header() *Header { return &m.Hdr }
func (m *LegacySimple) Header() *Header   { return &m.Hdr }
func (m *Status) Header() *Header         { return &m.Hdr }

// Suffix returns the routing suffix of an MQTT topic: its last path segment.
func Suffix(topic string) string {
	if i := strings.LastIndexByte(topic, '/'); i >= 0 {
		return topic[i+1:]
	}
	return topic
}

// Decode parses raw as published on topic. now is the receive time used when
// the payload has no usable timestamp.
func Decode(topic string, raw []byte, now time.Time) (Message, error) {
	suffix := Suffix(topic)
	if suffix != "data" && suffix != "status" {
		return nil, fmt.Errorf("topic %q: %w", topic, ErrUnknownTopic)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("%w: malformed json: %v", ErrProtocolViolation, err)
	}

	id, err := deviceID(obj)
	if err != nil {
		return nil, err
	}
	now = now.UTC()

	if suffix == "status" {
		return decodeStatus(id, raw, obj, now)
	}

	switch {
	case has(obj, "e") && has(obj, "pm") && has(obj, "g"):
		return decodeCompact(id, raw, now)
	case has(obj, "PM_data") && (has(obj, "Temperature_C") || has(obj, "Humidity_%") || has(obj, "GPS")):
		return decodeLegacyExtended(id, raw, now)
	default:
		return decodeLegacySimple(id, raw, now)
	}
}

func has(obj map[string]json.RawMessage, key string) bool {
	_, ok := obj[key]
	return ok
}

// deviceID reads "deviceid", then "i". Either may be a JSON string or number.
func deviceID(obj map[string]json.RawMessage) (string, error) {
	for _, key := range []string{"deviceid", "i"} {
		raw, ok := obj[key]
		if !ok {
			continue
		}
		raw = bytes.TrimSpace(raw)
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if s != "" {
				return s, nil
			}
			continue
		}
		var n json.Number
		if err := json.Unmarshal(raw, &n); err == nil && n != "" {
			return n.String(), nil
		}
	}
	return "", fmt.Errorf("%w: missing deviceid or i", ErrProtocolViolation)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// parseTimestamp accepts ISO 8601 with a zone offset or trailing Z. Values
// without a zone are taken as UTC.
func parseTimestamp(s string) (time.Time, error) {
	var firstErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}

func header(id string, ts *string, now time.Time) Header {
	h := Header{DeviceID: id, Timestamp: now}
	if ts == nil || *ts == "" {
		return h
	}
	h.RawTimestamp = *ts
	if t, err := parseTimestamp(*ts); err == nil {
		h.Timestamp = t
	} else {
		h.TimestampFallback = true
	}
	return h
}

func protocolErr(format Format, err error) error {
	return fmt.Errorf("%w: %s payload: %v", ErrProtocolViolation, format, err)
}
