package payload

import (
	"encoding/json"
	"fmt"
	"time"

	"dustrak-core/internal/store"
)

// DefaultAveragingWindow applies when a status message carries thresholds but no window.
const DefaultAveragingWindow = 15

// ThresholdUpdate holds the limits a device reported. Nil fields were not reported.
type ThresholdUpdate struct {
	PM1             *float64
	PM25            *float64
	PM4             *float64
	PM10            *float64
	TSP             *float64
	AveragingWindow int
}

// Apply returns a new ThresholdSet version: reported limits over cur, stamped at ts.
func (u *ThresholdUpdate) Apply(cur *store.ThresholdSet, ts time.Time) *store.ThresholdSet {
	pick := func(v *float64, fallback float64) float64 {
		if v != nil {
			return *v
		}
		return fallback
	}
	return &store.ThresholdSet{
		DeviceID:        cur.DeviceID,
		PM1:             pick(u.PM1, cur.PM1),
		PM25:            pick(u.PM25, cur.PM25),
		PM4:             pick(u.PM4, cur.PM4),
		PM10:            pick(u.PM10, cur.PM10),
		TSP:             pick(u.TSP, cur.TSP),
		AveragingWindow: u.AveragingWindow,
		Timestamp:       ts,
	}
}

type thresholdsWire struct {
	PM1     *float64 `json:"pm1"`
	PM25Dot *float64 `json:"pm2.5"`
	PM25    *float64 `json:"pm2_5"`
	PM4     *float64 `json:"pm4"`
	PM10    *float64 `json:"pm10"`
	TSP     *float64 `json:"tsp"`
	Window  *int     `json:"averaging_window"`
}

func decodeStatus(id string, raw []byte, obj map[string]json.RawMessage, now time.Time) (*Status, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, protocolErr(FormatStatus, err)
	}

	m := &Status{Hdr: Header{DeviceID: id, Timestamp: now}, Fields: fields}

	rawThresholds, ok := obj["thresholds"]
	if !ok || string(rawThresholds) == "null" {
		return m, nil
	}
	var w thresholdsWire
	if err := json.Unmarshal(rawThresholds, &w); err != nil {
		return nil, protocolErr(FormatStatus, fmt.Errorf("thresholds: %w", err))
	}

	u := &ThresholdUpdate{
		PM1:             w.PM1,
		PM25:            w.PM25Dot,
		PM4:             w.PM4,
		PM10:            w.PM10,
		TSP:             w.TSP,
		AveragingWindow: DefaultAveragingWindow,
	}
	if u.PM25 == nil {
		u.PM25 = w.PM25
	}

	// The window may sit beside or inside the thresholds object.
	var top struct {
		Window *int `json:"averaging_window"`
	}
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, protocolErr(FormatStatus, fmt.Errorf("averaging_window: %w", err))
	}
	switch {
	case top.Window != nil:
		u.AveragingWindow = *top.Window
	case w.Window != nil:
		u.AveragingWindow = *w.Window
	}

	m.Thresholds = u
	return m, nil
}
