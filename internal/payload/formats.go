package payload

import (
	"encoding/json"
	"time"

	"dustrak-core/internal/store"
)

// compactField maps one position of the compact "e" array onto an extended reading.
// convert returns false when the raw value means "not reported".
type compactField struct {
	index   int
	set     func(e *store.ExtendedReading, v *float64)
	convert func(raw float64) (float64, bool)
}

// compactFields is the positional mapping for the compact environmental array.
var compactFields = []compactField{
	{index: 0, set: func(e *store.ExtendedReading, v *float64) { e.TemperatureC = v }},
	{index: 1, set: func(e *store.ExtendedReading, v *float64) { e.HumidityPercent = v }},
	{index: 2, set: func(e *store.ExtendedReading, v *float64) { e.PressureHPa = v }},
	{index: 3, set: func(e *store.ExtendedReading, v *float64) { e.UVIndex = v }},
	{index: 4, set: func(e *store.ExtendedReading, v *float64) { e.Lux = v }},
	{
		index:   5,
		set:     func(e *store.ExtendedReading, v *float64) { e.VOCPPB = v },
		convert: func(raw float64) (float64, bool) { return raw / 1000, raw != 0 },
	},
	{
		index:   6,
		set:     func(e *store.ExtendedReading, v *float64) { e.NO2PPB = v },
		convert: func(raw float64) (float64, bool) { return raw * 1000, raw != 0 },
	},
	{index: 7, set: func(e *store.ExtendedReading, v *float64) { e.NoiseDB = v }},
	{index: 18, set: func(e *store.ExtendedReading, v *float64) { e.BatteryPercent = v }},
}

type compactWire struct {
	T  *string    `json:"t"`
	E  []*float64 `json:"e"`
	PM []*float64 `json:"pm"`
	G  *struct {
		Lat *float64 `json:"lat"`
		Lon *float64 `json:"lon"`
	} `json:"g"`
}

func at(values []*float64, i int) *float64 {
	if i < len(values) {
		return values[i]
	}
	return nil
}

func decodeCompact(id string, raw []byte, now time.Time) (*Compact, error) {
	var w compactWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, protocolErr(FormatCompact, err)
	}

	m := &Compact{Hdr: header(id, w.T, now)}
	ext := &m.Extended
	ext.Timestamp = m.Hdr.Timestamp

	for _, f := range compactFields {
		v := at(w.E, f.index)
		if v == nil {
			continue
		}
		val := *v
		if f.convert != nil {
			var ok bool
			if val, ok = f.convert(val); !ok {
				continue
			}
		}
		f.set(ext, &val)
	}

	ext.PM1 = at(w.PM, 0)
	ext.PM25 = at(w.PM, 1)
	ext.PM4 = at(w.PM, 2)
	ext.PM10 = at(w.PM, 3)
	ext.TSP = at(w.PM, 4)

	if w.G != nil {
		ext.GPSLat = w.G.Lat
		ext.GPSLon = w.G.Lon
	}
	return m, nil
}

type pmDataWire struct {
	PM1   *float64 `json:"PM1"`
	PM2_5 *float64 `json:"PM2_5"`
	PM4   *float64 `json:"PM4"`
	PM10  *float64 `json:"PM10"`
	TSP   *float64 `json:"TSP_um"`
}

type legacyWire struct {
	Timestamp    *string     `json:"timestamp_utc"`
	TemperatureC *float64    `json:"Temperature_C"`
	Humidity     *float64    `json:"Humidity_%"`
	Pressure     *float64    `json:"Pressure_hPa"`
	VOC          *float64    `json:"VOC_ppb"`
	NO2          *float64    `json:"NO2_ppb"`
	CloudCover   *float64    `json:"Cloud_cover_%"`
	PMData       *pmDataWire `json:"PM_data"`
	GPS          *struct {
		Latitude  *float64 `json:"Latitude"`
		Longitude *float64 `json:"Longitude"`
		AltitudeM *float64 `json:"Altitude_m"`
		SpeedKmh  *float64 `json:"Speed_kmh"`
	} `json:"GPS"`
}

func decodeLegacyExtended(id string, raw []byte, now time.Time) (*LegacyExtended, error) {
	var w legacyWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, protocolErr(FormatLegacyExtended, err)
	}

	m := &LegacyExtended{Hdr: header(id, w.Timestamp, now)}
	m.Extended = store.ExtendedReading{
		Timestamp:         m.Hdr.Timestamp,
		TemperatureC:      w.TemperatureC,
		HumidityPercent:   w.Humidity,
		PressureHPa:       w.Pressure,
		VOCPPB:            w.VOC,
		NO2PPB:            w.NO2,
		CloudCoverPercent: w.CloudCover,
	}
	if pm := w.PMData; pm != nil {
		m.Extended.PM1 = pm.PM1
		m.Extended.PM25 = pm.PM2_5
		m.Extended.PM4 = pm.PM4
		m.Extended.PM10 = pm.PM10
		m.Extended.TSP = pm.TSP
	}
	if g := w.GPS; g != nil {
		m.Extended.GPSLat = g.Latitude
		m.Extended.GPSLon = g.Longitude
		m.Extended.GPSAltM = g.AltitudeM
		m.Extended.GPSSpeedKmh = g.SpeedKmh
	}
	return m, nil
}

// legacySimpleScale converts legacy milligram values to the canonical scale.
const legacySimpleScale = 1000

func decodeLegacySimple(id string, raw []byte, now time.Time) (*LegacySimple, error) {
	var w struct {
		Timestamp *string     `json:"timestamp_utc"`
		PMData    *pmDataWire `json:"PM_data"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, protocolErr(FormatLegacySimple, err)
	}
	pm := w.PMData
	if pm == nil {
		pm = &pmDataWire{}
	}
	scaled := func(v *float64) *float64 {
		var x float64
		if v != nil {
			x = *v
		}
		x *= legacySimpleScale
		return &x
	}

	m := &LegacySimple{Hdr: header(id, w.Timestamp, now)}
	m.Reading = store.Reading{
		Timestamp: m.Hdr.Timestamp,
		PM1:       scaled(pm.PM1),
		PM25:      scaled(pm.PM2_5),
		PM4:       scaled(pm.PM4),
		PM10:      scaled(pm.PM10),
		TSP:       scaled(pm.TSP),
	}
	return m, nil
}
