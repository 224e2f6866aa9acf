package store

import (
	"time"

	"gorm.io/datatypes"
)

// SourceKind is how a data source delivers its telemetry.
type SourceKind string

const (
	KindBroker    SourceKind = "broker"
	KindPolledAPI SourceKind = "polled-api"
)

// DataSource is a configured transport endpoint. It scopes device external IDs.
type DataSource struct {
	ID             int64      `json:"id" gorm:"primaryKey"`
	Kind           SourceKind `json:"kind" gorm:"column:source_type;not null"`
	Endpoint       string     `json:"endpoint" gorm:"column:broker_url"`
	Username       string     `json:"username,omitempty"`
	Password       string     `json:"password,omitempty"`
	Description    string     `json:"description,omitempty"`
	Topics         []string   `json:"topics,omitempty" gorm:"serializer:json"`
	AllowAnonymous bool       `json:"allow_anonymous,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func (DataSource) TableName() string { return "dust_data_sources" }

// Device is a registered field device. ExternalID is unique per data source only.
type Device struct {
	ID           int64     `json:"id" gorm:"primaryKey"`
	ExternalID   string    `json:"external_id" gorm:"column:deviceid;not null;uniqueIndex:idx_device_source"`
	DataSourceID int64     `json:"data_source_id" gorm:"not null;uniqueIndex:idx_device_source"`
	OwnerID      int64     `json:"owner_id" gorm:"column:user_id;index"`
	HasActuator  bool      `json:"has_actuator" gorm:"column:has_relay"`
	Name         string    `json:"name,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func (Device) TableName() string { return "dust_devices" }

// PMFields lists the particulate fields in evaluation order.
var PMFields = [5]string{"pm1", "pm2_5", "pm4", "pm10", "tsp"}

// Reading is the canonical particulate record, in µg/m³.
type Reading struct {
	ID        int64     `json:"-" gorm:"primaryKey"`
	DeviceID  int64     `json:"device_id" gorm:"not null;index:idx_reading_device_time"`
	Timestamp time.Time `json:"timestamp" gorm:"not null;index:idx_reading_device_time"`
	PM1       *float64  `json:"pm1"`
	PM25      *float64  `json:"pm2_5" gorm:"column:pm2_5"`
	PM4       *float64  `json:"pm4"`
	PM10      *float64  `json:"pm10"`
	TSP       *float64  `json:"tsp"`
}

func (Reading) TableName() string { return "dust_sensor_data" }

// Values returns the PM fields in PMFields order.
func (r *Reading) Values() [5]*float64 {
	return [5]*float64{r.PM1, r.PM25, r.PM4, r.PM10, r.TSP}
}

// ExtendedReading carries every environmental field a device may report.
// A nil field was not reported by the source format.
type ExtendedReading struct {
	ID                int64     `json:"-" gorm:"primaryKey"`
	DeviceID          int64     `json:"device_id" gorm:"not null;index:idx_ext_device_time"`
	Timestamp         time.Time `json:"timestamp" gorm:"not null;index:idx_ext_device_time"`
	TemperatureC      *float64  `json:"temperature_c"`
	HumidityPercent   *float64  `json:"humidity_percent"`
	PressureHPa       *float64  `json:"pressure_hpa" gorm:"column:pressure_hpa"`
	VOCPPB            *float64  `json:"voc_ppb" gorm:"column:voc_ppb"`
	NO2PPB            *float64  `json:"no2_ppb" gorm:"column:no2_ppb"`
	NoiseDB           *float64  `json:"noise_db" gorm:"column:noise_db"`
	Lux               *float64  `json:"lux"`
	UVIndex           *float64  `json:"uv_index" gorm:"column:uv_index"`
	BatteryPercent    *float64  `json:"battery_percent"`
	CloudCoverPercent *float64  `json:"cloud_cover_percent"`
	PM1               *float64  `json:"pm1"`
	PM25              *float64  `json:"pm2_5" gorm:"column:pm2_5"`
	PM4               *float64  `json:"pm4"`
	PM10              *float64  `json:"pm10"`
	TSP               *float64  `json:"tsp_um" gorm:"column:tsp_um"`
	GPSLat            *float64  `json:"gps_lat" gorm:"column:gps_lat"`
	GPSLon            *float64  `json:"gps_lon" gorm:"column:gps_lon"`
	GPSAltM           *float64  `json:"gps_alt_m" gorm:"column:gps_alt_m"`
	GPSSpeedKmh       *float64  `json:"gps_speed_kmh" gorm:"column:gps_speed_kmh"`
}

func (ExtendedReading) TableName() string { return "dust_extended_data" }

// Reading returns the PM subset of e as a canonical reading.
func (e *ExtendedReading) Reading() *Reading {
	return &Reading{
		DeviceID:  e.DeviceID,
		Timestamp: e.Timestamp,
		PM1:       e.PM1,
		PM25:      e.PM25,
		PM4:       e.PM4,
		PM10:      e.PM10,
		TSP:       e.TSP,
	}
}

// ThresholdSet is one version of a device's limits. The newest version is current.
type ThresholdSet struct {
	ID              int64     `json:"-" gorm:"primaryKey"`
	DeviceID        int64     `json:"device_id" gorm:"not null;index:idx_threshold_device_time"`
	PM1             float64   `json:"pm1"`
	PM25            float64   `json:"pm2_5" gorm:"column:pm2_5"`
	PM4             float64   `json:"pm4"`
	PM10            float64   `json:"pm10"`
	TSP             float64   `json:"tsp"`
	AveragingWindow int       `json:"averaging_window"`
	Timestamp       time.Time `json:"timestamp" gorm:"not null;index:idx_threshold_device_time"`
}

func (ThresholdSet) TableName() string { return "dust_thresholds" }

// Limits returns the limits in PMFields order.
func (t *ThresholdSet) Limits() [5]float64 {
	return [5]float64{t.PM1, t.PM25, t.PM4, t.PM10, t.TSP}
}

// DefaultThresholds returns the set used when a device has none stored.
func DefaultThresholds(deviceID int64) *ThresholdSet {
	return &ThresholdSet{
		DeviceID:        deviceID,
		PM1:             50,
		PM25:            75,
		PM4:             100,
		PM10:            150,
		TSP:             200,
		AveragingWindow: 15,
	}
}

// Alert records a threshold crossing.
type Alert struct {
	ID             int64     `json:"id" gorm:"primaryKey"`
	DeviceID       int64     `json:"device_id" gorm:"not null;index"`
	Type           string    `json:"type" gorm:"column:alert_type"`
	Field          string    `json:"field"`
	Message        string    `json:"message"`
	ThresholdValue *float64  `json:"threshold_value"`
	MeasuredValue  *float64  `json:"measured_value"`
	CreatedAt      time.Time `json:"created_at"`
}

func (Alert) TableName() string { return "dust_device_alerts" }

// DeviceStatus is the last status mapping reported by a device.
type DeviceStatus struct {
	DeviceID  int64          `json:"device_id" gorm:"primaryKey;autoIncrement:false"`
	Status    datatypes.JSON `json:"status" gorm:"type:jsonb"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (DeviceStatus) TableName() string { return "dust_device_status" }
