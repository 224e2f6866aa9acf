package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a device external ID is already registered on its data source.
var ErrDuplicate = errors.New("already registered")

// ErrImmutable is returned when an update would change a data source's kind or endpoint.
var ErrImmutable = errors.New("immutable field")

// Registry is the read side used to authorize ingested traffic.
type Registry interface {
	// ResolveDevice returns the device registered under (externalID, dataSourceID),
	// or an error wrapping ErrNotFound.
	ResolveDevice(ctx context.Context, externalID string, dataSourceID int64) (*Device, error)
	GetDevice(ctx context.Context, id int64) (*Device, error)
	ListDevices(ctx context.Context) ([]*Device, error)
	ListDataSources(ctx context.Context) ([]*DataSource, error)
	GetDataSource(ctx context.Context, id int64) (*DataSource, error)
	// CurrentThresholds returns the newest ThresholdSet, or DefaultThresholds when none exists.
	CurrentThresholds(ctx context.Context, deviceID int64) (*ThresholdSet, error)
}

// Store defines the persistence interface.
type Store interface {
	Registry

	// Registry mutation
	SaveDevice(ctx context.Context, dev *Device) error
	DeleteDevice(ctx context.Context, id int64) error
	SaveDataSource(ctx context.Context, ds *DataSource) error
	DeleteDataSource(ctx context.Context, id int64) error

	// Telemetry
	InsertReading(ctx context.Context, r *Reading) error
	// InsertExtendedReading writes ext and its mirrored reading in one transaction.
	InsertExtendedReading(ctx context.Context, ext *ExtendedReading, mirror *Reading) error
	// ReadingsSince returns readings with Timestamp >= since, oldest first.
	ReadingsSince(ctx context.Context, deviceID int64, since time.Time) ([]*Reading, error)
	LatestReading(ctx context.Context, deviceID int64) (*Reading, error)
	LatestExtendedReading(ctx context.Context, deviceID int64) (*ExtendedReading, error)

	// Control
	InsertThresholds(ctx context.Context, t *ThresholdSet) error
	InsertAlert(ctx context.Context, a *Alert) error
	ListAlerts(ctx context.Context, deviceID int64, limit int) ([]*Alert, error)

	// Status projection
	MergeStatus(ctx context.Context, deviceID int64, status map[string]any) error
	GetStatus(ctx context.Context, deviceID int64) (map[string]any, error)

	// Close the store
	Close() error
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
