package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// PostgresStore implements Store on PostgreSQL through gorm. All callers share
// one bounded connection pool; acquiring a connection waits rather than fails.
type PostgresStore struct {
	db *gorm.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects, sizes the pool to poolSize and migrates the schema.
func NewPostgresStore(dsn string, poolSize int) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:      gormlogger.Default.LogMode(gormlogger.Warn),
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get database instance: %w", err)
	}
	if poolSize <= 0 {
		poolSize = 10
	}
	sqlDB.SetMaxOpenConns(poolSize)
	sqlDB.SetMaxIdleConns(poolSize)
	sqlDB.SetConnMaxLifetime(0)

	if err := db.AutoMigrate(
		&DataSource{},
		&Device{},
		&Reading{},
		&ExtendedReading{},
		&ThresholdSet{},
		&Alert{},
		&DeviceStatus{},
	); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

func (s *PostgresStore) ResolveDevice(ctx context.Context, externalID string, dataSourceID int64) (*Device, error) {
	var dev Device
	err := s.db.WithContext(ctx).
		Where("deviceid = ? AND data_source_id = ?", externalID, dataSourceID).
		First(&dev).Error
	if err != nil {
		return nil, notFound(err, "device %q on source %d", externalID, dataSourceID)
	}
	return &dev, nil
}

func (s *PostgresStore) GetDevice(ctx context.Context, id int64) (*Device, error) {
	var dev Device
	if err := s.db.WithContext(ctx).First(&dev, id).Error; err != nil {
		return nil, notFound(err, "device %d", id)
	}
	return &dev, nil
}

func (s *PostgresStore) ListDevices(ctx context.Context) ([]*Device, error) {
	var devices []*Device
	err := s.db.WithContext(ctx).Order("id").Find(&devices).Error
	return devices, err
}

func (s *PostgresStore) SaveDevice(ctx context.Context, dev *Device) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ds DataSource
		if err := tx.Select("id").First(&ds, dev.DataSourceID).Error; err != nil {
			return notFound(err, "data source %d", dev.DataSourceID)
		}
		var n int64
		err := tx.Model(&Device{}).
			Where("deviceid = ? AND data_source_id = ? AND id <> ?", dev.ExternalID, dev.DataSourceID, dev.ID).
			Count(&n).Error
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("device %q on source %d: %w", dev.ExternalID, dev.DataSourceID, ErrDuplicate)
		}
		if dev.ID == 0 {
			return tx.Create(dev).Error
		}
		return tx.Save(dev).Error
	})
}

// deviceChildren are the tables removed along with a device.
var deviceChildren = []any{&Reading{}, &ExtendedReading{}, &ThresholdSet{}, &Alert{}, &DeviceStatus{}}

func (s *PostgresStore) DeleteDevice(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range deviceChildren {
			if err := tx.Where("device_id = ?", id).Delete(model).Error; err != nil {
				return err
			}
		}
		res := tx.Delete(&Device{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("device %d: %w", id, ErrNotFound)
		}
		return nil
	})
}

func (s *PostgresStore) ListDataSources(ctx context.Context) ([]*DataSource, error) {
	var sources []*DataSource
	err := s.db.WithContext(ctx).Order("id").Find(&sources).Error
	return sources, err
}

func (s *PostgresStore) GetDataSource(ctx context.Context, id int64) (*DataSource, error) {
	var ds DataSource
	if err := s.db.WithContext(ctx).First(&ds, id).Error; err != nil {
		return nil, notFound(err, "data source %d", id)
	}
	return &ds, nil
}

func (s *PostgresStore) SaveDataSource(ctx context.Context, ds *DataSource) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if ds.ID == 0 {
			return tx.Create(ds).Error
		}
		var prev DataSource
		err := tx.First(&prev, ds.ID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Create(ds).Error; err != nil {
				return err
			}
			// An explicit ID bypasses the sequence; move it past the largest ID.
			return tx.Exec(`SELECT setval(pg_get_serial_sequence('dust_data_sources', 'id'),
				(SELECT MAX(id) FROM dust_data_sources))`).Error
		case err != nil:
			return err
		}
		if prev.Kind != ds.Kind || prev.Endpoint != ds.Endpoint {
			return fmt.Errorf("data source %d kind/endpoint: %w", ds.ID, ErrImmutable)
		}
		ds.CreatedAt = prev.CreatedAt
		return tx.Save(ds).Error
	})
}

func (s *PostgresStore) DeleteDataSource(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []int64
		if err := tx.Model(&Device{}).Where("data_source_id = ?", id).Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) > 0 {
			for _, model := range deviceChildren {
				if err := tx.Where("device_id IN ?", ids).Delete(model).Error; err != nil {
					return err
				}
			}
			if err := tx.Where("id IN ?", ids).Delete(&Device{}).Error; err != nil {
				return err
			}
		}
		res := tx.Delete(&DataSource{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("data source %d: %w", id, ErrNotFound)
		}
		return nil
	})
}

func (s *PostgresStore) InsertReading(ctx context.Context, r *Reading) error {
	return s.db.WithContext(ctx).Create(r).Error
}

func (s *PostgresStore) InsertExtendedReading(ctx context.Context, ext *ExtendedReading, mirror *Reading) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(ext).Error; err != nil {
			return fmt.Errorf("insert extended reading: %w", err)
		}
		if mirror == nil {
			return nil
		}
		if err := tx.Create(mirror).Error; err != nil {
			return fmt.Errorf("insert mirrored reading: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) ReadingsSince(ctx context.Context, deviceID int64, since time.Time) ([]*Reading, error) {
	var readings []*Reading
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND timestamp >= ?", deviceID, since).
		Order("timestamp, id").
		Find(&readings).Error
	return readings, err
}

func (s *PostgresStore) LatestReading(ctx context.Context, deviceID int64) (*Reading, error) {
	var r Reading
	err := s.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("timestamp DESC, id DESC").
		First(&r).Error
	if err != nil {
		return nil, notFound(err, "reading for device %d", deviceID)
	}
	return &r, nil
}

func (s *PostgresStore) LatestExtendedReading(ctx context.Context, deviceID int64) (*ExtendedReading, error) {
	var e ExtendedReading
	err := s.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("timestamp DESC, id DESC").
		First(&e).Error
	if err != nil {
		return nil, notFound(err, "extended reading for device %d", deviceID)
	}
	return &e, nil
}

func (s *PostgresStore) CurrentThresholds(ctx context.Context, deviceID int64) (*ThresholdSet, error) {
	var t ThresholdSet
	err := s.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("timestamp DESC, id DESC").
		First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DefaultThresholds(deviceID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("thresholds for device %d: %w", deviceID, err)
	}
	return &t, nil
}

func (s *PostgresStore) InsertThresholds(ctx context.Context, t *ThresholdSet) error {
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(t).Error
}

func (s *PostgresStore) InsertAlert(ctx context.Context, a *Alert) error {
	return s.db.WithContext(ctx).Create(a).Error
}

func (s *PostgresStore) ListAlerts(ctx context.Context, deviceID int64, limit int) ([]*Alert, error) {
	var alerts []*Alert
	q := s.db.WithContext(ctx).Where("device_id = ?", deviceID).Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&alerts).Error
	return alerts, err
}

func (s *PostgresStore) MergeStatus(ctx context.Context, deviceID int64, status map[string]any) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row DeviceStatus
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "device_id = ?", deviceID).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		merged := make(map[string]any)
		if len(row.Status) > 0 {
			if err := json.Unmarshal(row.Status, &merged); err != nil {
				return err
			}
		}
		for k, v := range status {
			merged[k] = v
		}
		data, err := json.Marshal(merged)
		if err != nil {
			return err
		}
		row.DeviceID = deviceID
		row.Status = datatypes.JSON(data)
		return tx.Save(&row).Error
	})
}

func (s *PostgresStore) GetStatus(ctx context.Context, deviceID int64) (map[string]any, error) {
	var row DeviceStatus
	if err := s.db.WithContext(ctx).First(&row, "device_id = ?", deviceID).Error; err != nil {
		return nil, notFound(err, "status for device %d", deviceID)
	}
	var status map[string]any
	if err := json.Unmarshal(row.Status, &status); err != nil {
		return nil, err
	}
	return status, nil
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
