package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketSources     = []byte("data_sources")
	bucketDevices     = []byte("devices")
	bucketDeviceIndex = []byte("device_index")
	bucketReadings    = []byte("readings")
	bucketExtended    = []byte("extended")
	bucketThresholds  = []byte("thresholds")
	bucketAlerts      = []byte("alerts")
	bucketStatus      = []byte("status")

	// Parent buckets holding one nested bucket per device, keyed by time.
	seriesBuckets = [][]byte{bucketReadings, bucketExtended, bucketThresholds, bucketAlerts}
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		all := append([][]byte{bucketSources, bucketDevices, bucketDeviceIndex, bucketStatus}, seriesBuckets...)
		for _, b := range all {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

// timeKey orders entries by timestamp, then by insertion sequence. Seconds
// carry a flipped sign bit so instants before 1970 sort first.
func timeKey(t time.Time, seq uint64) []byte {
	b := make([]byte, 20)
	binary.BigEndian.PutUint64(b, uint64(t.Unix())^(1<<63))
	binary.BigEndian.PutUint32(b[8:], uint32(t.Nanosecond()))
	binary.BigEndian.PutUint64(b[12:], seq)
	return b
}

func indexKey(dataSourceID int64, externalID string) []byte {
	return append(append(itob(dataSourceID), 0), externalID...)
}

func bucket(tx *bolt.Tx, name []byte) (*bolt.Bucket, error) {
	b := tx.Bucket(name)
	if b == nil {
		return nil, fmt.Errorf("bucket %q not found", name)
	}
	return b, nil
}

// series returns the per-device bucket under parent, creating it when create is set.
// A nil bucket without error means the device has no entries yet.
func series(tx *bolt.Tx, parent []byte, deviceID int64, create bool) (*bolt.Bucket, error) {
	p, err := bucket(tx, parent)
	if err != nil {
		return nil, err
	}
	if create {
		return p.CreateBucketIfNotExists(itob(deviceID))
	}
	return p.Bucket(itob(deviceID)), nil
}

func appendSeries(tx *bolt.Tx, parent []byte, deviceID int64, ts time.Time, v any) (int64, error) {
	b, err := series(tx, parent, deviceID, true)
	if err != nil {
		return 0, err
	}
	seq, err := b.NextSequence()
	if err != nil {
		return 0, err
	}
	if setter, ok := v.(interface{ setID(int64) }); ok {
		setter.setID(int64(seq))
	}
	data, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	return int64(seq), b.Put(timeKey(ts, seq), data)
}

func (r *Reading) setID(id int64)         { r.ID = id }
func (e *ExtendedReading) setID(id int64) { e.ID = id }
func (t *ThresholdSet) setID(id int64)    { t.ID = id }
func (a *Alert) setID(id int64)           { a.ID = id }

func (s *BoltStore) ResolveDevice(_ context.Context, externalID string, dataSourceID int64) (*Device, error) {
	var dev Device
	err := s.db.View(func(tx *bolt.Tx) error {
		idx, err := bucket(tx, bucketDeviceIndex)
		if err != nil {
			return err
		}
		id := idx.Get(indexKey(dataSourceID, externalID))
		if id == nil {
			return fmt.Errorf("device %q on source %d: %w", externalID, dataSourceID, ErrNotFound)
		}
		devices, err := bucket(tx, bucketDevices)
		if err != nil {
			return err
		}
		data := devices.Get(id)
		if data == nil {
			return fmt.Errorf("device %q on source %d: %w", externalID, dataSourceID, ErrNotFound)
		}
		return json.Unmarshal(data, &dev)
	})
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

func (s *BoltStore) GetDevice(_ context.Context, id int64) (*Device, error) {
	var dev Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketDevices)
		if err != nil {
			return err
		}
		data := b.Get(itob(id))
		if data == nil {
			return fmt.Errorf("device %d: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &dev)
	})
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

func (s *BoltStore) ListDevices(_ context.Context) ([]*Device, error) {
	var devices []*Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return nil // no bucket = no devices
		}
		devices = make([]*Device, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var dev Device
			if err := json.Unmarshal(v, &dev); err != nil {
				return err
			}
			devices = append(devices, &dev)
			return nil
		})
	})
	return devices, err
}

func (s *BoltStore) SaveDevice(_ context.Context, dev *Device) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		devices, err := bucket(tx, bucketDevices)
		if err != nil {
			return err
		}
		idx, err := bucket(tx, bucketDeviceIndex)
		if err != nil {
			return err
		}
		sources, err := bucket(tx, bucketSources)
		if err != nil {
			return err
		}
		if sources.Get(itob(dev.DataSourceID)) == nil {
			return fmt.Errorf("data source %d: %w", dev.DataSourceID, ErrNotFound)
		}

		key := indexKey(dev.DataSourceID, dev.ExternalID)
		if existing := idx.Get(key); existing != nil && !bytes.Equal(existing, itob(dev.ID)) {
			return fmt.Errorf("device %q on source %d: %w", dev.ExternalID, dev.DataSourceID, ErrDuplicate)
		}

		if dev.ID == 0 {
			seq, err := devices.NextSequence()
			if err != nil {
				return err
			}
			dev.ID = int64(seq)
		} else if old := devices.Get(itob(dev.ID)); old != nil {
			var prev Device
			if err := json.Unmarshal(old, &prev); err != nil {
				return err
			}
			if err := idx.Delete(indexKey(prev.DataSourceID, prev.ExternalID)); err != nil {
				return err
			}
		}
		if dev.CreatedAt.IsZero() {
			dev.CreatedAt = time.Now().UTC()
		}

		data, err := json.Marshal(dev)
		if err != nil {
			return err
		}
		if err := devices.Put(itob(dev.ID), data); err != nil {
			return err
		}
		return idx.Put(key, itob(dev.ID))
	})
}

func (s *BoltStore) DeleteDevice(_ context.Context, id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return deleteDevice(tx, id)
	})
}

// deleteDevice removes a device together with its readings, thresholds, alerts and status.
func deleteDevice(tx *bolt.Tx, id int64) error {
	devices, err := bucket(tx, bucketDevices)
	if err != nil {
		return err
	}
	data := devices.Get(itob(id))
	if data == nil {
		return fmt.Errorf("device %d: %w", id, ErrNotFound)
	}
	var dev Device
	if err := json.Unmarshal(data, &dev); err != nil {
		return err
	}

	for _, parent := range seriesBuckets {
		p, err := bucket(tx, parent)
		if err != nil {
			return err
		}
		if p.Bucket(itob(id)) != nil {
			if err := p.DeleteBucket(itob(id)); err != nil {
				return fmt.Errorf("delete %s for device %d: %w", parent, id, err)
			}
		}
	}
	status, err := bucket(tx, bucketStatus)
	if err != nil {
		return err
	}
	if err := status.Delete(itob(id)); err != nil {
		return err
	}
	idx, err := bucket(tx, bucketDeviceIndex)
	if err != nil {
		return err
	}
	if err := idx.Delete(indexKey(dev.DataSourceID, dev.ExternalID)); err != nil {
		return err
	}
	return devices.Delete(itob(id))
}

func (s *BoltStore) ListDataSources(_ context.Context) ([]*DataSource, error) {
	var sources []*DataSource
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketSources)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			var ds DataSource
			if err := json.Unmarshal(v, &ds); err != nil {
				return err
			}
			sources = append(sources, &ds)
			return nil
		})
	})
	return sources, err
}

func (s *BoltStore) GetDataSource(_ context.Context, id int64) (*DataSource, error) {
	var ds DataSource
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketSources)
		if err != nil {
			return err
		}
		data := b.Get(itob(id))
		if data == nil {
			return fmt.Errorf("data source %d: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &ds)
	})
	if err != nil {
		return nil, err
	}
	return &ds, nil
}

func (s *BoltStore) SaveDataSource(_ context.Context, ds *DataSource) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketSources)
		if err != nil {
			return err
		}
		if ds.ID == 0 {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			ds.ID = int64(seq)
		} else if old := b.Get(itob(ds.ID)); old != nil {
			var prev DataSource
			if err := json.Unmarshal(old, &prev); err != nil {
				return err
			}
			if prev.Kind != ds.Kind || prev.Endpoint != ds.Endpoint {
				return fmt.Errorf("data source %d kind/endpoint: %w", ds.ID, ErrImmutable)
			}
			ds.CreatedAt = prev.CreatedAt
		} else if seq := b.Sequence(); uint64(ds.ID) > seq {
			// Explicit IDs from seeded config must not collide with later allocations.
			if err := b.SetSequence(uint64(ds.ID)); err != nil {
				return err
			}
		}
		if ds.CreatedAt.IsZero() {
			ds.CreatedAt = time.Now().UTC()
		}
		data, err := json.Marshal(ds)
		if err != nil {
			return err
		}
		return b.Put(itob(ds.ID), data)
	})
}

func (s *BoltStore) DeleteDataSource(_ context.Context, id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		sources, err := bucket(tx, bucketSources)
		if err != nil {
			return err
		}
		if sources.Get(itob(id)) == nil {
			return fmt.Errorf("data source %d: %w", id, ErrNotFound)
		}

		devices, err := bucket(tx, bucketDevices)
		if err != nil {
			return err
		}
		var owned []int64
		err = devices.ForEach(func(k, v []byte) error {
			var dev Device
			if err := json.Unmarshal(v, &dev); err != nil {
				return err
			}
			if dev.DataSourceID == id {
				owned = append(owned, dev.ID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, devID := range owned {
			if err := deleteDevice(tx, devID); err != nil {
				return err
			}
		}
		return sources.Delete(itob(id))
	})
}

func (s *BoltStore) InsertReading(_ context.Context, r *Reading) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := appendSeries(tx, bucketReadings, r.DeviceID, r.Timestamp, r)
		return err
	})
}

func (s *BoltStore) InsertExtendedReading(_ context.Context, ext *ExtendedReading, mirror *Reading) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := appendSeries(tx, bucketExtended, ext.DeviceID, ext.Timestamp, ext); err != nil {
			return fmt.Errorf("insert extended reading: %w", err)
		}
		if mirror == nil {
			return nil
		}
		if _, err := appendSeries(tx, bucketReadings, mirror.DeviceID, mirror.Timestamp, mirror); err != nil {
			return fmt.Errorf("insert mirrored reading: %w", err)
		}
		return nil
	})
}

func (s *BoltStore) ReadingsSince(_ context.Context, deviceID int64, since time.Time) ([]*Reading, error) {
	var readings []*Reading
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := series(tx, bucketReadings, deviceID, false)
		if err != nil || b == nil {
			return err
		}
		c := b.Cursor()
		for k, v := c.Seek(timeKey(since, 0)); k != nil; k, v = c.Next() {
			var r Reading
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			readings = append(readings, &r)
		}
		return nil
	})
	return readings, err
}

// last decodes the newest entry of a device series into v.
func (s *BoltStore) last(parent []byte, deviceID int64, what string, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b, err := series(tx, parent, deviceID, false)
		if err != nil {
			return err
		}
		if b == nil {
			return fmt.Errorf("%s for device %d: %w", what, deviceID, ErrNotFound)
		}
		_, data := b.Cursor().Last()
		if data == nil {
			return fmt.Errorf("%s for device %d: %w", what, deviceID, ErrNotFound)
		}
		return json.Unmarshal(data, v)
	})
}

func (s *BoltStore) LatestReading(_ context.Context, deviceID int64) (*Reading, error) {
	var r Reading
	if err := s.last(bucketReadings, deviceID, "reading", &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *BoltStore) LatestExtendedReading(_ context.Context, deviceID int64) (*ExtendedReading, error) {
	var e ExtendedReading
	if err := s.last(bucketExtended, deviceID, "extended reading", &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *BoltStore) CurrentThresholds(_ context.Context, deviceID int64) (*ThresholdSet, error) {
	var t ThresholdSet
	err := s.last(bucketThresholds, deviceID, "thresholds", &t)
	if err != nil {
		if isNotFound(err) {
			return DefaultThresholds(deviceID), nil
		}
		return nil, err
	}
	return &t, nil
}

func (s *BoltStore) InsertThresholds(_ context.Context, t *ThresholdSet) error {
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := appendSeries(tx, bucketThresholds, t.DeviceID, t.Timestamp, t)
		return err
	})
}

func (s *BoltStore) InsertAlert(_ context.Context, a *Alert) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := appendSeries(tx, bucketAlerts, a.DeviceID, a.CreatedAt, a)
		return err
	})
}

// ListAlerts returns up to limit alerts for a device, newest first.
func (s *BoltStore) ListAlerts(_ context.Context, deviceID int64, limit int) ([]*Alert, error) {
	var alerts []*Alert
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := series(tx, bucketAlerts, deviceID, false)
		if err != nil || b == nil {
			return err
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil && (limit <= 0 || len(alerts) < limit); k, v = c.Prev() {
			var a Alert
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			alerts = append(alerts, &a)
		}
		return nil
	})
	return alerts, err
}

func (s *BoltStore) MergeStatus(_ context.Context, deviceID int64, status map[string]any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketStatus)
		if err != nil {
			return err
		}
		merged := make(map[string]any)
		if data := b.Get(itob(deviceID)); data != nil {
			if err := json.Unmarshal(data, &merged); err != nil {
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
		return b.Put(itob(deviceID), data)
	})
}

func (s *BoltStore) GetStatus(_ context.Context, deviceID int64) (map[string]any, error) {
	var status map[string]any
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketStatus)
		if err != nil {
			return err
		}
		data := b.Get(itob(deviceID))
		if data == nil {
			return fmt.Errorf("status for device %d: %w", deviceID, ErrNotFound)
		}
		return json.Unmarshal(data, &status)
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
