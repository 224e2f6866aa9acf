package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func f(v float64) *float64 { return &v }

// seedDevice registers a broker source and one device on it.
func seedDevice(t *testing.T, s Store, externalID string) (*DataSource, *Device) {
	t.Helper()
	ctx := context.Background()
	ds := &DataSource{Kind: KindBroker, Endpoint: "broker.example:8883", Username: "u", Password: "p"}
	if err := s.SaveDataSource(ctx, ds); err != nil {
		t.Fatal(err)
	}
	dev := &Device{ExternalID: externalID, DataSourceID: ds.ID, OwnerID: 9, HasActuator: true}
	if err := s.SaveDevice(ctx, dev); err != nil {
		t.Fatal(err)
	}
	return ds, dev
}

func TestResolveDevice(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ds, dev := seedDevice(t, s, "42")

	got, err := s.ResolveDevice(ctx, "42", ds.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != dev.ID {
		t.Errorf("id = %d, want %d", got.ID, dev.ID)
	}
	if got.OwnerID != 9 || !got.HasActuator {
		t.Errorf("device = %+v, want owner 9 with actuator", got)
	}

	// Same external ID on another source is a different device.
	if _, err := s.ResolveDevice(ctx, "42", ds.ID+1); !errors.Is(err, ErrNotFound) {
		t.Errorf("other source: err = %v, want ErrNotFound", err)
	}
	if _, err := s.ResolveDevice(ctx, "43", ds.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id: err = %v, want ErrNotFound", err)
	}
}

func TestSaveDeviceDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ds, _ := seedDevice(t, s, "42")

	err := s.SaveDevice(ctx, &Device{ExternalID: "42", DataSourceID: ds.ID})
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("err = %v, want ErrDuplicate", err)
	}
}

func TestSaveDeviceUnknownSource(t *testing.T) {
	s := newTestStore(t)
	err := s.SaveDevice(context.Background(), &Device{ExternalID: "1", DataSourceID: 77})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSaveDeviceRenameMovesIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ds, dev := seedDevice(t, s, "42")

	dev.ExternalID = "43"
	if err := s.SaveDevice(ctx, dev); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ResolveDevice(ctx, "42", ds.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("old id: err = %v, want ErrNotFound", err)
	}
	if _, err := s.ResolveDevice(ctx, "43", ds.ID); err != nil {
		t.Errorf("new id: %v", err)
	}
}

func TestDataSourceImmutableEndpoint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ds := &DataSource{Kind: KindBroker, Endpoint: "a:8883"}
	if err := s.SaveDataSource(ctx, ds); err != nil {
		t.Fatal(err)
	}

	ds.Description = "renamed"
	if err := s.SaveDataSource(ctx, ds); err != nil {
		t.Fatalf("description update: %v", err)
	}

	ds.Endpoint = "b:8883"
	if err := s.SaveDataSource(ctx, ds); !errors.Is(err, ErrImmutable) {
		t.Errorf("endpoint update: err = %v, want ErrImmutable", err)
	}
}

func TestSeededDataSourceIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.SaveDataSource(ctx, &DataSource{ID: 3, Kind: KindBroker, Endpoint: "a"}); err != nil {
		t.Fatal(err)
	}
	next := &DataSource{Kind: KindBroker, Endpoint: "b"}
	if err := s.SaveDataSource(ctx, next); err != nil {
		t.Fatal(err)
	}
	if next.ID != 4 {
		t.Errorf("next id = %d, want 4", next.ID)
	}
}

func TestReadingsSinceOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, dev := seedDevice(t, s, "42")

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	// Inserted out of order on purpose.
	for _, min := range []int{10, 0, 5, 20} {
		r := &Reading{DeviceID: dev.ID, Timestamp: base.Add(time.Duration(min) * time.Minute), PM10: f(float64(min))}
		if err := s.InsertReading(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ReadingsSince(ctx, dev.ID, base.Add(5*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{5, 10, 20}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i, r := range got {
		if *r.PM10 != want[i] {
			t.Errorf("readings[%d].pm10 = %v, want %v", i, *r.PM10, want[i])
		}
	}

	latest, err := s.LatestReading(ctx, dev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if *latest.PM10 != 20 {
		t.Errorf("latest pm10 = %v, want 20", *latest.PM10)
	}
}

func TestReadingsSinceIgnoresPre1970Timestamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, dev := seedDevice(t, s, "42")

	current := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	for _, r := range []*Reading{
		{DeviceID: dev.ID, Timestamp: time.Date(1969, 12, 31, 23, 0, 0, 0, time.UTC), PM10: f(999)},
		{DeviceID: dev.ID, Timestamp: time.Time{}, PM10: f(888)},
		{DeviceID: dev.ID, Timestamp: current, PM10: f(10)},
	} {
		if err := s.InsertReading(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ReadingsSince(ctx, dev.ID, current.Add(-15*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || *got[0].PM10 != 10 {
		t.Fatalf("window = %d readings, want only the 2024 one", len(got))
	}

	latest, err := s.LatestReading(ctx, dev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !latest.Timestamp.Equal(current) {
		t.Errorf("latest = %v, want %v", latest.Timestamp, current)
	}

	all, err := s.ReadingsSince(ctx, dev.ID, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{888, 999, 10}
	if len(all) != len(want) {
		t.Fatalf("all = %d readings, want %d", len(all), len(want))
	}
	for i, r := range all {
		if *r.PM10 != want[i] {
			t.Errorf("all[%d].pm10 = %v, want %v", i, *r.PM10, want[i])
		}
	}
}

func TestReadingsSinceNoData(t *testing.T) {
	s := newTestStore(t)
	got, err := s.ReadingsSince(context.Background(), 99, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("len = %d, want 0", len(got))
	}
	if _, err := s.LatestReading(context.Background(), 99); !errors.Is(err, ErrNotFound) {
		t.Errorf("latest: err = %v, want ErrNotFound", err)
	}
}

func TestInsertExtendedReadingMirrors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, dev := seedDevice(t, s, "42")

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ext := &ExtendedReading{DeviceID: dev.ID, Timestamp: ts, VOCPPB: f(30), PM25: f(10)}
	if err := s.InsertExtendedReading(ctx, ext, ext.Reading()); err != nil {
		t.Fatal(err)
	}

	gotExt, err := s.LatestExtendedReading(ctx, dev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotExt.VOCPPB == nil || *gotExt.VOCPPB != 30 {
		t.Errorf("voc = %v, want 30", gotExt.VOCPPB)
	}
	if gotExt.TemperatureC != nil {
		t.Errorf("temperature = %v, want nil", *gotExt.TemperatureC)
	}

	r, err := s.LatestReading(ctx, dev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if r.PM25 == nil || *r.PM25 != 10 {
		t.Errorf("mirrored pm2.5 = %v, want 10", r.PM25)
	}
	if !r.Timestamp.Equal(ts) {
		t.Errorf("mirrored timestamp = %v, want %v", r.Timestamp, ts)
	}
}

func TestCurrentThresholds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, dev := seedDevice(t, s, "42")

	got, err := s.CurrentThresholds(ctx, dev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if *got != *DefaultThresholds(dev.ID) {
		t.Errorf("thresholds = %+v, want defaults", got)
	}

	ts := time.Now().UTC()
	for i, pm10 := range []float64{150, 120} {
		th := DefaultThresholds(dev.ID)
		th.PM10 = pm10
		th.Timestamp = ts.Add(time.Duration(i) * time.Second)
		if err := s.InsertThresholds(ctx, th); err != nil {
			t.Fatal(err)
		}
	}
	got, err = s.CurrentThresholds(ctx, dev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.PM10 != 120 {
		t.Errorf("pm10 = %v, want 120", got.PM10)
	}
}

func TestCurrentThresholdsSameTimestamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts := time.Now().UTC()
	for _, w := range []int{15, 30} {
		th := DefaultThresholds(1)
		th.AveragingWindow = w
		th.Timestamp = ts
		if err := s.InsertThresholds(ctx, th); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.CurrentThresholds(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got.AveragingWindow != 30 {
		t.Errorf("window = %d, want 30 (last inserted)", got.AveragingWindow)
	}
}

func TestMergeStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.MergeStatus(ctx, 1, map[string]any{"relay": "ON", "fw": "1.0"}); err != nil {
		t.Fatal(err)
	}
	if err := s.MergeStatus(ctx, 1, map[string]any{"relay": "OFF"}); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetStatus(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got["relay"] != "OFF" || got["fw"] != "1.0" {
		t.Errorf("status = %v", got)
	}
	if _, err := s.GetStatus(ctx, 2); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListAlertsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()
	for i, field := range []string{"pm1", "pm10"} {
		a := &Alert{DeviceID: 1, Type: "threshold_exceeded", Field: field, CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if err := s.InsertAlert(ctx, a); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.ListAlerts(ctx, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Field != "pm10" {
		t.Errorf("alerts = %+v, want newest pm10 only", got)
	}
}

func TestDeleteDataSourceCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ds, dev := seedDevice(t, s, "42")

	if err := s.InsertReading(ctx, &Reading{DeviceID: dev.ID, Timestamp: time.Now(), PM1: f(1)}); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertAlert(ctx, &Alert{DeviceID: dev.ID, Type: "threshold_exceeded"}); err != nil {
		t.Fatal(err)
	}
	if err := s.MergeStatus(ctx, dev.ID, map[string]any{"a": 1}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteDataSource(ctx, ds.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := s.GetDevice(ctx, dev.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("device: err = %v, want ErrNotFound", err)
	}
	if _, err := s.ResolveDevice(ctx, "42", ds.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("resolve: err = %v, want ErrNotFound", err)
	}
	if _, err := s.LatestReading(ctx, dev.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("reading: err = %v, want ErrNotFound", err)
	}
	if alerts, _ := s.ListAlerts(ctx, dev.ID, 0); len(alerts) != 0 {
		t.Errorf("alerts = %d, want 0", len(alerts))
	}
	if _, err := s.GetStatus(ctx, dev.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("status: err = %v, want ErrNotFound", err)
	}
	if err := s.DeleteDataSource(ctx, ds.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: err = %v, want ErrNotFound", err)
	}
}

func TestPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")
	ctx := context.Background()

	s1, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	ds := &DataSource{Kind: KindBroker, Endpoint: "a"}
	if err := s1.SaveDataSource(ctx, ds); err != nil {
		t.Fatal(err)
	}
	s1.Close()

	s2, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	sources, err := s2.ListDataSources(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(sources) != 1 || sources[0].Endpoint != "a" {
		t.Errorf("sources = %+v", sources)
	}
}
