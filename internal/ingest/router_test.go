package ingest

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"dustrak-core/internal/control"
	"dustrak-core/internal/events"
	"dustrak-core/internal/payload"
	"dustrak-core/internal/store"
)

type countingNotifier struct {
	mu      sync.Mutex
	devices []int64
}

func (n *countingNotifier) Notify(_ context.Context, dev *store.Device) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.devices = append(n.devices, dev.ID)
	return nil
}

type recordingPublisher struct {
	mu       sync.Mutex
	payloads []string
}

func (p *recordingPublisher) Publish(_ int64, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, string(data))
	return nil
}

type fixture struct {
	ctx      context.Context
	store    *store.BoltStore
	router   *Router
	notifier *countingNotifier
	pub      *recordingPublisher
	bus      *events.Bus
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "ingest.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	ds := &store.DataSource{ID: 3, Kind: store.KindBroker, Endpoint: "broker:8883", Username: "u", Password: "p"}
	if err := st.SaveDataSource(ctx, ds); err != nil {
		t.Fatal(err)
	}

	now := time.Date(2024, 1, 1, 0, 5, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	bus := events.NewBus(logger)
	pub := &recordingPublisher{}
	ctrl := control.New(st, pub, bus, nil, logger, control.WithClock(clock))
	n := &countingNotifier{}
	return &fixture{
		ctx:      ctx,
		store:    st,
		router:   NewRouter(st, ctrl, n, bus, nil, logger, WithClock(clock)),
		notifier: n,
		pub:      pub,
		bus:      bus,
		now:      now,
	}
}

func (f *fixture) device(t *testing.T, externalID string, actuator bool) *store.Device {
	t.Helper()
	dev := &store.Device{ExternalID: externalID, DataSourceID: 3, OwnerID: 1, HasActuator: actuator}
	if err := f.store.SaveDevice(f.ctx, dev); err != nil {
		t.Fatal(err)
	}
	return dev
}

func TestCompactEndToEnd(t *testing.T) {
	f := newFixture(t)
	dev := f.device(t, "42", false)

	raw := `{"i":"42","t":"2024-01-01T00:00:00Z","e":[20,50,1000,1,10,30000,0.5,55],"pm":[5,10,15,20,25],"g":{"lat":1.0,"lon":2.0}}`
	if err := f.router.route(f.ctx, 3, "sensor/data", []byte(raw)); err != nil {
		t.Fatalf("route: %v", err)
	}

	ext, err := f.store.LatestExtendedReading(f.ctx, dev.ID)
	if err != nil {
		t.Fatal(err)
	}
	checks := []struct {
		name string
		got  *float64
		want float64
	}{
		{"voc_ppb", ext.VOCPPB, 30},
		{"no2_ppb", ext.NO2PPB, 500},
		{"noise_db", ext.NoiseDB, 55},
		{"pm2_5", ext.PM25, 10},
		{"gps_lat", ext.GPSLat, 1.0},
	}
	for _, c := range checks {
		if c.got == nil || *c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}

	rd, err := f.store.LatestReading(f.ctx, dev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rd.PM25 == nil || *rd.PM25 != 10 {
		t.Errorf("mirrored pm2_5 = %v", rd.PM25)
	}
	if !rd.Timestamp.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("timestamp = %v", rd.Timestamp)
	}
	if len(f.notifier.devices) != 1 {
		t.Errorf("fan-out events = %d, want 1", len(f.notifier.devices))
	}
	if len(f.pub.payloads) != 0 {
		t.Errorf("device without actuator got commands: %v", f.pub.payloads)
	}
}

func TestUnregisteredDeviceDropped(t *testing.T) {
	f := newFixture(t)
	var readings int
	f.bus.On(events.Reading, func(events.Event) { readings++ })

	err := f.router.route(f.ctx, 3, "sensor/data", []byte(`{"deviceid":"7","PM_data":{"PM2_5":0.05}}`))
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	// Handle must swallow it.
	f.router.Handle(f.ctx, 3, "sensor/data", []byte(`{"deviceid":"7","PM_data":{"PM2_5":0.05}}`))

	devs, _ := f.store.ListDevices(f.ctx)
	for _, d := range devs {
		if _, err := f.store.LatestReading(f.ctx, d.ID); err == nil {
			t.Errorf("reading persisted for device %d", d.ID)
		}
	}
	if len(f.notifier.devices) != 0 || readings != 0 {
		t.Errorf("fan-out=%d reading events=%d, want 0", len(f.notifier.devices), readings)
	}
}

func TestDeviceScopedToDataSource(t *testing.T) {
	f := newFixture(t)
	f.device(t, "42", false)

	err := f.router.route(f.ctx, 4, "sensor/data", []byte(`{"deviceid":"42","PM_data":{"PM1":0.01}}`))
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound for other source", err)
	}
}

func TestLegacySimpleScaled(t *testing.T) {
	f := newFixture(t)
	dev := f.device(t, "7", false)

	if err := f.router.route(f.ctx, 3, "sensor/data", []byte(`{"deviceid":"7","PM_data":{"PM2_5":0.05,"TSP_um":0.2}}`)); err != nil {
		t.Fatal(err)
	}
	rd, err := f.store.LatestReading(f.ctx, dev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if *rd.PM25 != 50 || *rd.TSP != 200 || *rd.PM1 != 0 {
		t.Errorf("reading = pm2_5 %v tsp %v pm1 %v", *rd.PM25, *rd.TSP, *rd.PM1)
	}
	if !rd.Timestamp.Equal(f.now) {
		t.Errorf("timestamp = %v, want receive time", rd.Timestamp)
	}
	if _, err := f.store.LatestExtendedReading(f.ctx, dev.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("simple path wrote an extended reading: %v", err)
	}
}

func TestActuatorDeviceEvaluated(t *testing.T) {
	f := newFixture(t)
	f.device(t, "9", true)

	raw := `{"deviceid":"9","timestamp_utc":"2024-01-01T00:04:00Z","PM_data":{"PM10":0.5}}`
	if err := f.router.route(f.ctx, 3, "sensor/data", []byte(raw)); err != nil {
		t.Fatal(err)
	}
	if len(f.pub.payloads) != 1 {
		t.Fatalf("commands = %v", f.pub.payloads)
	}
	// pm10 = 500 > 150
	if want := `"command":"all_on"`; !strings.Contains(f.pub.payloads[0], want) {
		t.Errorf("command = %s", f.pub.payloads[0])
	}
}

func TestStatusPath(t *testing.T) {
	f := newFixture(t)
	dev := f.device(t, "5", true)

	raw := `{"deviceid":"5","relay_state":"ON","fw":"1.2","thresholds":{"pm2.5":40,"pm10":90},"averaging_window":30}`
	if err := f.router.route(f.ctx, 3, "dustrak/status", []byte(raw)); err != nil {
		t.Fatal(err)
	}

	status, err := f.store.GetStatus(f.ctx, dev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if status["fw"] != "1.2" {
		t.Errorf("status = %v", status)
	}

	th, err := f.store.CurrentThresholds(f.ctx, dev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if th.PM25 != 40 || th.PM10 != 90 || th.PM1 != 50 || th.AveragingWindow != 30 {
		t.Errorf("thresholds = %+v", th)
	}
	if len(f.pub.payloads) != 0 {
		t.Errorf("reported thresholds were republished: %v", f.pub.payloads)
	}
}

func TestStatusWithoutThresholds(t *testing.T) {
	f := newFixture(t)
	dev := f.device(t, "5", false)

	if err := f.router.route(f.ctx, 3, "dustrak/status", []byte(`{"i":"5","battery":80}`)); err != nil {
		t.Fatal(err)
	}
	th, _ := f.store.CurrentThresholds(f.ctx, dev.ID)
	if !th.Timestamp.IsZero() {
		t.Errorf("a threshold version was stored: %+v", th)
	}
	if len(f.notifier.devices) != 0 {
		t.Errorf("fan-out on plain status")
	}
}

func TestRouteErrors(t *testing.T) {
	f := newFixture(t)
	f.device(t, "1", false)

	tests := []struct {
		name  string
		topic string
		raw   string
		want  error
	}{
		{"malformed json", "sensor/data", `{"i":`, payload.ErrProtocolViolation},
		{"missing id", "sensor/data", `{"PM_data":{"PM1":1}}`, payload.ErrProtocolViolation},
		{"unknown topic", "dustrak/control", `{"i":"1"}`, payload.ErrUnknownTopic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.router.route(f.ctx, 3, tt.topic, []byte(tt.raw))
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			f.router.Handle(f.ctx, 3, tt.topic, []byte(tt.raw))
		})
	}
}

func TestStoreFailureAbandonsMessage(t *testing.T) {
	f := newFixture(t)
	f.device(t, "1", false)
	f.store.Close()

	err := f.router.route(f.ctx, 3, "sensor/data", []byte(`{"deviceid":"1","PM_data":{"PM1":1}}`))
	if err == nil || errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want store failure", err)
	}
	if len(f.notifier.devices) != 0 {
		t.Error("fan-out after failed persist")
	}
}
