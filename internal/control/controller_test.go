package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"dustrak-core/internal/events"
	"dustrak-core/internal/payload"
	"dustrak-core/internal/store"
)

// fakePublisher records control payloads per data source.
type fakePublisher struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

type sent struct {
	dataSourceID int64
	payload      map[string]any
}

func (p *fakePublisher) Publish(dataSourceID int64, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	p.sent = append(p.sent, sent{dataSourceID: dataSourceID, payload: m})
	return nil
}

func (p *fakePublisher) commands() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, s := range p.sent {
		if c, ok := s.payload["command"].(string); ok {
			out = append(out, c)
		}
	}
	return out
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

type fixture struct {
	ctx   context.Context
	store *store.BoltStore
	pub   *fakePublisher
	clock *clock
	bus   *events.Bus
	ctrl  *Controller
	dev   *store.Device
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "control.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	ds := &store.DataSource{Kind: store.KindBroker, Endpoint: "broker:8883", Username: "u", Password: "p"}
	if err := st.SaveDataSource(ctx, ds); err != nil {
		t.Fatal(err)
	}
	dev := &store.Device{ExternalID: "DT-7", DataSourceID: ds.ID, OwnerID: 1, HasActuator: true}
	if err := st.SaveDevice(ctx, dev); err != nil {
		t.Fatal(err)
	}

	clk := &clock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	pub := &fakePublisher{}
	bus := events.NewBus(logger)
	return &fixture{
		ctx:   ctx,
		store: st,
		pub:   pub,
		clock: clk,
		bus:   bus,
		ctrl:  New(st, pub, bus, nil, logger, WithClock(clk.now)),
		dev:   dev,
	}
}

// feed persists one reading at the current clock and evaluates.
func (f *fixture) feed(t *testing.T, pm10 float64) *Evaluation {
	t.Helper()
	r := &store.Reading{DeviceID: f.dev.ID, Timestamp: f.clock.t, PM10: &pm10}
	if err := f.store.InsertReading(f.ctx, r); err != nil {
		t.Fatal(err)
	}
	ev, err := f.ctrl.Evaluate(f.ctx, f.dev)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	return ev
}

func TestEvaluateRollingPM10(t *testing.T) {
	f := newFixture(t)
	var alerts int
	f.bus.On(events.Alert, func(events.Event) { alerts++ })

	values := []float64{100, 140, 160, 170, 200}
	wantStates := []State{Normal, Normal, Normal, Normal, Triggered}
	var last *Evaluation
	for i, v := range values {
		if i > 0 {
			f.clock.t = f.clock.t.Add(150 * time.Second)
		}
		last = f.feed(t, v)
		if last.State != wantStates[i] {
			t.Errorf("reading %d: state = %v, want %v", i, last.State, wantStates[i])
		}
	}

	if got := *last.Means[3]; got != 154 {
		t.Errorf("pm10 mean = %v, want 154", got)
	}
	if last.Alert == nil {
		t.Fatal("no alert on transition")
	}
	if last.Alert.Field != "pm10" || *last.Alert.MeasuredValue != 154 || *last.Alert.ThresholdValue != 150 {
		t.Errorf("alert = %+v", last.Alert)
	}
	if alerts != 1 {
		t.Errorf("alert events = %d, want 1", alerts)
	}

	cmds := f.pub.commands()
	want := []string{"all_off", "all_off", "all_off", "all_off", "all_on"}
	if len(cmds) != len(want) {
		t.Fatalf("commands = %v", cmds)
	}
	for i := range want {
		if cmds[i] != want[i] {
			t.Errorf("command[%d] = %s, want %s", i, cmds[i], want[i])
		}
	}

	stored, err := f.store.ListAlerts(f.ctx, f.dev.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 {
		t.Errorf("stored alerts = %d, want 1", len(stored))
	}
	if got := f.ctrl.RelayState(f.ctx, f.dev); got != RelayOn {
		t.Errorf("relay state = %s, want ON", got)
	}
}

func TestEvaluateAlertOnlyOnTransition(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		ev := f.feed(t, 500)
		if ev.State != Triggered || ev.Command != CommandOn {
			t.Fatalf("reading %d: %v %s", i, ev.State, ev.Command)
		}
		if (ev.Alert != nil) != (i == 0) {
			t.Errorf("reading %d: alert = %v", i, ev.Alert)
		}
		f.clock.t = f.clock.t.Add(time.Minute)
	}

	// Everything ages out of the window; back to NORMAL.
	f.clock.t = f.clock.t.Add(time.Hour)
	ev := f.feed(t, 10)
	if ev.State != Normal || ev.Command != CommandOff {
		t.Fatalf("after recovery: %v %s", ev.State, ev.Command)
	}

	// Re-entry from NORMAL alerts again.
	ev = f.feed(t, 1000)
	if ev.Alert == nil {
		t.Error("no alert on re-entry")
	}

	stored, _ := f.store.ListAlerts(f.ctx, f.dev.ID, 10)
	if len(stored) != 2 {
		t.Errorf("stored alerts = %d, want 2", len(stored))
	}
}

func TestEvaluateFirstExceededFieldWins(t *testing.T) {
	f := newFixture(t)
	r := &store.Reading{
		DeviceID:  f.dev.ID,
		Timestamp: f.clock.t,
		PM1:       ptr(10),
		PM25:      ptr(80),  // limit 75
		PM10:      ptr(900), // limit 150, worse but later
	}
	if err := f.store.InsertReading(f.ctx, r); err != nil {
		t.Fatal(err)
	}
	ev, err := f.ctrl.Evaluate(f.ctx, f.dev)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Exceeded != "pm2_5" || *ev.Alert.MeasuredValue != 80 {
		t.Errorf("exceeded = %s measured = %v", ev.Exceeded, *ev.Alert.MeasuredValue)
	}
}

func TestEvaluateEmptyWindowIsNormal(t *testing.T) {
	f := newFixture(t)
	ev, err := f.ctrl.Evaluate(f.ctx, f.dev)
	if err != nil {
		t.Fatal(err)
	}
	if ev.State != Normal || ev.Command != CommandOff {
		t.Errorf("%v %s", ev.State, ev.Command)
	}
	for i, m := range ev.Means {
		if m != nil {
			t.Errorf("mean[%d] = %v, want nil", i, *m)
		}
	}
}

func TestEvaluateUsesStoredWindow(t *testing.T) {
	f := newFixture(t)
	th := store.DefaultThresholds(f.dev.ID)
	th.AveragingWindow = 5
	th.Timestamp = f.clock.t
	if err := f.store.InsertThresholds(f.ctx, th); err != nil {
		t.Fatal(err)
	}

	f.feed(t, 1000)
	f.clock.t = f.clock.t.Add(6 * time.Minute)
	ev := f.feed(t, 100)
	if ev.State != Normal {
		t.Errorf("state = %v, old reading should be outside the 5 min window", ev.State)
	}
}

func TestEvaluateWithoutActuator(t *testing.T) {
	f := newFixture(t)
	dev := *f.dev
	dev.HasActuator = false
	if _, err := f.ctrl.Evaluate(f.ctx, &dev); !errors.Is(err, ErrNoActuator) {
		t.Errorf("err = %v, want ErrNoActuator", err)
	}
	if got := f.ctrl.RelayState(f.ctx, &dev); got != RelayNA {
		t.Errorf("relay state = %s, want N/A", got)
	}
}

func TestEvaluatePublishFailureKeepsState(t *testing.T) {
	f := newFixture(t)
	f.pub.err = errors.New("not connected")
	ev := f.feed(t, 1000)
	if ev.PublishErr == nil {
		t.Error("publish error not reported")
	}
	if f.ctrl.State(f.dev.ID) != Triggered {
		t.Error("state not advanced")
	}
}

func TestEvaluatePublishFailureLeavesRelayUnrecorded(t *testing.T) {
	f := newFixture(t)
	var relayEvents int
	f.bus.On(events.Relay, func(events.Event) { relayEvents++ })

	f.pub.err = errors.New("not connected")
	f.feed(t, 1000)
	if got := f.ctrl.RelayState(f.ctx, f.dev); got != RelayOff {
		t.Errorf("relay = %s, want OFF while undelivered", got)
	}
	if relayEvents != 0 {
		t.Errorf("relay events = %d, want 0", relayEvents)
	}

	f.pub.err = nil
	f.clock.t = f.clock.t.Add(time.Minute)
	f.feed(t, 1000)
	if got := f.ctrl.RelayState(f.ctx, f.dev); got != RelayOn {
		t.Errorf("relay after delivery = %s, want ON", got)
	}
	if relayEvents != 1 {
		t.Errorf("relay events = %d, want 1", relayEvents)
	}
}

func TestEvaluateReassertsRelayOverDeviceStatus(t *testing.T) {
	f := newFixture(t)
	f.feed(t, 500)
	if got := f.ctrl.RelayState(f.ctx, f.dev); got != RelayOn {
		t.Fatalf("relay = %s, want ON", got)
	}

	// A status message from the device overwrites the projection.
	if err := f.store.MergeStatus(f.ctx, f.dev.ID, map[string]any{"relay_state": "OFF"}); err != nil {
		t.Fatal(err)
	}
	f.clock.t = f.clock.t.Add(time.Minute)
	f.feed(t, 500)

	if cmds := f.pub.commands(); len(cmds) != 2 || cmds[1] != CommandOn {
		t.Errorf("commands = %v", cmds)
	}
	if got := f.ctrl.RelayState(f.ctx, f.dev); got != RelayOn {
		t.Errorf("relay = %s, want ON", got)
	}
}

func TestRelayMode(t *testing.T) {
	f := newFixture(t)
	if got := f.ctrl.RelayMode(f.ctx, f.dev); got != ModeAuto {
		t.Errorf("initial mode = %s", got)
	}
	if err := f.ctrl.SetRelay(f.ctx, f.dev, RelayOn); err != nil {
		t.Fatal(err)
	}
	if got := f.ctrl.RelayMode(f.ctx, f.dev); got != ModeManual {
		t.Errorf("mode after SetRelay = %s, want manual", got)
	}
	f.feed(t, 10)
	if got := f.ctrl.RelayMode(f.ctx, f.dev); got != ModeAuto {
		t.Errorf("mode after evaluation = %s, want auto", got)
	}
	if got := f.ctrl.RelayState(f.ctx, f.dev); got != RelayOff {
		t.Errorf("relay after evaluation = %s, want OFF", got)
	}
}

func TestUpdateThresholdsAlwaysPublishes(t *testing.T) {
	f := newFixture(t)
	u := &payload.ThresholdUpdate{PM1: ptr(50), PM25: ptr(75), PM4: ptr(100), PM10: ptr(150), TSP: ptr(200), AveragingWindow: 15}

	for i := 0; i < 2; i++ {
		f.clock.t = f.clock.t.Add(time.Second)
		if _, err := f.ctrl.UpdateThresholds(f.ctx, f.dev, u); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}

	f.pub.mu.Lock()
	defer f.pub.mu.Unlock()
	if len(f.pub.sent) != 2 {
		t.Fatalf("pushes = %d, want 2", len(f.pub.sent))
	}
	push := f.pub.sent[1].payload
	limits := push["thresholds"].(map[string]any)
	if limits["pm2.5"] != 75.0 || push["averaging_window"] != 15.0 || push["deviceid"] != "DT-7" {
		t.Errorf("push = %v", push)
	}
	if f.pub.sent[1].dataSourceID != f.dev.DataSourceID {
		t.Errorf("published to source %d", f.pub.sent[1].dataSourceID)
	}
}

func TestUpdateThresholdsPartialAndValidation(t *testing.T) {
	f := newFixture(t)

	got, err := f.ctrl.UpdateThresholds(f.ctx, f.dev, &payload.ThresholdUpdate{PM10: ptr(120)})
	if err != nil {
		t.Fatal(err)
	}
	if got.PM10 != 120 || got.PM1 != 50 || got.AveragingWindow != 15 {
		t.Errorf("merged = %+v", got)
	}

	tests := []struct {
		name string
		u    *payload.ThresholdUpdate
	}{
		{"negative", &payload.ThresholdUpdate{PM4: ptr(-1)}},
		{"window", &payload.ThresholdUpdate{AveragingWindow: 7}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.ctrl.UpdateThresholds(f.ctx, f.dev, tt.u); !errors.Is(err, ErrInvalidThresholds) {
				t.Errorf("err = %v, want ErrInvalidThresholds", err)
			}
		})
	}

	cur, _ := f.store.CurrentThresholds(f.ctx, f.dev.ID)
	if cur.PM10 != 120 {
		t.Errorf("current pm10 = %v, rejected update must not be stored", cur.PM10)
	}
}

func TestRecordReportedDoesNotPublish(t *testing.T) {
	f := newFixture(t)
	_, err := f.ctrl.RecordReported(f.ctx, f.dev, &payload.ThresholdUpdate{PM25: ptr(30), AveragingWindow: 30}, f.clock.t)
	if err != nil {
		t.Fatal(err)
	}
	if n := len(f.pub.sent); n != 0 {
		t.Errorf("published %d messages", n)
	}
	cur, _ := f.store.CurrentThresholds(f.ctx, f.dev.ID)
	if cur.PM25 != 30 || cur.AveragingWindow != 30 || cur.PM1 != 50 {
		t.Errorf("current = %+v", cur)
	}
}

func TestSetRelay(t *testing.T) {
	f := newFixture(t)
	var relayEvents []string
	f.bus.On(events.Relay, func(e events.Event) { relayEvents = append(relayEvents, e.Data["state"].(string)) })

	if err := f.ctrl.SetRelay(f.ctx, f.dev, RelayOn); err != nil {
		t.Fatal(err)
	}
	if got := f.ctrl.RelayState(f.ctx, f.dev); got != RelayOn {
		t.Errorf("relay = %s", got)
	}
	if cmds := f.pub.commands(); len(cmds) != 1 || cmds[0] != CommandOn {
		t.Errorf("commands = %v", cmds)
	}

	if err := f.ctrl.SetRelay(f.ctx, f.dev, "toggle"); !errors.Is(err, ErrInvalidRelayState) {
		t.Errorf("err = %v", err)
	}

	f.pub.err = errors.New("down")
	if err := f.ctrl.SetRelay(f.ctx, f.dev, RelayOff); err == nil {
		t.Error("expected publish error")
	}
	if got := f.ctrl.RelayState(f.ctx, f.dev); got != RelayOn {
		t.Errorf("relay after failed publish = %s", got)
	}
	if len(relayEvents) != 1 {
		t.Errorf("relay events = %v", relayEvents)
	}
}

func TestMeans(t *testing.T) {
	readings := []*store.Reading{
		{PM1: ptr(1), PM25: ptr(2)},
		{PM1: ptr(3)},
		{PM1: ptr(2), TSP: ptr(9)},
	}
	m := Means(readings)
	if math.Abs(*m[0]-2) > 1e-9 || *m[1] != 2 || *m[4] != 9 {
		t.Errorf("means = %v %v %v", *m[0], *m[1], *m[4])
	}
	if m[2] != nil || m[3] != nil {
		t.Error("fields without samples should be nil")
	}
}

func ptr(v float64) *float64 { return &v }
