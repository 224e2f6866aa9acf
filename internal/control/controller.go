// Package control runs the per-device threshold state machine that drives
// relay commands and alerts.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"dustrak-core/internal/events"
	"dustrak-core/internal/metrics"
	"dustrak-core/internal/payload"
	"dustrak-core/internal/store"
)

// Control commands on the wire.
const (
	CommandOn  = "all_on"
	CommandOff = "all_off"
)

// Relay states as shown to viewers.
const (
	RelayOn  = "ON"
	RelayOff = "OFF"
	RelayNA  = "N/A"
)

// Relay modes recorded next to the relay state.
const (
	ModeAuto   = "auto"
	ModeManual = "manual"
)

// AlertThresholdExceeded is the type of alerts created by Evaluate.
const AlertThresholdExceeded = "threshold_exceeded"

const commandSource = "server"

// AllowedWindows are the averaging windows, in minutes, accepted by UpdateThresholds.
var AllowedWindows = []int{5, 10, 15, 30, 45, 60}

var (
	// ErrInvalidThresholds is returned for negative limits or an unsupported window.
	ErrInvalidThresholds = errors.New("invalid thresholds")

	// ErrNoActuator is returned for relay operations on a device without a relay.
	ErrNoActuator = errors.New("device has no actuator")

	// ErrInvalidRelayState is returned by SetRelay for states other than ON and OFF.
	ErrInvalidRelayState = errors.New("invalid relay state")
)

// State of a device's control loop.
type State int

const (
	Normal State = iota
	Triggered
)

func (s State) String() string {
	if s == Triggered {
		return "TRIGGERED"
	}
	return "NORMAL"
}

// Publisher delivers a control payload on a data source's control topic.
type Publisher interface {
	Publish(dataSourceID int64, payload []byte) error
}

// Store is the persistence the controller needs.
type Store interface {
	CurrentThresholds(ctx context.Context, deviceID int64) (*store.ThresholdSet, error)
	InsertThresholds(ctx context.Context, t *store.ThresholdSet) error
	ReadingsSince(ctx context.Context, deviceID int64, since time.Time) ([]*store.Reading, error)
	InsertAlert(ctx context.Context, a *store.Alert) error
	MergeStatus(ctx context.Context, deviceID int64, status map[string]any) error
	GetStatus(ctx context.Context, deviceID int64) (map[string]any, error)
}

// Command is the relay command published to a device.
type Command struct {
	Command   string `json:"command"`
	Source    string `json:"source"`
	Timestamp string `json:"timestamp"`
	DeviceID  string `json:"deviceid"`
}

// ThresholdPush carries a new threshold version to a device.
type ThresholdPush struct {
	Thresholds      ThresholdLimits `json:"thresholds"`
	AveragingWindow int             `json:"averaging_window"`
	Timestamp       string          `json:"timestamp"`
	DeviceID        string          `json:"deviceid"`
}

// ThresholdLimits uses the device firmware's key names.
type ThresholdLimits struct {
	PM1  float64 `json:"pm1"`
	PM25 float64 `json:"pm2.5"`
	PM4  float64 `json:"pm4"`
	PM10 float64 `json:"pm10"`
	TSP  float64 `json:"tsp"`
}

// Evaluation is the outcome of one Evaluate call.
type Evaluation struct {
	DeviceID   int64
	Previous   State
	State      State
	Means      [5]*float64 // in store.PMFields order; nil when the window has no samples
	Thresholds *store.ThresholdSet
	Exceeded   string       // first exceeded field, empty when none
	Alert      *store.Alert // set only on NORMAL -> TRIGGERED
	Command    string
	PublishErr error
}

type deviceState struct {
	mu    sync.Mutex
	state State
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces the wall clock used for the averaging window.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller evaluates actuator devices after each persisted reading.
// Evaluations of one device are serialized; different devices run in parallel.
type Controller struct {
	store   Store
	pub     Publisher
	bus     *events.Bus
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	devices map[int64]*deviceState
}

// New creates a controller. bus and m may be nil.
func New(st Store, pub Publisher, bus *events.Bus, m *metrics.Metrics, logger *slog.Logger, opts ...Option) *Controller {
	c := &Controller{
		store:   st,
		pub:     pub,
		bus:     bus,
		metrics: m,
		logger:  logger.With("component", "control"),
		now:     time.Now,
		devices: make(map[int64]*deviceState),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) device(id int64) *deviceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	ds, ok := c.devices[id]
	if !ok {
		ds = &deviceState{}
		c.devices[id] = ds
	}
	return ds
}

// State returns the last evaluated state of a device.
func (c *Controller) State(deviceID int64) State {
	ds := c.device(deviceID)
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.state
}

// Forget drops the in-memory state of a deleted device.
func (c *Controller) Forget(deviceID int64) {
	c.mu.Lock()
	delete(c.devices, deviceID)
	c.mu.Unlock()
}

// Means averages each PM field over readings, skipping nulls. A field without
// samples is nil.
func Means(readings []*store.Reading) [5]*float64 {
	var sums [5]float64
	var counts [5]int
	for _, r := range readings {
		for i, v := range r.Values() {
			if v != nil {
				sums[i] += *v
				counts[i]++
			}
		}
	}
	var means [5]*float64
	for i := range means {
		if counts[i] > 0 {
			m := sums[i] / float64(counts[i])
			means[i] = &m
		}
	}
	return means
}

// firstExceeded returns the index of the first mean strictly above its limit, or -1.
func firstExceeded(means [5]*float64, limits [5]float64) int {
	for i, m := range means {
		if m != nil && *m > limits[i] {
			return i
		}
	}
	return -1
}

// Evaluate recomputes the window means for dev, advances its state machine and
// re-asserts the relay command. A store error abandons the evaluation; a
// publish error is logged and reported in the result.
func (c *Controller) Evaluate(ctx context.Context, dev *store.Device) (*Evaluation, error) {
	if !dev.HasActuator {
		return nil, fmt.Errorf("device %d: %w", dev.ID, ErrNoActuator)
	}
	ds := c.device(dev.ID)
	ds.mu.Lock()
	defer ds.mu.Unlock()

	now := c.now().UTC()
	th, err := c.store.CurrentThresholds(ctx, dev.ID)
	if err != nil {
		return nil, fmt.Errorf("load thresholds: %w", err)
	}
	window := th.AveragingWindow
	if window <= 0 {
		window = payload.DefaultAveragingWindow
	}
	readings, err := c.store.ReadingsSince(ctx, dev.ID, now.Add(-time.Duration(window)*time.Minute))
	if err != nil {
		return nil, fmt.Errorf("load window: %w", err)
	}

	ev := &Evaluation{
		DeviceID:   dev.ID,
		Previous:   ds.state,
		State:      Normal,
		Means:      Means(readings),
		Thresholds: th,
		Command:    CommandOff,
	}
	limits := th.Limits()
	if i := firstExceeded(ev.Means, limits); i >= 0 {
		ev.State = Triggered
		ev.Exceeded = store.PMFields[i]
		ev.Command = CommandOn
	}

	if ev.Previous == Normal && ev.State == Triggered {
		i := slices.Index(store.PMFields[:], ev.Exceeded)
		limit, measured := limits[i], *ev.Means[i]
		alert := &store.Alert{
			DeviceID:       dev.ID,
			Type:           AlertThresholdExceeded,
			Field:          ev.Exceeded,
			Message:        fmt.Sprintf("%s average %.2f exceeds limit %.2f over %d min", ev.Exceeded, measured, limit, window),
			ThresholdValue: &limit,
			MeasuredValue:  &measured,
			CreatedAt:      now,
		}
		if err := c.store.InsertAlert(ctx, alert); err != nil {
			return nil, fmt.Errorf("insert alert: %w", err)
		}
		ev.Alert = alert
		c.metrics.Alert()
		c.logger.Warn("threshold exceeded", "device", dev.ID, "field", alert.Field, "measured", measured, "limit", limit)
		c.emit(events.Alert, dev, map[string]any{
			"field":     alert.Field,
			"measured":  measured,
			"threshold": limit,
			"message":   alert.Message,
		})
	} else if ev.Previous == Triggered && ev.State == Normal {
		c.logger.Info("thresholds back to normal", "device", dev.ID)
	}
	ds.state = ev.State

	ev.PublishErr = c.publishCommand(dev, ev.Command, now)
	if ev.PublishErr != nil {
		// The device never saw the command; its recorded relay state stands.
		c.logger.Warn("relay command not delivered", "device", dev.ID, "command", ev.Command, "err", ev.PublishErr)
		return ev, nil
	}
	if err := c.recordRelay(ctx, dev, relayFor(ev.Command), ModeAuto); err != nil {
		return ev, err
	}
	return ev, nil
}

func relayFor(command string) string {
	if command == CommandOn {
		return RelayOn
	}
	return RelayOff
}

// recordRelay writes a delivered relay state and its mode to the status
// projection. The projection is read back first because status messages from
// the device merge into it too; a relay event is emitted only on change.
// Caller holds the device lock.
func (c *Controller) recordRelay(ctx context.Context, dev *store.Device, relay, mode string) error {
	status, err := c.store.GetStatus(ctx, dev.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("read status: %w", err)
	}
	changed := status["relay_state"] != relay || status["relay_mode"] != mode
	if err := c.store.MergeStatus(ctx, dev.ID, map[string]any{"relay_state": relay, "relay_mode": mode}); err != nil {
		return fmt.Errorf("record relay state: %w", err)
	}
	if changed {
		c.emit(events.Relay, dev, map[string]any{"state": relay, "mode": mode})
	}
	return nil
}

func (c *Controller) publishCommand(dev *store.Device, command string, now time.Time) error {
	data, err := json.Marshal(Command{
		Command:   command,
		Source:    commandSource,
		Timestamp: now.Format(time.RFC3339Nano),
		DeviceID:  dev.ExternalID,
	})
	if err != nil {
		return err
	}
	if err := c.pub.Publish(dev.DataSourceID, data); err != nil {
		return err
	}
	c.metrics.Command(command)
	return nil
}

// ValidateThresholds checks limits and window as accepted from operators.
func ValidateThresholds(t *store.ThresholdSet) error {
	for i, v := range t.Limits() {
		if v < 0 {
			return fmt.Errorf("%s must not be negative: %w", store.PMFields[i], ErrInvalidThresholds)
		}
	}
	if !slices.Contains(AllowedWindows, t.AveragingWindow) {
		return fmt.Errorf("averaging window must be one of %v minutes: %w", AllowedWindows, ErrInvalidThresholds)
	}
	return nil
}

// UpdateThresholds stores a new threshold version built from u over the
// current one and pushes it to the device. Identical values still produce a
// new version and a new push. The returned error is non-nil only when the
// version was not stored.
func (c *Controller) UpdateThresholds(ctx context.Context, dev *store.Device, u *payload.ThresholdUpdate) (*store.ThresholdSet, error) {
	ds := c.device(dev.ID)
	ds.mu.Lock()
	defer ds.mu.Unlock()

	cur, err := c.store.CurrentThresholds(ctx, dev.ID)
	if err != nil {
		return nil, fmt.Errorf("load thresholds: %w", err)
	}
	upd := *u
	if upd.AveragingWindow == 0 {
		upd.AveragingWindow = payload.DefaultAveragingWindow
	}
	now := c.now().UTC()
	next := upd.Apply(cur, now)
	if err := ValidateThresholds(next); err != nil {
		return nil, err
	}
	if err := c.store.InsertThresholds(ctx, next); err != nil {
		return nil, fmt.Errorf("insert thresholds: %w", err)
	}
	c.logger.Info("thresholds updated", "device", dev.ID, "window", next.AveragingWindow)
	c.emit(events.Thresholds, dev, thresholdData(next, "operator"))

	if err := c.pushThresholds(dev, next, now); err != nil {
		c.logger.Warn("threshold push not delivered", "device", dev.ID, "err", err)
	}
	return next, nil
}

// RecordReported stores thresholds a device reported on its status topic.
// Nothing is published back since the device is the origin.
func (c *Controller) RecordReported(ctx context.Context, dev *store.Device, u *payload.ThresholdUpdate, ts time.Time) (*store.ThresholdSet, error) {
	ds := c.device(dev.ID)
	ds.mu.Lock()
	defer ds.mu.Unlock()

	cur, err := c.store.CurrentThresholds(ctx, dev.ID)
	if err != nil {
		return nil, fmt.Errorf("load thresholds: %w", err)
	}
	next := u.Apply(cur, ts)
	if err := c.store.InsertThresholds(ctx, next); err != nil {
		return nil, fmt.Errorf("insert thresholds: %w", err)
	}
	c.emit(events.Thresholds, dev, thresholdData(next, "device"))
	return next, nil
}

func (c *Controller) pushThresholds(dev *store.Device, t *store.ThresholdSet, now time.Time) error {
	data, err := json.Marshal(ThresholdPush{
		Thresholds: ThresholdLimits{
			PM1:  t.PM1,
			PM25: t.PM25,
			PM4:  t.PM4,
			PM10: t.PM10,
			TSP:  t.TSP,
		},
		AveragingWindow: t.AveragingWindow,
		Timestamp:       now.Format(time.RFC3339Nano),
		DeviceID:        dev.ExternalID,
	})
	if err != nil {
		return err
	}
	if err := c.pub.Publish(dev.DataSourceID, data); err != nil {
		return err
	}
	c.metrics.Command("thresholds")
	return nil
}

func thresholdData(t *store.ThresholdSet, origin string) map[string]any {
	return map[string]any{
		"pm1":              t.PM1,
		"pm2_5":            t.PM25,
		"pm4":              t.PM4,
		"pm10":             t.PM10,
		"tsp":              t.TSP,
		"averaging_window": t.AveragingWindow,
		"origin":           origin,
	}
}

// SetRelay switches the relay by hand. The next evaluation re-asserts the
// automatic state.
func (c *Controller) SetRelay(ctx context.Context, dev *store.Device, state string) error {
	if !dev.HasActuator {
		return fmt.Errorf("device %d: %w", dev.ID, ErrNoActuator)
	}
	command := CommandOff
	switch state {
	case RelayOn:
		command = CommandOn
	case RelayOff:
	default:
		return fmt.Errorf("%q: %w", state, ErrInvalidRelayState)
	}

	ds := c.device(dev.ID)
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if err := c.publishCommand(dev, command, c.now().UTC()); err != nil {
		return fmt.Errorf("publish %s: %w", command, err)
	}
	c.logger.Info("relay set manually", "device", dev.ID, "state", state)
	return c.recordRelay(ctx, dev, state, ModeManual)
}

// RelayState returns the relay state shown to viewers: N/A for devices without
// an actuator, otherwise the recorded state or OFF.
func (c *Controller) RelayState(ctx context.Context, dev *store.Device) string {
	if !dev.HasActuator {
		return RelayNA
	}
	status, err := c.store.GetStatus(ctx, dev.ID)
	if err != nil {
		return RelayOff
	}
	if s, ok := status["relay_state"].(string); ok && (s == RelayOn || s == RelayOff) {
		return s
	}
	return RelayOff
}

// RelayMode reports whether the recorded relay state came from the control
// loop or an operator.
func (c *Controller) RelayMode(ctx context.Context, dev *store.Device) string {
	status, err := c.store.GetStatus(ctx, dev.ID)
	if err != nil {
		return ModeAuto
	}
	if m, ok := status["relay_mode"].(string); ok && m == ModeManual {
		return ModeManual
	}
	return ModeAuto
}

func (c *Controller) emit(eventType string, dev *store.Device, data map[string]any) {
	if c.bus == nil {
		return
	}
	data["device_id"] = dev.ID
	data["external_id"] = dev.ExternalID
	c.bus.Emit(eventType, data)
}
