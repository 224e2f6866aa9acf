// Package ingest routes decoded broker messages to persistence, control and
// fan-out.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"dustrak-core/internal/control"
	"dustrak-core/internal/events"
	"dustrak-core/internal/metrics"
	"dustrak-core/internal/payload"
	"dustrak-core/internal/store"
)

// Drop reasons, also used as metric labels.
const (
	DropUnknownTopic = "unknown_topic"
	DropProtocol     = "protocol_violation"
	DropUnregistered = "unregistered_device"
	DropStore        = "store_error"
)

// Store is the persistence the router writes to.
type Store interface {
	ResolveDevice(ctx context.Context, externalID string, dataSourceID int64) (*store.Device, error)
	InsertReading(ctx context.Context, r *store.Reading) error
	InsertExtendedReading(ctx context.Context, ext *store.ExtendedReading, mirror *store.Reading) error
	MergeStatus(ctx context.Context, deviceID int64, status map[string]any) error
}

// Controller is the threshold loop run after persistence.
type Controller interface {
	Evaluate(ctx context.Context, dev *store.Device) (*control.Evaluation, error)
	RecordReported(ctx context.Context, dev *store.Device, u *payload.ThresholdUpdate, ts time.Time) (*store.ThresholdSet, error)
}

// Notifier pushes a device's view to its viewers.
type Notifier interface {
	Notify(ctx context.Context, dev *store.Device) error
}

// Router handles every inbound message of every broker connection. Calls for
// one connection arrive sequentially; calls for different connections run in
// parallel.
type Router struct {
	store   Store
	ctrl    Controller
	notify  Notifier
	bus     *events.Bus
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
}

// Option configures a Router.
type Option func(*Router)

// WithClock sets the receive-time clock used for timestamp fallback.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// NewRouter creates a router. notify, bus and m may be nil.
func NewRouter(st Store, ctrl Controller, notify Notifier, bus *events.Bus, m *metrics.Metrics, logger *slog.Logger, opts ...Option) *Router {
	r := &Router{
		store:    st,
		ctrl:     ctrl,
		notify:   notify,
		bus:      bus,
		metrics:  m,
		logger:   logger.With("component", "ingest"),
		now:      time.Now,
		limiters: make(map[int64]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// sampled reports whether a repetitive log line for a data source may be written.
func (r *Router) sampled(dataSourceID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[dataSourceID]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Second), 10)
		r.limiters[dataSourceID] = l
	}
	return l.Allow()
}

// Handle implements broker.Handler. Failures are confined to the message.
func (r *Router) Handle(ctx context.Context, dataSourceID int64, topic string, raw []byte) {
	err := r.route(ctx, dataSourceID, topic, raw)
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, payload.ErrUnknownTopic):
		r.metrics.Dropped(DropUnknownTopic)
		r.logger.Debug("message on unhandled topic", "source", dataSourceID, "topic", topic)
	case errors.Is(err, payload.ErrProtocolViolation):
		r.metrics.Dropped(DropProtocol)
		if r.sampled(dataSourceID) {
			r.logger.Warn("protocol violation", "source", dataSourceID, "topic", topic, "err", err)
		}
	case errors.Is(err, store.ErrNotFound):
		r.metrics.Dropped(DropUnregistered)
		if r.sampled(dataSourceID) {
			r.logger.Info("dropping message from unregistered device", "source", dataSourceID, "err", err)
		}
	default:
		r.metrics.Dropped(DropStore)
		r.logger.Error("message abandoned", "source", dataSourceID, "topic", topic, "err", err)
	}
}

func (r *Router) route(ctx context.Context, dataSourceID int64, topic string, raw []byte) error {
	msg, err := payload.Decode(topic, raw, r.now().UTC())
	if err != nil {
		return err
	}
	r.metrics.Decoded(string(msg.Format()))

	hdr := msg.Header()
	if hdr.TimestampFallback && r.sampled(dataSourceID) {
		r.logger.Warn("unparseable timestamp, using receive time", "source", dataSourceID, "device", hdr.DeviceID, "timestamp", hdr.RawTimestamp)
	}

	dev, err := r.store.ResolveDevice(ctx, hdr.DeviceID, dataSourceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return err
		}
		r.metrics.StoreError("resolve")
		return fmt.Errorf("resolve device %q: %w", hdr.DeviceID, err)
	}

	switch m := msg.(type) {
	case *payload.Compact:
		return r.persistExtended(ctx, dev, &m.Extended, msg.Format())
	case *payload.LegacyExtended:
		return r.persistExtended(ctx, dev, &m.Extended, msg.Format())
	case *payload.LegacySimple:
		return r.persistReading(ctx, dev, &m.Reading, msg.Format())
	case *payload.Status:
		return r.applyStatus(ctx, dev, m)
	default:
		return fmt.Errorf("unhandled message type %T", msg)
	}
}

func (r *Router) persistExtended(ctx context.Context, dev *store.Device, ext *store.ExtendedReading, format payload.Format) error {
	ext.DeviceID = dev.ID
	mirror := ext.Reading()
	if err := r.store.InsertExtendedReading(ctx, ext, mirror); err != nil {
		r.metrics.StoreError("insert_extended")
		return fmt.Errorf("persist extended reading: %w", err)
	}
	r.afterPersist(ctx, dev, mirror, format)
	return nil
}

func (r *Router) persistReading(ctx context.Context, dev *store.Device, rd *store.Reading, format payload.Format) error {
	rd.DeviceID = dev.ID
	if err := r.store.InsertReading(ctx, rd); err != nil {
		r.metrics.StoreError("insert_reading")
		return fmt.Errorf("persist reading: %w", err)
	}
	r.afterPersist(ctx, dev, rd, format)
	return nil
}

// afterPersist runs the control loop and the fan-out for a stored reading.
func (r *Router) afterPersist(ctx context.Context, dev *store.Device, rd *store.Reading, format payload.Format) {
	r.logger.Debug("reading stored", "device", dev.ID, "format", format)
	if r.bus != nil {
		data := map[string]any{
			"device_id":   dev.ID,
			"external_id": dev.ExternalID,
			"format":      string(format),
			"timestamp":   rd.Timestamp,
		}
		for i, v := range rd.Values() {
			if v != nil {
				data[store.PMFields[i]] = *v
			}
		}
		r.bus.Emit(events.Reading, data)
	}

	if dev.HasActuator {
		if _, err := r.ctrl.Evaluate(ctx, dev); err != nil {
			r.metrics.StoreError("evaluate")
			r.logger.Error("threshold evaluation failed", "device", dev.ID, "err", err)
		}
	}
	r.fanout(ctx, dev)
}

func (r *Router) applyStatus(ctx context.Context, dev *store.Device, m *payload.Status) error {
	if err := r.store.MergeStatus(ctx, dev.ID, m.Fields); err != nil {
		r.metrics.StoreError("merge_status")
		return fmt.Errorf("merge status: %w", err)
	}
	if r.bus != nil {
		r.bus.Emit(events.Status, map[string]any{
			"device_id":   dev.ID,
			"external_id": dev.ExternalID,
			"status":      m.Fields,
		})
	}
	if m.Thresholds == nil {
		return nil
	}
	if _, err := r.ctrl.RecordReported(ctx, dev, m.Thresholds, m.Hdr.Timestamp); err != nil {
		r.metrics.StoreError("insert_thresholds")
		return fmt.Errorf("record reported thresholds: %w", err)
	}
	r.fanout(ctx, dev)
	return nil
}

func (r *Router) fanout(ctx context.Context, dev *store.Device) {
	if r.notify == nil {
		return
	}
	if err := r.notify.Notify(ctx, dev); err != nil {
		r.logger.Error("fan-out failed", "device", dev.ID, "err", err)
	}
}
