package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dustrak-core/internal/store"
)

// HistoryWindow is the span of readings included in a view.
const HistoryWindow = 15 * time.Minute

// Source is the store read side used to build views.
type Source interface {
	ReadingsSince(ctx context.Context, deviceID int64, since time.Time) ([]*store.Reading, error)
	LatestReading(ctx context.Context, deviceID int64) (*store.Reading, error)
	LatestExtendedReading(ctx context.Context, deviceID int64) (*store.ExtendedReading, error)
	CurrentThresholds(ctx context.Context, deviceID int64) (*store.ThresholdSet, error)
}

// RelayReader reports the relay state shown for a device and whether an
// operator or the control loop set it.
type RelayReader interface {
	RelayState(ctx context.Context, dev *store.Device) string
	RelayMode(ctx context.Context, dev *store.Device) string
}

// View is the live model of one device.
type View struct {
	DeviceID int64                  `json:"device_id"`
	Sensor   *Sensor                `json:"sensor,omitempty"`
	History  History                `json:"history"`
	Status   Status                 `json:"status"`
	Extended *store.ExtendedReading `json:"extended,omitempty"`
}

// Sensor is the latest reading plus the averages over HistoryWindow.
type Sensor struct {
	Timestamp time.Time `json:"timestamp"`
	PM1       *float64  `json:"pm1"`
	PM25      *float64  `json:"pm2_5"`
	PM4       *float64  `json:"pm4"`
	PM10      *float64  `json:"pm10"`
	TSP       *float64  `json:"tsp"`
	AvgPM1    float64   `json:"avg_pm1"`
	AvgPM25   float64   `json:"avg_pm2_5"`
	AvgPM4    float64   `json:"avg_pm4"`
	AvgPM10   float64   `json:"avg_pm10"`
	AvgTSP    float64   `json:"avg_tsp"`
}

// History holds the readings of HistoryWindow, oldest first. Missing values are 0.
type History struct {
	Timestamps []time.Time `json:"timestamps"`
	PM1        []float64   `json:"pm1"`
	PM25       []float64   `json:"pm2_5"`
	PM4        []float64   `json:"pm4"`
	PM10       []float64   `json:"pm10"`
	TSP        []float64   `json:"tsp"`
}

// Status is the control block of a view.
type Status struct {
	System     string          `json:"system"`
	Mode       string          `json:"mode"`
	RelayState string          `json:"relay_state"`
	Thresholds ThresholdStatus `json:"thresholds"`
}

type ThresholdStatus struct {
	PM1             float64 `json:"pm1"`
	PM25            float64 `json:"pm2.5"`
	PM4             float64 `json:"pm4"`
	PM10            float64 `json:"pm10"`
	TSP             float64 `json:"tsp"`
	AveragingWindow int     `json:"averaging_window"`
}

// Composer builds views from the store.
type Composer struct {
	store  Source
	relay  RelayReader
	logger *slog.Logger
	now    func() time.Time
}

// NewComposer creates a composer. now may be nil for the wall clock.
func NewComposer(st Source, relay RelayReader, logger *slog.Logger, now func() time.Time) *Composer {
	if now == nil {
		now = time.Now
	}
	return &Composer{store: st, relay: relay, logger: logger.With("component", "fanout"), now: now}
}

// Compose returns the current view of dev.
func (c *Composer) Compose(ctx context.Context, dev *store.Device) (*View, error) {
	v := &View{
		DeviceID: dev.ID,
		History: History{
			Timestamps: []time.Time{},
			PM1:        []float64{},
			PM25:       []float64{},
			PM4:        []float64{},
			PM10:       []float64{},
			TSP:        []float64{},
		},
	}

	readings, err := c.store.ReadingsSince(ctx, dev.ID, c.now().UTC().Add(-HistoryWindow))
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	var sums [5]float64
	var counts [5]int
	for _, r := range readings {
		v.History.Timestamps = append(v.History.Timestamps, r.Timestamp)
		vals := r.Values()
		cols := [5]*[]float64{&v.History.PM1, &v.History.PM25, &v.History.PM4, &v.History.PM10, &v.History.TSP}
		for i, p := range vals {
			val := 0.0
			if p != nil {
				val = *p
				sums[i] += val
				counts[i]++
			}
			*cols[i] = append(*cols[i], val)
		}
	}

	latest, err := c.store.LatestReading(ctx, dev.ID)
	switch {
	case err == nil:
		var avg [5]float64
		for i := range avg {
			if counts[i] > 0 {
				avg[i] = sums[i] / float64(counts[i])
			}
		}
		v.Sensor = &Sensor{
			Timestamp: latest.Timestamp,
			PM1:       latest.PM1,
			PM25:      latest.PM25,
			PM4:       latest.PM4,
			PM10:      latest.PM10,
			TSP:       latest.TSP,
			AvgPM1:    avg[0],
			AvgPM25:   avg[1],
			AvgPM4:    avg[2],
			AvgPM10:   avg[3],
			AvgTSP:    avg[4],
		}
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("load latest reading: %w", err)
	}

	th, err := c.store.CurrentThresholds(ctx, dev.ID)
	if err != nil {
		return nil, fmt.Errorf("load thresholds: %w", err)
	}
	v.Status = Status{
		System:     "operational",
		Mode:       c.relay.RelayMode(ctx, dev),
		RelayState: c.relay.RelayState(ctx, dev),
		Thresholds: ThresholdStatus{
			PM1:             th.PM1,
			PM25:            th.PM25,
			PM4:             th.PM4,
			PM10:            th.PM10,
			TSP:             th.TSP,
			AveragingWindow: th.AveragingWindow,
		},
	}

	ext, err := c.store.LatestExtendedReading(ctx, dev.ID)
	switch {
	case err == nil:
		v.Extended = ext
	case !errors.Is(err, store.ErrNotFound):
		c.logger.Warn("extended reading unavailable", "device", dev.ID, "err", err)
	}
	return v, nil
}

// Broadcaster composes a device's view and emits it to the device's room.
type Broadcaster struct {
	composer *Composer
	hub      *Hub
}

func NewBroadcaster(c *Composer, h *Hub) *Broadcaster {
	return &Broadcaster{composer: c, hub: h}
}

// Notify emits the current view of dev as a new_data event.
func (b *Broadcaster) Notify(ctx context.Context, dev *store.Device) error {
	v, err := b.composer.Compose(ctx, dev)
	if err != nil {
		return err
	}
	b.hub.Emit(RoomOf(dev), EventNewData, v)
	return nil
}
