// Package fleet tracks per-device health for the bridged device fleet.
// The table is shared by the discovery engine and the telemetry pusher;
// it is the single place where health transitions happen, so both loops
// report transitions identically.
package fleet

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Status is a device's health state.
type Status string

const (
	// StatusUnknown means the device has never completed a probe.
	StatusUnknown Status = "unknown"
	// StatusProbing means a discovery probe is in flight.
	StatusProbing Status = "probing"
	// StatusHealthy means the most recent probe or push succeeded.
	StatusHealthy Status = "healthy"
	// StatusUnhealthy means the most recent probe or push failed.
	StatusUnhealthy Status = "unhealthy"
)

// Health is a snapshot of one device's health record.
type Health struct {
	DeviceID            string
	Status              Status
	LastSuccessAt       time.Time
	LastAttemptAt       time.Time
	ConsecutiveFailures int
}

// TransitionSink receives health state transitions for persistence.
// Implemented by journal.Store; a nil sink disables persistence.
type TransitionSink interface {
	DeviceTransition(deviceID string, from, to Status, detail string)
}

// Table holds one health record per enabled device. All methods are
// safe for concurrent use; discovery and push mutate disjoint devices
// in practice but the lock makes races between a probe success and a
// push failure on the same device impossible.
type Table struct {
	mu      sync.Mutex
	records map[string]*Health
	sink    TransitionSink
	logger  *slog.Logger
}

// NewTable creates a health table with one StatusUnknown record per
// device ID. Records are never removed while the device stays enabled;
// reloading configuration replaces the whole table.
func NewTable(deviceIDs []string, sink TransitionSink, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	records := make(map[string]*Health, len(deviceIDs))
	for _, id := range deviceIDs {
		records[id] = &Health{DeviceID: id, Status: StatusUnknown}
	}
	return &Table{records: records, sink: sink, logger: logger}
}

// SetProbing marks a device as having a probe in flight.
func (t *Table) SetProbing(deviceID string) {
	t.transition(deviceID, StatusProbing, "discovery probe started", func(h *Health) {
		h.LastAttemptAt = time.Now()
	})
}

// MarkHealthy records a successful probe or push.
func (t *Table) MarkHealthy(deviceID, detail string) {
	t.transition(deviceID, StatusHealthy, detail, func(h *Health) {
		now := time.Now()
		h.LastAttemptAt = now
		h.LastSuccessAt = now
		h.ConsecutiveFailures = 0
	})
}

// MarkUnhealthy records a failed probe or push. The device is excluded
// from telemetry until a future discovery cycle succeeds.
func (t *Table) MarkUnhealthy(deviceID, detail string) {
	t.transition(deviceID, StatusUnhealthy, detail, func(h *Health) {
		h.LastAttemptAt = time.Now()
		h.ConsecutiveFailures++
	})
}

func (t *Table) transition(deviceID string, to Status, detail string, mutate func(*Health)) {
	t.mu.Lock()
	h, ok := t.records[deviceID]
	if !ok {
		t.mu.Unlock()
		t.logger.Warn("health transition for unknown device ignored",
			"device_id", deviceID, "to", to)
		return
	}
	from := h.Status
	h.Status = to
	mutate(h)
	failures := h.ConsecutiveFailures
	t.mu.Unlock()

	if from == to {
		return
	}

	t.logger.Info("device health changed",
		"device_id", deviceID,
		"from", string(from),
		"to", string(to),
		"consecutive_failures", failures,
		"detail", detail,
	)
	if t.sink != nil {
		t.sink.DeviceTransition(deviceID, from, to, detail)
	}
}

// Get returns the health record for a device.
func (t *Table) Get(deviceID string) (Health, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.records[deviceID]
	if !ok {
		return Health{}, false
	}
	return *h, true
}

// Snapshot returns a copy of every record, sorted by device ID.
func (t *Table) Snapshot() []Health {
	t.mu.Lock()
	out := make([]Health, 0, len(t.records))
	for _, h := range t.records {
		out = append(out, *h)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// NeedingProbe returns the IDs of devices the discovery engine should
// probe this cycle: everything not currently healthy. Healthy devices
// are skipped so probe cost is paid only for absent devices; a push
// failure re-enqueues them by marking them unhealthy.
func (t *Table) NeedingProbe() []string {
	return t.selectIDs(func(h *Health) bool {
		return h.Status != StatusHealthy
	})
}

// Healthy returns the IDs of devices eligible for telemetry push.
func (t *Table) Healthy() []string {
	return t.selectIDs(func(h *Health) bool {
		return h.Status == StatusHealthy
	})
}

func (t *Table) selectIDs(keep func(*Health) bool) []string {
	t.mu.Lock()
	var ids []string
	for id, h := range t.records {
		if keep(h) {
			ids = append(ids, id)
		}
	}
	t.mu.Unlock()

	sort.Strings(ids)
	return ids
}
