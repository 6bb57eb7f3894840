// Package discovery probes configured devices against Home Assistant
// to determine reachability. Devices that probe successfully get an
// entity map (cloud property → HA entity) that the telemetry pusher
// reads; devices that fail stay excluded from telemetry and are
// re-probed on the next cycle.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oakhollow/iotbridge/internal/config"
	"github.com/oakhollow/iotbridge/internal/fleet"
	"github.com/oakhollow/iotbridge/internal/homeassistant"
	"github.com/oakhollow/iotbridge/internal/retry"
)

// StatesSource lists all current HA entity states. Satisfied by
// homeassistant.Client; tests substitute a fake.
type StatesSource interface {
	GetStates(ctx context.Context) ([]homeassistant.State, error)
}

// EngineConfig configures the discovery engine.
type EngineConfig struct {
	// States is the local source of truth for entity existence.
	States StatesSource

	// Devices is the enabled device set from the credential store.
	Devices []config.Triple

	// Health is the shared device health table.
	Health *fleet.Table

	// Interval is the discovery retry cadence (documented default 300s).
	Interval time.Duration

	// LoadRetry bounds the retries when fetching the entity list.
	LoadRetry retry.Policy

	// SupportedProperties limits which mapped properties count toward a
	// probe. Empty means DefaultSupportedProperties.
	SupportedProperties []string

	Logger *slog.Logger
}

// Engine runs the periodic discovery loop and owns the per-device
// entity maps.
type Engine struct {
	cfg       EngineConfig
	devices   map[string]config.Triple
	supported map[string]bool

	mu         sync.Mutex
	entityMaps map[string]map[string]string // device_id → property → entity_id
}

// NewEngine creates a discovery engine.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Duration(config.DefaultDiscoveryRetryIntervalSec) * time.Second
	}

	props := cfg.SupportedProperties
	if len(props) == 0 {
		props = DefaultSupportedProperties
	}
	supported := make(map[string]bool, len(props))
	for _, p := range props {
		supported[p] = true
	}

	devices := make(map[string]config.Triple, len(cfg.Devices))
	for _, d := range cfg.Devices {
		devices[d.DeviceID] = d
	}

	return &Engine{
		cfg:        cfg,
		devices:    devices,
		supported:  supported,
		entityMaps: make(map[string]map[string]string),
	}
}

// Run executes discovery cycles until ctx is cancelled. The first
// cycle runs immediately so the fleet leaves the unknown state without
// waiting a full interval. It blocks.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	e.Cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Cycle(ctx)
		}
	}
}

// Cycle probes every device currently unknown or unhealthy. Healthy
// devices are skipped; push-failure feedback re-enqueues them. After a
// completed cycle no probed device remains unknown.
func (e *Engine) Cycle(ctx context.Context) {
	ids := e.cfg.Health.NeedingProbe()
	if len(ids) == 0 {
		e.cfg.Logger.Debug("discovery cycle skipped, fleet healthy")
		return
	}

	states, err := e.loadStates(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		// The local source of truth is unreachable, so every probe this
		// cycle fails. Each device still gets a definite verdict.
		e.cfg.Logger.Warn("entity list unavailable, probes fail this cycle", "error", err)
		for _, id := range ids {
			e.cfg.Health.SetProbing(id)
			e.cfg.Health.MarkUnhealthy(id, fmt.Sprintf("entity list unavailable: %v", err))
		}
		return
	}

	recovered := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		device, ok := e.devices[id]
		if !ok {
			continue
		}
		if e.probe(device, states) {
			recovered++
		}
	}

	e.cfg.Logger.Info("discovery cycle complete",
		"probed", len(ids), "healthy", recovered, "entities", len(states))
}

// probe matches the entity list against one device's prefix. Success
// requires at least one supported property mapped to an entity that is
// currently reporting a usable state.
func (e *Engine) probe(device config.Triple, states []homeassistant.State) bool {
	e.cfg.Health.SetProbing(device.DeviceID)

	entityMap := make(map[string]string)
	fresh := 0
	for _, s := range states {
		feature, ok := featureOf(s.EntityID, device.EntityPrefix)
		if !ok {
			continue
		}
		property, ok := matchProperty(feature)
		if !ok || !e.supported[property] {
			continue
		}
		entityMap[property] = s.EntityID
		if _, usable := homeassistant.ConvertValue(s.EntityID, s.State); usable {
			fresh++
		}
	}

	if len(entityMap) == 0 {
		e.cfg.Health.MarkUnhealthy(device.DeviceID, "no entities matched prefix "+device.EntityPrefix)
		return false
	}
	if fresh == 0 {
		e.cfg.Health.MarkUnhealthy(device.DeviceID,
			fmt.Sprintf("%d entities matched but none report a usable state", len(entityMap)))
		return false
	}

	e.mu.Lock()
	e.entityMaps[device.DeviceID] = entityMap
	e.mu.Unlock()

	e.cfg.Health.MarkHealthy(device.DeviceID,
		fmt.Sprintf("discovered %d entities (%d reporting)", len(entityMap), fresh))
	return true
}

// EntityMap returns a copy of the device's discovered property → entity
// mapping. ok is false when the device has never probed successfully.
func (e *Engine) EntityMap(deviceID string) (map[string]string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, ok := e.entityMaps[deviceID]
	if !ok {
		return nil, false
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out, true
}

func (e *Engine) loadStates(ctx context.Context) ([]homeassistant.State, error) {
	var states []homeassistant.State
	err := retry.Do(ctx, e.cfg.LoadRetry, func(ctx context.Context) error {
		loadCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		var err error
		states, err = e.cfg.States.GetStates(loadCtx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return states, nil
}
