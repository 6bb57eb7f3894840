// Package telemetry pushes device state from Home Assistant to the
// cloud broker on a fixed cadence. One device failing to read or
// publish never blocks or delays the rest of the fleet: the failure is
// recorded in the health table and the cycle moves on.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/oakhollow/iotbridge/internal/cloud"
	"github.com/oakhollow/iotbridge/internal/config"
	"github.com/oakhollow/iotbridge/internal/fleet"
	"github.com/oakhollow/iotbridge/internal/homeassistant"
)

// PushInterval is the telemetry cadence. The report_interval option is
// accepted but does not change this; see DESIGN.md.
const PushInterval = 60 * time.Second

// readTimeout bounds a single entity read.
const readTimeout = 5 * time.Second

// StateReader reads a single entity state from the local source of
// truth. Satisfied by homeassistant.Client.
type StateReader interface {
	GetState(ctx context.Context, entityID string) (*homeassistant.State, error)
}

// EntitySource provides the discovered property → entity mapping for a
// device. Satisfied by discovery.Engine.
type EntitySource interface {
	EntityMap(deviceID string) (map[string]string, bool)
}

// Publisher sends payloads over the cloud session. Satisfied by
// cloud.Session.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// propertyPost is the uplink telemetry payload: a millisecond-epoch
// message ID and the property values read this cycle.
type propertyPost struct {
	ID     string         `json:"id"`
	Params map[string]any `json:"params"`
}

// PusherConfig configures the telemetry pusher.
type PusherConfig struct {
	Devices  []config.Triple
	Health   *fleet.Table
	Entities EntitySource
	States   StateReader
	Session  Publisher
	Topics   cloud.Topics
	Logger   *slog.Logger

	// now allows tests to control message IDs. Defaults to time.Now.
	Now func() time.Time
}

// Pusher runs the telemetry push loop.
type Pusher struct {
	cfg     PusherConfig
	devices map[string]config.Triple
}

// NewPusher creates a telemetry pusher.
func NewPusher(cfg PusherConfig) *Pusher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	devices := make(map[string]config.Triple, len(cfg.Devices))
	for _, d := range cfg.Devices {
		devices[d.DeviceID] = d
	}
	return &Pusher{cfg: cfg, devices: devices}
}

// Run executes push cycles every PushInterval until ctx is cancelled.
// Cycles never overlap: if a cycle overruns the interval, the next one
// starts immediately after it completes instead of queueing. It blocks.
func (p *Pusher) Run(ctx context.Context) {
	for {
		start := time.Now()
		p.Cycle(ctx)

		if ctx.Err() != nil {
			return
		}

		wait := PushInterval - time.Since(start)
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Cycle pushes telemetry for every healthy device, sequentially, so
// per-device publishes are strictly ordered and never overlap. A
// failure for one device marks it unhealthy and continues with the
// rest.
func (p *Pusher) Cycle(ctx context.Context) {
	ids := p.cfg.Health.Healthy()
	if len(ids) == 0 {
		p.cfg.Logger.Debug("push cycle skipped, no healthy devices")
		return
	}

	pushed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}

		device, ok := p.devices[id]
		if !ok {
			continue
		}

		if err := p.pushDevice(ctx, device); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.cfg.Health.MarkUnhealthy(id, err.Error())
			p.cfg.Logger.Warn("telemetry push failed, device excluded until rediscovered",
				"device_id", id, "error", err)
			continue
		}
		p.cfg.Health.MarkHealthy(id, "telemetry pushed")
		pushed++
	}

	p.cfg.Logger.Info("push cycle complete", "healthy", len(ids), "pushed", pushed)
}

// pushDevice reads the device's entities and publishes one property
// post. Individual entity read failures are tolerated; the push fails
// only when no entity yields a value or the publish itself fails.
func (p *Pusher) pushDevice(ctx context.Context, device config.Triple) error {
	entityMap, ok := p.cfg.Entities.EntityMap(device.DeviceID)
	if !ok {
		return fmt.Errorf("no discovered entities for device %s", device.DeviceID)
	}

	params := make(map[string]any, len(entityMap))
	for property, entityID := range entityMap {
		readCtx, cancel := context.WithTimeout(ctx, readTimeout)
		state, err := p.cfg.States.GetState(readCtx, entityID)
		cancel()
		if err != nil {
			p.cfg.Logger.Debug("entity read failed, skipped",
				"device_id", device.DeviceID, "entity_id", entityID, "error", err)
			continue
		}

		value, usable := homeassistant.ConvertValue(entityID, state.State)
		if !usable {
			continue
		}
		params[property] = value
	}

	if len(params) == 0 {
		return fmt.Errorf("no readable entity values for device %s", device.DeviceID)
	}

	payload, err := json.Marshal(propertyPost{
		ID:     strconv.FormatInt(p.cfg.Now().UnixMilli(), 10),
		Params: params,
	})
	if err != nil {
		return fmt.Errorf("marshal property post: %w", err)
	}

	topic := p.cfg.Topics.PropertyFor(device)
	if err := p.cfg.Session.Publish(ctx, topic, payload); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	p.cfg.Logger.Debug("telemetry pushed",
		"device_id", device.DeviceID, "properties", len(params), "topic", topic)
	return nil
}
