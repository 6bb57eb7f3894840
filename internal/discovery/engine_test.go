package discovery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/oakhollow/iotbridge/internal/config"
	"github.com/oakhollow/iotbridge/internal/fleet"
	"github.com/oakhollow/iotbridge/internal/homeassistant"
	"github.com/oakhollow/iotbridge/internal/retry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStates struct {
	states []homeassistant.State
	err    error
	calls  int
}

func (f *fakeStates) GetStates(ctx context.Context) ([]homeassistant.State, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.states, nil
}

func device(id, prefix string) config.Triple {
	return config.Triple{
		DeviceID:     id,
		ProductKey:   "pk",
		DeviceName:   "dn-" + id,
		EntityPrefix: prefix,
		Enabled:      true,
	}
}

func newTestEngine(devices []config.Triple, states *fakeStates) (*Engine, *fleet.Table) {
	ids := make([]string, len(devices))
	for i, d := range devices {
		ids[i] = d.DeviceID
	}
	health := fleet.NewTable(ids, nil, discardLogger())
	engine := NewEngine(EngineConfig{
		States:    states,
		Devices:   devices,
		Health:    health,
		Interval:  time.Hour,
		LoadRetry: retry.Fixed(1, 0),
		Logger:    discardLogger(),
	})
	return engine, health
}

// Three devices: one fully present, one with entities that all report
// unavailable, one with no matching entities at all. After one cycle
// each has a definite verdict and only the present one is pushed.
func TestCycle_MixedFleet(t *testing.T) {
	states := &fakeStates{states: []homeassistant.State{
		{EntityID: "switch.socket_a_on_p_2_1", State: "on"},
		{EntityID: "sensor.socket_a_voltage_p_3_2", State: "229.5"},
		{EntityID: "switch.socket_b_on_p_2_1", State: "unavailable"},
		{EntityID: "sensor.socket_b_voltage_p_3_2", State: "unknown"},
	}}
	devices := []config.Triple{
		device("present", "socket_a"),
		device("stale", "socket_b"),
		device("absent", "socket_c"),
	}
	engine, health := newTestEngine(devices, states)

	engine.Cycle(context.Background())

	h, _ := health.Get("present")
	if h.Status != fleet.StatusHealthy {
		t.Errorf("present device status = %s, want healthy", h.Status)
	}
	h, _ = health.Get("stale")
	if h.Status != fleet.StatusUnhealthy {
		t.Errorf("stale device status = %s, want unhealthy", h.Status)
	}
	h, _ = health.Get("absent")
	if h.Status != fleet.StatusUnhealthy {
		t.Errorf("absent device status = %s, want unhealthy", h.Status)
	}

	m, ok := engine.EntityMap("present")
	if !ok {
		t.Fatal("present device has no entity map")
	}
	if m["state0"] != "switch.socket_a_on_p_2_1" {
		t.Errorf("state0 entity = %q", m["state0"])
	}
	if m["voltage"] != "sensor.socket_a_voltage_p_3_2" {
		t.Errorf("voltage entity = %q", m["voltage"])
	}

	if _, ok := engine.EntityMap("absent"); ok {
		t.Error("absent device should have no entity map")
	}
}

func TestCycle_SkipsHealthyDevices(t *testing.T) {
	states := &fakeStates{states: []homeassistant.State{
		{EntityID: "switch.socket_a_on_p_2_1", State: "on"},
	}}
	engine, health := newTestEngine([]config.Triple{device("d1", "socket_a")}, states)

	engine.Cycle(context.Background())
	if h, _ := health.Get("d1"); h.Status != fleet.StatusHealthy {
		t.Fatalf("d1 status = %s after first cycle", h.Status)
	}

	// Healthy fleet: the next cycle must not even fetch states.
	before := states.calls
	engine.Cycle(context.Background())
	if states.calls != before {
		t.Errorf("GetStates called %d extra times for a healthy fleet", states.calls-before)
	}
}

func TestCycle_StatesUnavailableMarksAllUnhealthy(t *testing.T) {
	states := &fakeStates{err: errors.New("connection refused")}
	engine, health := newTestEngine([]config.Triple{
		device("d1", "socket_a"),
		device("d2", "socket_b"),
	}, states)

	engine.Cycle(context.Background())

	for _, id := range []string{"d1", "d2"} {
		h, _ := health.Get(id)
		if h.Status != fleet.StatusUnhealthy {
			t.Errorf("device %s status = %s, want unhealthy when HA is down", id, h.Status)
		}
	}
}

func TestCycle_RecoversPreviouslyUnhealthy(t *testing.T) {
	states := &fakeStates{err: errors.New("connection refused")}
	engine, health := newTestEngine([]config.Triple{device("d1", "socket_a")}, states)

	engine.Cycle(context.Background())
	if h, _ := health.Get("d1"); h.Status != fleet.StatusUnhealthy {
		t.Fatalf("d1 status = %s, want unhealthy", h.Status)
	}

	// HA comes back with the device's entities present.
	states.err = nil
	states.states = []homeassistant.State{
		{EntityID: "switch.socket_a_on_p_2_1", State: "off"},
	}
	engine.Cycle(context.Background())

	if h, _ := health.Get("d1"); h.Status != fleet.StatusHealthy {
		t.Errorf("d1 status = %s, want healthy after recovery", h.Status)
	}
}

func TestEntityMap_ReturnsCopy(t *testing.T) {
	states := &fakeStates{states: []homeassistant.State{
		{EntityID: "switch.socket_a_on_p_2_1", State: "on"},
	}}
	engine, _ := newTestEngine([]config.Triple{device("d1", "socket_a")}, states)
	engine.Cycle(context.Background())

	m, _ := engine.EntityMap("d1")
	m["state0"] = "tampered"

	m2, _ := engine.EntityMap("d1")
	if m2["state0"] != "switch.socket_a_on_p_2_1" {
		t.Error("EntityMap mutation leaked into the engine")
	}
}
