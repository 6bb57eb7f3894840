package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/oakhollow/iotbridge/internal/cloud"
	"github.com/oakhollow/iotbridge/internal/config"
	"github.com/oakhollow/iotbridge/internal/fleet"
	"github.com/oakhollow/iotbridge/internal/homeassistant"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStates struct {
	values map[string]string // entity_id -> state
	errs   map[string]error  // entity_id -> read error
}

func (f *fakeStates) GetState(ctx context.Context, entityID string) (*homeassistant.State, error) {
	if err, ok := f.errs[entityID]; ok {
		return nil, err
	}
	v, ok := f.values[entityID]
	if !ok {
		return nil, errors.New("entity not found")
	}
	return &homeassistant.State{EntityID: entityID, State: v}, nil
}

type fakeEntities struct {
	maps map[string]map[string]string
}

func (f *fakeEntities) EntityMap(deviceID string) (map[string]string, bool) {
	m, ok := f.maps[deviceID]
	return m, ok
}

type fakePublisher struct {
	mu       sync.Mutex
	messages map[string][]byte // topic -> last payload
	err      error
}

func (f *fakePublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.messages == nil {
		f.messages = make(map[string][]byte)
	}
	f.messages[topic] = payload
	return nil
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

func fixedNow() time.Time {
	return time.UnixMilli(1700000000000)
}

func newTestPusher(devices []config.Triple, states *fakeStates, entities *fakeEntities, pub *fakePublisher) (*Pusher, *fleet.Table) {
	ids := make([]string, len(devices))
	for i, d := range devices {
		ids[i] = d.DeviceID
	}
	health := fleet.NewTable(ids, nil, discardLogger())
	for _, id := range ids {
		health.MarkHealthy(id, "discovered")
	}

	p := NewPusher(PusherConfig{
		Devices:  devices,
		Health:   health,
		Entities: entities,
		States:   states,
		Session:  pub,
		Topics:   cloud.DefaultTopics(),
		Logger:   discardLogger(),
		Now:      fixedNow,
	})
	return p, health
}

func TestCycle_PushesPropertyPost(t *testing.T) {
	dev := device("d1", "socket_a")
	states := &fakeStates{values: map[string]string{
		"switch.socket_a_on_p_2_1":      "on",
		"sensor.socket_a_voltage_p_3_2": "229.5",
	}}
	entities := &fakeEntities{maps: map[string]map[string]string{
		"d1": {
			"state0":  "switch.socket_a_on_p_2_1",
			"voltage": "sensor.socket_a_voltage_p_3_2",
		},
	}}
	pub := &fakePublisher{}

	p, _ := newTestPusher([]config.Triple{dev}, states, entities, pub)
	p.Cycle(context.Background())

	topic := "sys/pk/dn-d1/event/property/post"
	payload, ok := pub.messages[topic]
	if !ok {
		t.Fatalf("no publish on %s, got %v", topic, pub.messages)
	}

	var post struct {
		ID     string         `json:"id"`
		Params map[string]any `json:"params"`
	}
	if err := json.Unmarshal(payload, &post); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if post.ID != "1700000000000" {
		t.Errorf("post ID = %q, want millisecond epoch", post.ID)
	}
	if post.Params["state0"] != float64(1) {
		t.Errorf("state0 = %v, want 1", post.Params["state0"])
	}
	if post.Params["voltage"] != 229.5 {
		t.Errorf("voltage = %v, want 229.5", post.Params["voltage"])
	}
}

// One device failing must not stop the rest of the cycle, and the
// failed device ends up excluded until rediscovered.
func TestCycle_FaultIsolation(t *testing.T) {
	devA := device("a", "socket_a")
	devB := device("b", "socket_b")
	states := &fakeStates{values: map[string]string{
		"switch.socket_b_on_p_2_1": "off",
	}}
	entities := &fakeEntities{maps: map[string]map[string]string{
		// Device a has a map but its entity reads fail.
		"a": {"state0": "switch.socket_a_on_p_2_1"},
		"b": {"state0": "switch.socket_b_on_p_2_1"},
	}}
	pub := &fakePublisher{}

	p, health := newTestPusher([]config.Triple{devA, devB}, states, entities, pub)
	p.Cycle(context.Background())

	if h, _ := health.Get("a"); h.Status != fleet.StatusUnhealthy {
		t.Errorf("device a status = %s, want unhealthy", h.Status)
	}
	if h, _ := health.Get("b"); h.Status != fleet.StatusHealthy {
		t.Errorf("device b status = %s, want healthy", h.Status)
	}
	if _, ok := pub.messages["sys/pk/dn-b/event/property/post"]; !ok {
		t.Error("healthy device b was not pushed after device a failed")
	}
	if _, ok := pub.messages["sys/pk/dn-a/event/property/post"]; ok {
		t.Error("device a with no readable values must not publish")
	}

	// Next cycle: a is excluded, b pushes again.
	pub.messages = nil
	p.Cycle(context.Background())
	if _, ok := pub.messages["sys/pk/dn-a/event/property/post"]; ok {
		t.Error("unhealthy device a pushed before rediscovery")
	}
	if _, ok := pub.messages["sys/pk/dn-b/event/property/post"]; !ok {
		t.Error("device b missing from second cycle")
	}
}

func TestCycle_PublishFailureMarksUnhealthy(t *testing.T) {
	dev := device("d1", "socket_a")
	states := &fakeStates{values: map[string]string{
		"switch.socket_a_on_p_2_1": "on",
	}}
	entities := &fakeEntities{maps: map[string]map[string]string{
		"d1": {"state0": "switch.socket_a_on_p_2_1"},
	}}
	pub := &fakePublisher{err: cloud.ErrNotConnected}

	p, health := newTestPusher([]config.Triple{dev}, states, entities, pub)
	p.Cycle(context.Background())

	if h, _ := health.Get("d1"); h.Status != fleet.StatusUnhealthy {
		t.Errorf("d1 status = %s, want unhealthy after publish failure", h.Status)
	}
}

func TestCycle_SkippedEntitiesStillPush(t *testing.T) {
	dev := device("d1", "socket_a")
	states := &fakeStates{
		values: map[string]string{
			"switch.socket_a_on_p_2_1":      "on",
			"sensor.socket_a_voltage_p_3_2": "unavailable", // no value, skipped
		},
		errs: map[string]error{
			"sensor.socket_a_energy_p_3_1": errors.New("timeout"),
		},
	}
	entities := &fakeEntities{maps: map[string]map[string]string{
		"d1": {
			"state0":  "switch.socket_a_on_p_2_1",
			"voltage": "sensor.socket_a_voltage_p_3_2",
			"energy":  "sensor.socket_a_energy_p_3_1",
		},
	}}
	pub := &fakePublisher{}

	p, health := newTestPusher([]config.Triple{dev}, states, entities, pub)
	p.Cycle(context.Background())

	payload, ok := pub.messages["sys/pk/dn-d1/event/property/post"]
	if !ok {
		t.Fatal("device with one readable entity should still push")
	}
	var post struct {
		Params map[string]any `json:"params"`
	}
	json.Unmarshal(payload, &post)
	if len(post.Params) != 1 {
		t.Errorf("params = %v, want only state0", post.Params)
	}
	if h, _ := health.Get("d1"); h.Status != fleet.StatusHealthy {
		t.Errorf("d1 status = %s, want healthy", h.Status)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	dev := device("d1", "socket_a")
	entities := &fakeEntities{maps: map[string]map[string]string{}}
	pub := &fakePublisher{}
	p, _ := newTestPusher([]config.Triple{dev}, &fakeStates{}, entities, pub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancel")
	}
}
