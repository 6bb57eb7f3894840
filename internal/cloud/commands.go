package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/oakhollow/iotbridge/internal/config"
)

// Reply codes for the cloud platform's service call contract.
const (
	replyCodeOK     = 200
	replyCodeFailed = 400
)

// EntityStateSyncer mirrors cloud-issued commands into Home Assistant.
// Satisfied by homeassistant.Client.
type EntityStateSyncer interface {
	SetState(ctx context.Context, entityID, state string) error
}

// command is the downlink service call payload.
type command struct {
	ID     string         `json:"id"`
	Params map[string]any `json:"params"`
}

// commandReply is the service call response payload.
type commandReply struct {
	ID   string         `json:"id"`
	Code int            `json:"code"`
	Data map[string]any `json:"data"`
}

// commandRouter subscribes to each bridged device's command topic and
// handles downlink service calls: acknowledge on the reply topic, then
// sync the commanded state into Home Assistant so the local and cloud
// views converge.
type commandRouter struct {
	session *Session
	byTopic map[string]config.Triple
	syncer  EntityStateSyncer
	logger  *slog.Logger
}

func newCommandRouter(s *Session, devices []config.Triple, syncer EntityStateSyncer, logger *slog.Logger) *commandRouter {
	byTopic := make(map[string]config.Triple, len(devices))
	for _, d := range devices {
		byTopic[s.topics.CommandFor(d)] = d
	}
	return &commandRouter{
		session: s,
		byTopic: byTopic,
		syncer:  syncer,
		logger:  logger,
	}
}

// route dispatches an inbound publish to the owning device's handler.
// Registered once on the connection manager at session start.
func (r *commandRouter) route(ctx context.Context) func(autopaho.PublishReceived) (bool, error) {
	return func(rx autopaho.PublishReceived) (bool, error) {
		device, ok := r.byTopic[rx.Packet.Topic]
		if !ok {
			return false, nil
		}
		r.handle(ctx, device, rx.Packet.Payload)
		return true, nil
	}
}

// subscribe (re-)establishes the command topic subscriptions. Called
// from OnConnectionUp so subscriptions survive reconnects.
func (r *commandRouter) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	if len(r.byTopic) == 0 {
		return
	}

	sub := &paho.Subscribe{}
	for topic := range r.byTopic {
		sub.Subscriptions = append(sub.Subscriptions, paho.SubscribeOptions{
			Topic: topic,
			QoS:   1,
		})
	}

	subCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := cm.Subscribe(subCtx, sub); err != nil {
		r.logger.Error("command topic subscribe failed", "topics", len(sub.Subscriptions), "error", err)
		return
	}
	r.logger.Info("command topics subscribed", "topics", len(sub.Subscriptions))
}

func (r *commandRouter) handle(ctx context.Context, device config.Triple, payload []byte) {
	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		r.logger.Warn("unparseable cloud command dropped",
			"device_id", device.DeviceID, "error", err)
		r.reply(ctx, device, commandReply{
			ID:   strconv.FormatInt(time.Now().UnixMilli(), 10),
			Code: replyCodeFailed,
			Data: map[string]any{},
		})
		return
	}

	r.logger.Info("cloud command received",
		"device_id", device.DeviceID, "id", cmd.ID, "params", len(cmd.Params))

	data := make(map[string]any, len(cmd.Params))
	for param, value := range cmd.Params {
		data[param] = value
	}
	r.reply(ctx, device, commandReply{ID: cmd.ID, Code: replyCodeOK, Data: data})

	r.syncToHA(ctx, device, cmd.Params)
}

func (r *commandRouter) reply(ctx context.Context, device config.Triple, reply commandReply) {
	payload, err := json.Marshal(reply)
	if err != nil {
		r.logger.Error("marshal command reply", "device_id", device.DeviceID, "error", err)
		return
	}
	if err := r.session.Publish(ctx, r.session.topics.ReplyFor(device), payload); err != nil {
		r.logger.Warn("command reply publish failed",
			"device_id", device.DeviceID, "id", reply.ID, "error", err)
	}
}

// syncToHA writes each recognized command parameter back to the Home
// Assistant entity it controls. Unknown parameters are skipped; one
// entity failing does not stop the rest.
func (r *commandRouter) syncToHA(ctx context.Context, device config.Triple, params map[string]any) {
	if r.syncer == nil {
		return
	}

	for param, value := range params {
		entityID, ok := CommandEntity(device.EntityPrefix, param)
		if !ok {
			r.logger.Debug("cloud command parameter has no entity mapping",
				"device_id", device.DeviceID, "param", param)
			continue
		}

		state, ok := commandState(param, value)
		if !ok {
			r.logger.Warn("cloud command value not translatable",
				"device_id", device.DeviceID, "param", param, "value", value)
			continue
		}

		syncCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := r.syncer.SetState(syncCtx, entityID, state)
		cancel()
		if err != nil {
			r.logger.Warn("command sync to Home Assistant failed",
				"device_id", device.DeviceID, "entity_id", entityID, "error", err)
			continue
		}
		r.logger.Info("command synced to Home Assistant",
			"device_id", device.DeviceID, "entity_id", entityID, "state", state)
	}
}

// commandEntitySuffixes maps cloud command parameters to the HA entity
// suffix they control, relative to the device's entity prefix. state0
// is the all-jack master switch; state1..state6 are individual jacks.
var commandEntitySuffixes = map[string]string{
	"state0":  "switch.%s_on_p_2_1",
	"state1":  "switch.%s_on_p_7_1",
	"state2":  "switch.%s_on_p_8_1",
	"state3":  "switch.%s_on_p_9_1",
	"state4":  "switch.%s_on_p_10_1",
	"state5":  "switch.%s_on_p_11_1",
	"state6":  "switch.%s_on_p_12_1",
	"default": "select.%s_default_power_on_state_p_2_2",
}

// CommandEntity resolves a cloud command parameter to the HA entity it
// controls for a device with the given entity prefix.
func CommandEntity(entityPrefix, param string) (string, bool) {
	pattern, ok := commandEntitySuffixes[param]
	if !ok {
		return "", false
	}
	return fmt.Sprintf(pattern, entityPrefix), true
}

// commandState converts a cloud command value to the HA state string.
func commandState(param string, value any) (string, bool) {
	n, ok := numericValue(value)
	if !ok {
		return "", false
	}

	if param == "default" {
		switch n {
		case 0:
			return "off", true
		case 1:
			return "on", true
		case 2:
			return "memory", true
		}
		return "", false
	}

	if n == 1 {
		return "on", true
	}
	return "off", true
}

func numericValue(value any) (int, bool) {
	switch v := value.(type) {
	case float64: // encoding/json decodes numbers as float64
		return int(v), true
	case int:
		return v, true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
