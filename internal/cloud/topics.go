package cloud

import (
	"strings"

	"github.com/oakhollow/iotbridge/internal/config"
)

// Topic templates for the cloud IoT platform. The defaults follow the
// Netease IoT topic layout; other platforms can override them through
// configuration. The placeholders {product_key} and {device_name} are
// replaced per device.
type Topics struct {
	Property string
	Command  string
	Reply    string
	Status   string
}

// DefaultTopics returns the Netease IoT platform topic layout.
func DefaultTopics() Topics {
	return Topics{
		Property: "sys/{product_key}/{device_name}/event/property/post",
		Command:  "sys/{product_key}/{device_name}/service/CommonService",
		Reply:    "sys/{product_key}/{device_name}/service/CommonService_reply",
		Status:   "sys/{product_key}/{device_name}/event/status/post",
	}
}

// TopicsFromConfig builds Topics from config overrides, keeping the
// platform defaults for any template left empty.
func TopicsFromConfig(mqtt config.MQTTConfig) Topics {
	t := DefaultTopics()
	if mqtt.PropertyTopic != "" {
		t.Property = mqtt.PropertyTopic
	}
	if mqtt.CommandTopic != "" {
		t.Command = mqtt.CommandTopic
	}
	if mqtt.ReplyTopic != "" {
		t.Reply = mqtt.ReplyTopic
	}
	if mqtt.StatusTopic != "" {
		t.Status = mqtt.StatusTopic
	}
	return t
}

// PropertyFor returns the property post topic for a device.
func (t Topics) PropertyFor(tr config.Triple) string {
	return expand(t.Property, tr)
}

// CommandFor returns the downlink command topic for a device.
func (t Topics) CommandFor(tr config.Triple) string {
	return expand(t.Command, tr)
}

// ReplyFor returns the command reply topic for a device.
func (t Topics) ReplyFor(tr config.Triple) string {
	return expand(t.Reply, tr)
}

// StatusFor returns the online/offline status topic for a device. The
// gateway's status topic carries the session's will message.
func (t Topics) StatusFor(tr config.Triple) string {
	return expand(t.Status, tr)
}

func expand(template string, tr config.Triple) string {
	return strings.NewReplacer(
		"{product_key}", tr.ProductKey,
		"{device_name}", tr.DeviceName,
	).Replace(template)
}
