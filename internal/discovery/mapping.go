package discovery

import "strings"

// propertyMapping translates the feature portion of an HA entity ID
// (what remains after stripping the device's entity prefix) into the
// cloud platform's property name. Exact matches are tried first, then
// substring matches in declaration order, so the more specific entries
// must come before their generic fallbacks.
var propertyMapping = []struct {
	feature  string
	property string
}{
	{"child_lock_p_14_9", "child_lock"},
	{"switch_status_p_10_1", "switch_status"},
	{"toggle_a_2_1", "toggle"},
	{"on_p_2_1", "state0"}, // master switch
	{"on_p_7_1", "state1"},
	{"on_p_8_1", "state2"},
	{"on_p_9_1", "state3"},
	{"on_p_10_1", "state4"},
	{"on_p_11_1", "state5"},
	{"on_p_12_1", "state6"},
	{"default_power_on_state_p_2_2", "default"},
	{"electric_power_p_2_6", "active_power"},
	{"electric_power_p_", "active_power"},
	{"electric_current_p_3_4", "current"},
	{"electric_current_p_", "current"},
	{"voltage_p_", "voltage"},
	{"power_consumption_accumulation_way_p_3_3", "power_consumption_accumulation_way"},
	{"power_consumption_p_", "energy"},
	{"power_consumption", "energy"},
	{"indicator_light_p_2_4", "indicator_light"},
	{"power", "active_power"},
	{"current", "current"},
	{"energy", "energy"},
}

// DefaultSupportedProperties is the property set pushed for the smart
// socket hardware this bridge targets: the master switch, six jacks,
// the electrical sensors, and the power-on behavior select.
var DefaultSupportedProperties = []string{
	"state0", "state1", "state2", "state3", "state4", "state5", "state6",
	"active_power", "current", "voltage", "energy",
	"default",
}

// entityDomains are the HA domains considered during discovery.
var entityDomains = []string{"sensor.", "switch.", "select."}

// matchProperty resolves an entity feature string to a cloud property
// name. Exact matches win; otherwise the first mapping entry contained
// in the feature applies.
func matchProperty(feature string) (string, bool) {
	for _, m := range propertyMapping {
		if m.feature == feature {
			return m.property, true
		}
	}
	for _, m := range propertyMapping {
		if strings.Contains(feature, m.feature) {
			return m.property, true
		}
	}
	return "", false
}

// featureOf strips the device prefix from an entity's object ID,
// returning the feature portion used for property matching. Returns
// false when the entity does not belong to the prefix or is in a
// domain discovery does not consider.
func featureOf(entityID, prefix string) (string, bool) {
	domainOK := false
	for _, d := range entityDomains {
		if strings.HasPrefix(entityID, d) {
			domainOK = true
			break
		}
	}
	if !domainOK {
		return "", false
	}

	_, objectID, found := strings.Cut(entityID, ".")
	if !found || !strings.Contains(objectID, prefix) {
		return "", false
	}

	feature := strings.Trim(strings.Replace(objectID, prefix, "", 1), "_")
	if feature == "" {
		return "", false
	}
	return feature, true
}
