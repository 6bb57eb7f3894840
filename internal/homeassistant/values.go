package homeassistant

import (
	"strconv"
	"strings"
)

// selectValues maps the power-on-behavior select states to the numeric
// codes the cloud platform expects.
var selectValues = map[string]int{
	"off":    0,
	"on":     1,
	"memory": 2,
}

// ConvertValue translates a raw HA entity state into the wire value the
// cloud platform expects, keyed by the entity domain:
//
//   - switch: "on" → 1, anything else → 0
//   - select: off/on/memory → 0/1/2
//   - sensor: parsed as float64
//
// States of "unknown", "unavailable", or empty carry no value and
// return ok=false, as do unparseable sensor readings. Other domains
// pass the raw state string through.
func ConvertValue(entityID, state string) (any, bool) {
	switch state {
	case "", "unknown", "unavailable":
		return nil, false
	}

	domain, _, found := strings.Cut(entityID, ".")
	if !found {
		return nil, false
	}

	switch domain {
	case "switch":
		if state == "on" {
			return 1, true
		}
		return 0, true
	case "select":
		v, ok := selectValues[state]
		if !ok {
			return 0, true
		}
		return v, true
	case "sensor":
		f, err := strconv.ParseFloat(state, 64)
		if err != nil {
			return nil, false
		}
		return f, true
	default:
		return state, true
	}
}
