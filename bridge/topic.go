package bridge

import (
	"strconv"
	"strings"

	"github.com/icodeforyou/energycontract-go/convert"
	"github.com/icodeforyou/energycontract-go/coordinator"
)

// StateTopic is the topic the host publishes the state of entity on, e.g.
// "homeassistant/statestream/sensor/grid_import/state".
func StateTopic(prefix, entity string) (string, bool) {
	return entityTopic(prefix, entity, "state")
}

// ForecastTopic is the topic of a forecast attribute of a price sensor, e.g.
// "homeassistant/statestream/sensor/epex/raw_today". The host only publishes
// it when attributes are streamed.
func ForecastTopic(prefix, entity string, day coordinator.ForecastDay) (string, bool) {
	return entityTopic(prefix, entity, string(day))
}

func entityTopic(prefix, entity, leaf string) (string, bool) {
	domain, object, ok := strings.Cut(entity, ".")
	if !ok || domain == "" || object == "" || strings.ContainsAny(entity, "/+#") {
		return "", false
	}
	return prefix + "/" + domain + "/" + object + "/" + leaf, true
}

// EntityFromTopic is the inverse of StateTopic.
func EntityFromTopic(prefix, topic string) (string, bool) {
	entity, leaf, ok := splitTopic(prefix, topic)
	if !ok || leaf != "state" {
		return "", false
	}
	return entity, true
}

// splitTopic returns the entity and the last level of an entity topic.
func splitTopic(prefix, topic string) (entity, leaf string, ok bool) {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[0] + "." + parts[1], parts[2], true
}

func meterTopic(prefix, id, suffix string) string {
	return prefix + "/" + id + "/" + suffix
}

func faultTopic(prefix, id string) string {
	return prefix + "/faults/" + id
}

func statusTopic(prefix string) string {
	return prefix + "/status"
}

// FormatValue renders a metric value with at most eight decimals.
func FormatValue(v float64) string {
	return strconv.FormatFloat(convert.EightDecimals(v), 'f', -1, 64)
}

// ParsePayload returns the raw state carried by a state message.
func ParsePayload(payload []byte) string {
	s := strings.TrimSpace(string(payload))
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	return s
}

func availability(available bool) string {
	if available {
		return "online"
	}
	return "offline"
}
