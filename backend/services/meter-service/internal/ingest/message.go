package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"watermeter/backend/services/meter-service/internal/models"
	"watermeter/backend/services/meter-service/internal/service"
)

// Message kinds, also used as metric labels.
const (
	KindPulse   = "pulse"
	KindStatus  = "status"
	KindCommand = "command"
	KindOther   = "other"
)

// Message is one raw MQTT delivery.
type Message struct {
	Topic    string
	Payload  []byte
	Received time.Time
}

// PulsePayload is the JSON document a controller publishes on its pulse topic.
type PulsePayload struct {
	ControllerID string   `json:"controller_id"`
	MeterName    string   `json:"meter_name"`
	PulseCount   *int     `json:"pulse_count"`
	Liters       *float64 `json:"liters"`
	// Timestamp is milliseconds since controller boot and is only logged.
	Timestamp *int64  `json:"timestamp"`
	EventTime *string `json:"event_time"`
}

// StatusPayload is the JSON document a controller publishes on the status topic.
type StatusPayload struct {
	ControllerID    string  `json:"controller_id"`
	Status          string  `json:"status"`
	IPAddress       string  `json:"ip_address"`
	RSSI            int     `json:"rssi"`
	FreeHeap        int64   `json:"free_heap"`
	Uptime          int64   `json:"uptime"`
	TotalPulses     int64   `json:"total_pulses"`
	TotalLiters     float64 `json:"total_liters"`
	FirmwareVersion string  `json:"firmware_version"`
}

// Pulse is a validated pulse message.
type Pulse struct {
	ControllerID string
	Count        int
	EventTime    *time.Time
}

// Router classifies topics.
type Router struct {
	PulsePrefix  string
	StatusTopic  string
	CommandRoots []string
}

// Kind returns the message kind for topic.
func (r Router) Kind(topic string) string {
	switch {
	case topic == r.StatusTopic:
		return KindStatus
	case topic == r.PulsePrefix || strings.HasPrefix(topic, r.PulsePrefix+"/"):
		return KindPulse
	}
	for _, root := range r.CommandRoots {
		if topic == root || strings.HasPrefix(topic, root+"/") {
			return KindCommand
		}
	}
	return KindOther
}

// controllerFromTopic returns the third topic segment, e.g. the controller of
// water_meter/pulse/<controller>.
func controllerFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return ""
	}
	return strings.TrimSpace(parts[2])
}

// DecodePulse validates a pulse message. The controller id comes from the topic and falls
// back to the payload. A missing pulse_count means one pulse.
func DecodePulse(topic string, payload []byte, maxPulses int) (Pulse, error) {
	var p PulsePayload
	if err := decodeObject(payload, &p); err != nil {
		return Pulse{}, fmt.Errorf("%w: decode pulse: %v", service.ErrMalformedMessage, err)
	}

	out := Pulse{ControllerID: controllerFromTopic(topic), Count: 1}
	if out.ControllerID == "" {
		out.ControllerID = strings.TrimSpace(p.ControllerID)
	}
	if out.ControllerID == "" {
		return Pulse{}, fmt.Errorf("%w: no controller id in topic %q or payload", service.ErrMalformedMessage, topic)
	}

	if p.PulseCount != nil {
		out.Count = *p.PulseCount
	}
	if out.Count < 1 || out.Count > maxPulses {
		return Pulse{}, fmt.Errorf("%w: pulse_count %d outside 1..%d", service.ErrMalformedMessage, out.Count, maxPulses)
	}

	if p.EventTime != nil && strings.TrimSpace(*p.EventTime) != "" {
		ts, err := ParseTimestamp(*p.EventTime)
		if err != nil {
			return Pulse{}, fmt.Errorf("%w: event_time: %v", service.ErrMalformedMessage, err)
		}
		out.EventTime = &ts
	}
	return out, nil
}

// decodeObject unmarshals payload into dst and rejects anything but a JSON object.
// A bare null would otherwise decode into zero values.
func decodeObject(payload []byte, dst interface{}) error {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return errors.New("payload is not a JSON object")
	}
	return json.Unmarshal(trimmed, dst)
}

// DecodeStatus validates a status message.
func DecodeStatus(payload []byte, received time.Time) (models.ControllerStatus, error) {
	var p StatusPayload
	if err := decodeObject(payload, &p); err != nil {
		return models.ControllerStatus{}, fmt.Errorf("%w: decode status: %v", service.ErrMalformedMessage, err)
	}
	if strings.TrimSpace(p.ControllerID) == "" {
		return models.ControllerStatus{}, fmt.Errorf("%w: status without controller_id", service.ErrMalformedMessage)
	}
	return models.ControllerStatus{
		ControllerID:    strings.TrimSpace(p.ControllerID),
		Status:          p.Status,
		IPAddress:       p.IPAddress,
		RSSI:            p.RSSI,
		FreeHeap:        p.FreeHeap,
		Uptime:          p.Uptime,
		TotalPulses:     p.TotalPulses,
		TotalLiters:     p.TotalLiters,
		FirmwareVersion: p.FirmwareVersion,
		ReceivedAt:      received.UTC(),
	}, nil
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTimestamp accepts RFC 3339 timestamps and zone-less ISO 8601 timestamps, which are
// read as UTC.
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts.UTC(), nil
	}
	for _, layout := range naiveLayouts {
		if ts, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", raw)
}
