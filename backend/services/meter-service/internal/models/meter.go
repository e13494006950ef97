package models

import "time"

// Counter is a named running total of metered volume in cubic metres.
type Counter struct {
	ID       int64      `db:"id" json:"id"`
	Name     string     `db:"name" json:"name"`
	Value    float64    `db:"value" json:"value"`
	LastTime *time.Time `db:"last_time" json:"last_time"`
}

// PulseLogEntry records one accepted pulse.
type PulseLogEntry struct {
	ID         int64     `db:"id" json:"id"`
	CounterID  int64     `db:"counter_id" json:"counter_id"`
	RecordedAt time.Time `db:"recorded_at" json:"time"`
}

// PulseTotal is the number of pulses a counter logged inside a window.
type PulseTotal struct {
	CounterID   int64  `db:"counter_id" json:"counter_id"`
	CounterName string `db:"counter_name" json:"counter"`
	Pulses      int64  `db:"pulses" json:"pulses"`
}

// PulseBucket is a per-hour pulse count for one counter.
type PulseBucket struct {
	CounterID   int64     `db:"counter_id" json:"counter_id"`
	CounterName string    `db:"counter_name" json:"counter"`
	Bucket      time.Time `db:"bucket" json:"time"`
	Pulses      int64     `db:"pulses" json:"pulses"`
}

// ControllerStatus is the last status document published by a field controller.
type ControllerStatus struct {
	ControllerID    string    `json:"controller_id"`
	Status          string    `json:"status"`
	IPAddress       string    `json:"ip_address,omitempty"`
	RSSI            int       `json:"rssi,omitempty"`
	FreeHeap        int64     `json:"free_heap,omitempty"`
	Uptime          int64     `json:"uptime,omitempty"`
	TotalPulses     int64     `json:"total_pulses,omitempty"`
	TotalLiters     float64   `json:"total_liters,omitempty"`
	FirmwareVersion string    `json:"firmware_version,omitempty"`
	ReceivedAt      time.Time `json:"received_at"`
}
