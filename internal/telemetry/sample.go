// Package telemetry generates synthetic environmental sensor samples and
// defines their wire encoding and topic layout.
//
// A [Sample] is transient: the publisher asks a [Generator] for one per
// iteration, encodes it with [Sample.Marshal], hands the bytes to the
// broker, and discards it.
package telemetry

import (
	"encoding/json"
	"fmt"
)

// Sample is one synthetic reading. Field order determines the JSON key
// order on the wire: temp, hum, timestamp.
type Sample struct {
	// Temp is degrees Celsius in [MinTemp, MaxTemp), two decimals.
	Temp float64 `json:"temp"`
	// Hum is relative humidity percent in [MinHum, MaxHum), two decimals.
	Hum float64 `json:"hum"`
	// Timestamp is Unix epoch seconds at generation time.
	Timestamp int64 `json:"timestamp"`
}

// Marshal encodes the sample as the compact JSON object published to
// the broker.
func (s Sample) Marshal() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal telemetry sample: %w", err)
	}
	return data, nil
}

// Heartbeat is the periodic liveness message. The backend reads
// firmware as device metadata.
type Heartbeat struct {
	Firmware  string `json:"firmware"`
	UptimeSec int64  `json:"uptime_sec"`
	Timestamp int64  `json:"timestamp"`
}

// Marshal encodes the heartbeat as compact JSON.
func (h Heartbeat) Marshal() ([]byte, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("marshal heartbeat: %w", err)
	}
	return data, nil
}

// TelemetryTopic returns the topic a device publishes samples to.
func TelemetryTopic(deviceID int) string {
	return deviceTopic(deviceID, "telemetry")
}

// StatusTopic returns the retained online/offline status topic.
func StatusTopic(deviceID int) string {
	return deviceTopic(deviceID, "status")
}

// CommandTopic returns the topic the backend sends device commands on.
func CommandTopic(deviceID int) string {
	return deviceTopic(deviceID, "command")
}

// HeartbeatTopic returns the periodic liveness topic.
func HeartbeatTopic(deviceID int) string {
	return deviceTopic(deviceID, "heartbeat")
}

func deviceTopic(deviceID int, leaf string) string {
	return fmt.Sprintf("iot/device/%d/%s", deviceID, leaf)
}
