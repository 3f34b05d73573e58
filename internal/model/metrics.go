package model

import "time"

// MetricKind tags the schema of a MetricsSample's payload (spec §3).
type MetricKind int

const (
	MetricBroker MetricKind = iota
	MetricSession
	MetricMQTTClient
	MetricOPCUAClient
	MetricOPCUADevice
	MetricKafkaClient
	MetricWinCCOAClient
	MetricWinCCUAClient
)

func (k MetricKind) String() string {
	switch k {
	case MetricBroker:
		return "BROKER"
	case MetricSession:
		return "SESSION"
	case MetricMQTTClient:
		return "MQTTCLIENT"
	case MetricOPCUAClient:
		return "OPCUACLIENT"
	case MetricOPCUADevice:
		return "OPCUADEVICE"
	case MetricKafkaClient:
		return "KAFKACLIENT"
	case MetricWinCCOAClient:
		return "WINCCOACLIENT"
	case MetricWinCCUAClient:
		return "WINCCUACLIENT"
	default:
		return "UNKNOWN"
	}
}

// MetricsSample is one time-series row, upserted by its primary key
// (Timestamp, Kind, Identifier) (spec §3 "MetricsSample").
type MetricsSample struct {
	Timestamp  time.Time
	Kind       MetricKind
	Identifier string
	Payload    map[string]any
}
