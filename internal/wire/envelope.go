// Package wire defines the JSON envelopes exchanged with the front-end
// over the websocket transport, per spec §6.
package wire

import "time"

// Envelope is the outer shape of every outbound message.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// DeviceRow is one row of a network.data.message or devices.list payload.
type DeviceRow struct {
	IP              string `json:"ip"`
	MAC             string `json:"mac"`
	Hostname        string `json:"hostname"`
	Active          bool   `json:"active"`
	RxSpeedBps      int64  `json:"rx_speed_bps"`
	TxSpeedBps      int64  `json:"tx_speed_bps"`
	TotalRxBytes    int64  `json:"total_rx_bytes"`
	TotalTxBytes    int64  `json:"total_tx_bytes"`
	ManualLimitKbps *LimitEcho `json:"manual_limit,omitempty"`
	QuotaThrottled  bool   `json:"quota_throttled"`
	ActiveScheduleID string `json:"active_schedule_id,omitempty"`
}

// LimitEcho mirrors a ManualLimit back to the front-end.
type LimitEcho struct {
	DownloadKbps int `json:"download_kbps"`
	UploadKbps   int `json:"upload_kbps"`
	Priority     int `json:"priority"`
}

// NetworkSnapshot is the network.data.message payload: one per accounting
// tick, per spec §4.5 step 7.
type NetworkSnapshot struct {
	Timestamp     time.Time   `json:"timestamp"`
	AggregateRxBps int64      `json:"aggregate_rx_bps"`
	AggregateTxBps int64      `json:"aggregate_tx_bps"`
	Devices       []DeviceRow `json:"devices"`
}

// NewNetworkSnapshot wraps a NetworkSnapshot in its envelope.
func NewNetworkSnapshot(s NetworkSnapshot) Envelope {
	return Envelope{Type: "network.data.message", Data: s}
}

// NewDevicesList wraps a device list in its envelope.
func NewDevicesList(devices []DeviceRow) Envelope {
	return Envelope{Type: "devices.list", Data: devices}
}

// ScheduleRow is one schedule as echoed to the front-end.
type ScheduleRow struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	DeviceIP  string `json:"device_ip"`
	IsEnabled bool   `json:"is_enabled"`
	Active    bool   `json:"active"`
}

// NewSchedulesUpdate wraps a schedule list in its envelope.
func NewSchedulesUpdate(rows []ScheduleRow) Envelope {
	return Envelope{Type: "schedules.update", Data: rows}
}

// ForecastRow is one forecast point as echoed to the front-end.
type ForecastRow struct {
	Timestamp      time.Time `json:"timestamp"`
	PredictedBytes int64     `json:"predicted_bytes"`
}

// NewForecastData wraps forecast points in their envelope.
func NewForecastData(points []ForecastRow) Envelope {
	return Envelope{Type: "forecast.data", Data: points}
}

// SecurityState is the security.state.update payload.
type SecurityState struct {
	ACMode        string   `json:"ac_mode"`
	BlockedMACs   []string `json:"blocked_macs,omitempty"`
	AllowedMACs   []string `json:"allowed_macs,omitempty"`
	IPBlockV4     []string `json:"ip_block_v4,omitempty"`
	IPBlockV6     []string `json:"ip_block_v6,omitempty"`
	IsolationOn   bool     `json:"isolation_on"`
}

// NewSecurityState wraps a SecurityState in its envelope.
func NewSecurityState(s SecurityState) Envelope {
	return Envelope{Type: "security.state.update", Data: s}
}

// Notification is the notification.message payload: the result of a
// command, correlated back to the sender.
type Notification struct {
	CorrelationID string `json:"correlation_id"`
	Level         string `json:"level"` // "info" | "error"
	Message       string `json:"message"`
}

// NewNotification wraps a Notification in its envelope.
func NewNotification(n Notification) Envelope {
	return Envelope{Type: "notification.message", Data: n}
}
