package storage

import "time"

// Message is one row of the messages table: a text received from the mesh
// or a reply sent by the bridge (FromID == AssistantID).
type Message struct {
	ID         int64          `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	FromID     string         `json:"from_id"`
	FromName   string         `json:"from_name"`
	ToID       string         `json:"to_id"`
	Channel    int            `json:"channel"`
	Text       string         `json:"text"`
	PacketID   *int64         `json:"packet_id,omitempty"`
	HopLimit   *int64         `json:"hop_limit,omitempty"`
	HopStart   *int64         `json:"hop_start,omitempty"`
	SNR        *float64       `json:"snr,omitempty"`
	RSSI       *int64         `json:"rssi,omitempty"`
	RxTime     *int64         `json:"rx_time,omitempty"`
	Priority   string         `json:"priority,omitempty"`
	WantAck    bool           `json:"want_ack"`
	ViaMQTT    bool           `json:"via_mqtt"`
	IsOutgoing bool           `json:"is_outgoing"`
	Raw        map[string]any `json:"-"`
}

// HopsUsed returns hop_start - hop_limit when hop_start is set and nonzero.
func (m Message) HopsUsed() (int64, bool) {
	if m.HopStart == nil || *m.HopStart <= 0 || m.HopLimit == nil {
		return 0, false
	}
	return *m.HopStart - *m.HopLimit, true
}

// SentMessage is one row of the bridge transmit log.
type SentMessage struct {
	ID          int64      `json:"id"`
	Timestamp   time.Time  `json:"timestamp"`
	ToID        string     `json:"to_id"`
	Channel     int        `json:"channel"`
	Text        string     `json:"text"`
	PacketID    *int64     `json:"packet_id,omitempty"`
	WantAck     bool       `json:"want_ack"`
	AckReceived bool       `json:"ack_received"`
	AckTime     *time.Time `json:"ack_time,omitempty"`
}

// Node is the current known state of a mesh radio.
type Node struct {
	NodeID             string     `json:"node_id"`
	NodeNum            *int64     `json:"node_num,omitempty"`
	LongName           string     `json:"long_name"`
	ShortName          string     `json:"short_name"`
	MacAddress         string     `json:"mac_address,omitempty"`
	HWModel            string     `json:"hw_model,omitempty"`
	HWModelID          *int64     `json:"hw_model_id,omitempty"`
	Role               string     `json:"role,omitempty"`
	IsLicensed         bool       `json:"is_licensed"`
	IsFavorite         bool       `json:"is_favorite"`
	Latitude           *float64   `json:"latitude,omitempty"`
	Longitude          *float64   `json:"longitude,omitempty"`
	Altitude           *int64     `json:"altitude,omitempty"`
	PositionTime       *int64     `json:"position_time,omitempty"`
	PositionPrecision  *int64     `json:"position_precision,omitempty"`
	BatteryLevel       *int64     `json:"battery_level,omitempty"`
	Voltage            *float64   `json:"voltage,omitempty"`
	ChannelUtilization *float64   `json:"channel_utilization,omitempty"`
	AirUtilTx          *float64   `json:"air_util_tx,omitempty"`
	UptimeSeconds      *int64     `json:"uptime_seconds,omitempty"`
	LastHeard          *int64     `json:"last_heard,omitempty"`
	SNR                *float64   `json:"snr,omitempty"`
	HopsAway           *int64     `json:"hops_away,omitempty"`
	ViaMQTT            bool       `json:"via_mqtt"`
	FirstSeen          *time.Time `json:"first_seen,omitempty"`
	LastUpdated        *time.Time `json:"last_updated,omitempty"`
	TimesHeard         int64      `json:"times_heard"`
}

// DisplayName prefers the long name, then the short name, then the id.
func (n Node) DisplayName() string {
	switch {
	case n.LongName != "":
		return n.LongName
	case n.ShortName != "":
		return n.ShortName
	default:
		return n.NodeID
	}
}

// TelemetrySample is one telemetry row.
type TelemetrySample struct {
	NodeID             string    `json:"node_id"`
	Timestamp          time.Time `json:"timestamp"`
	Type               string    `json:"telemetry_type"`
	BatteryLevel       *int64    `json:"battery_level,omitempty"`
	Voltage            *float64  `json:"voltage,omitempty"`
	ChannelUtilization *float64  `json:"channel_utilization,omitempty"`
	AirUtilTx          *float64  `json:"air_util_tx,omitempty"`
	UptimeSeconds      *int64    `json:"uptime_seconds,omitempty"`
	Temperature        *float64  `json:"temperature,omitempty"`
	RelativeHumidity   *float64  `json:"relative_humidity,omitempty"`
	BarometricPressure *float64  `json:"barometric_pressure,omitempty"`
	GasResistance      *float64  `json:"gas_resistance,omitempty"`
	IAQ                *int64    `json:"iaq,omitempty"`
	Current            *float64  `json:"current,omitempty"`
}

// PositionSample is one position fix.
type PositionSample struct {
	NodeID        string    `json:"node_id"`
	Timestamp     time.Time `json:"timestamp"`
	Latitude      *float64  `json:"latitude,omitempty"`
	Longitude     *float64  `json:"longitude,omitempty"`
	Altitude      *int64    `json:"altitude,omitempty"`
	PrecisionBits *int64    `json:"precision_bits,omitempty"`
	SatsInView    *int64    `json:"sats_in_view,omitempty"`
}

// Waypoint is a shared map marker.
type Waypoint struct {
	WaypointID  *int64     `json:"waypoint_id,omitempty"`
	NodeID      string     `json:"node_id"`
	Timestamp   time.Time  `json:"timestamp"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Latitude    *float64   `json:"latitude,omitempty"`
	Longitude   *float64   `json:"longitude,omitempty"`
	Expire      *time.Time `json:"expire,omitempty"`
	Icon        *int64     `json:"icon,omitempty"`
	Locked      bool       `json:"locked"`
}

// Traceroute is a recorded route discovery. SNR values are in dB.
type Traceroute struct {
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	FromID     string    `json:"from_id"`
	ToID       string    `json:"to_id"`
	FromName   string    `json:"from_name,omitempty"`
	ToName     string    `json:"to_name,omitempty"`
	Route      []string  `json:"route"`
	SNRTowards []float64 `json:"snr_towards"`
	SNRBack    []float64 `json:"snr_back"`
}

// Chain returns every hop from source to destination.
func (t Traceroute) Chain() []string {
	chain := make([]string, 0, len(t.Route)+2)
	chain = append(chain, t.FromID)
	chain = append(chain, t.Route...)
	return append(chain, t.ToID)
}

// StoreForwardRecord is a store-and-forward router report.
type StoreForwardRecord struct {
	Timestamp     time.Time `json:"timestamp"`
	FromID        string    `json:"from_id"`
	FromName      string    `json:"from_name,omitempty"`
	Type          string    `json:"sf_type"`
	MessagesTotal *int64    `json:"messages_total,omitempty"`
	MessagesSaved *int64    `json:"messages_saved,omitempty"`
	MessagesMax   *int64    `json:"messages_max,omitempty"`
	UpTime        *int64    `json:"up_time,omitempty"`
	Requests      *int64    `json:"requests,omitempty"`
}

// RangeTest is one range-test reception.
type RangeTest struct {
	Timestamp time.Time `json:"timestamp"`
	FromID    string    `json:"from_id"`
	FromName  string    `json:"from_name,omitempty"`
	ToID      string    `json:"to_id"`
	Payload   string    `json:"payload"`
	SNR       *float64  `json:"snr,omitempty"`
	RSSI      *int64    `json:"rssi,omitempty"`
	Hops      *int64    `json:"hops,omitempty"`
}

// DetectionAlert is one detection-sensor event.
type DetectionAlert struct {
	Timestamp  time.Time `json:"timestamp"`
	FromID     string    `json:"from_id"`
	SensorName string    `json:"sensor_name"`
	AlertText  string    `json:"alert_text"`
	SNR        *float64  `json:"snr,omitempty"`
	RSSI       *int64    `json:"rssi,omitempty"`
}

// Paxcount is one paxcounter sample.
type Paxcount struct {
	Timestamp time.Time `json:"timestamp"`
	NodeID    string    `json:"node_id"`
	NodeName  string    `json:"node_name,omitempty"`
	WiFi      *int64    `json:"wifi_count,omitempty"`
	BLE       *int64    `json:"ble_count,omitempty"`
	Uptime    *int64    `json:"uptime,omitempty"`
}

// Fact is something learned about a user.
type Fact struct {
	Type       string    `json:"fact_type"`
	Value      string    `json:"fact_value"`
	Confidence float64   `json:"confidence"`
	Source     string    `json:"source"`
	CreatedAt  time.Time `json:"created_at"`
}

// GlobalFact is a free-text fact not tied to a user.
type GlobalFact struct {
	Context  string `json:"context"`
	Category string `json:"category,omitempty"`
}

// FilteredContent is an audit row for a rejected message.
type FilteredContent struct {
	Timestamp    time.Time `json:"timestamp"`
	FromID       string    `json:"from_id"`
	FromName     string    `json:"from_name"`
	OriginalText string    `json:"original_text"`
	Reason       string    `json:"filter_reason"`
	Category     string    `json:"filter_category"`
}

// Outbox entry kinds.
const (
	KindText       = "text"
	KindDM         = "dm"
	KindTraceroute = "traceroute"
)

// Outbox entry states.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// OutboxEntry is a queued transmission.
type OutboxEntry struct {
	ID          int64      `json:"id"`
	CreatedAt   time.Time  `json:"created_at"`
	Message     string     `json:"message"`
	Destination string     `json:"destination"`
	Channel     int        `json:"channel"`
	Status      string     `json:"status"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	Kind        string     `json:"msg_type"`
}

// Stats is the aggregate view shared by the live and historical endpoints.
type Stats struct {
	TotalMessages  int64            `json:"total_messages"`
	TotalPackets   int64            `json:"total_packets"`
	TotalNodes     int64            `json:"total_nodes"`
	ActiveNodes24h int64            `json:"active_nodes_24h"`
	Messages24h    int64            `json:"messages_24h"`
	TotalSent      int64            `json:"total_sent"`
	PacketTypes    map[string]int64 `json:"packet_types"`
	AsOf           *time.Time       `json:"as_of,omitempty"`
}

// HopHistogram buckets nodes by hop distance. Nodes with unknown distance
// are not counted.
type HopHistogram struct {
	Direct    int64 `json:"direct"`
	OneHop    int64 `json:"one_hop"`
	TwoHop    int64 `json:"two_hop"`
	ThreePlus int64 `json:"three_plus"`
}

// Total returns the number of nodes with a known hop distance.
func (h HopHistogram) Total() int64 {
	return h.Direct + h.OneHop + h.TwoHop + h.ThreePlus
}

// NodeCounts summarises the node table.
type NodeCounts struct {
	Total          int64    `json:"total"`
	Active24h      int64    `json:"active_24h"`
	WithGPS        int64    `json:"with_gps"`
	AvgChannelUtil *float64 `json:"avg_channel_util,omitempty"`
}

// NodeActivity is a node ranked by message count.
type NodeActivity struct {
	NodeID   string `json:"node_id"`
	Name     string `json:"name"`
	Messages int64  `json:"messages"`
}

// ActivityBucket counts messages in one time bucket.
type ActivityBucket struct {
	Start    time.Time `json:"start"`
	Messages int64     `json:"messages"`
}

// RangeStats is the range-filtered variant of Stats.
type RangeStats struct {
	Range        string           `json:"range"`
	Since        *time.Time       `json:"since,omitempty"`
	Messages     int64            `json:"messages"`
	Packets      int64            `json:"packets"`
	ActiveNodes  int64            `json:"active_nodes"`
	TotalNodes   int64            `json:"total_nodes"`
	Sent         int64            `json:"sent"`
	PacketTypes  map[string]int64 `json:"packet_types"`
	Hops         HopHistogram     `json:"hop_distribution"`
	TopNodes     []NodeActivity   `json:"top_nodes"`
	Activity     []ActivityBucket `json:"activity"`
	AvgSNR       *float64         `json:"avg_snr,omitempty"`
	AvgRSSI      *float64         `json:"avg_rssi,omitempty"`
	FilteredMsgs int64            `json:"filtered_messages"`
}

// RecentWindow bounds UserCounts.Recent.
const RecentWindow = 2 * time.Hour

// UserCounts is a per-user message tally.
type UserCounts struct {
	Total  int64 `json:"total"`
	Recent int64 `json:"recent"`
}

// TelemetrySummary aggregates the latest device telemetry per node.
type TelemetrySummary struct {
	NodesReporting int64    `json:"nodes_reporting"`
	AvgBattery     *float64 `json:"avg_battery,omitempty"`
	AvgVoltage     *float64 `json:"avg_voltage,omitempty"`
	AvgChannelUtil *float64 `json:"avg_channel_util,omitempty"`
	AvgAirUtil     *float64 `json:"avg_air_util,omitempty"`
	LowBattery     []string `json:"low_battery,omitempty"`
}

// SignalPoint is one SNR/RSSI observation.
type SignalPoint struct {
	Timestamp time.Time `json:"timestamp"`
	SNR       *float64  `json:"snr,omitempty"`
	RSSI      *int64    `json:"rssi,omitempty"`
}

// DMConversation summarises a direct-message peer.
type DMConversation struct {
	NodeID        string    `json:"node_id"`
	Name          string    `json:"name"`
	LastMessage   string    `json:"last_message"`
	LastTimestamp time.Time `json:"last_timestamp"`
	Count         int64     `json:"count"`
}

// ThreadMessage is one entry of a merged received/sent thread.
type ThreadMessage struct {
	Timestamp time.Time `json:"timestamp"`
	FromID    string    `json:"from_id"`
	FromName  string    `json:"from_name"`
	ToID      string    `json:"to_id"`
	Channel   int       `json:"channel"`
	Text      string    `json:"text"`
	IsSent    bool      `json:"is_sent"`
	SNR       *float64  `json:"snr,omitempty"`
	RSSI      *int64    `json:"rssi,omitempty"`
}

// NodeDetail bundles everything the dashboard shows for one node.
type NodeDetail struct {
	Node           Node              `json:"node"`
	Telemetry      []TelemetrySample `json:"telemetry"`
	Positions      []PositionSample  `json:"positions"`
	RecentMessages []Message         `json:"recent_messages"`
	Neighbors      []Neighbor        `json:"neighbors"`
	MessagesTotal  int64             `json:"messages_total"`
	SignalHistory  []SignalPoint     `json:"signal_history"`
}

// Neighbor is a reported neighbor link.
type Neighbor struct {
	NodeID     string    `json:"node_id"`
	NeighborID string    `json:"neighbor_id"`
	Timestamp  time.Time `json:"timestamp"`
	SNR        *float64  `json:"snr,omitempty"`
}

// RawPacket is one audit row.
type RawPacket struct {
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	FromID     string    `json:"from_id"`
	PacketType string    `json:"packet_type"`
	RawJSON    string    `json:"raw_json"`
}
