package decode

import "time"

// Kind identifies the application port a packet was sent on.
type Kind string

const (
	KindText         Kind = "TEXT_MESSAGE_APP"
	KindPosition     Kind = "POSITION_APP"
	KindTelemetry    Kind = "TELEMETRY_APP"
	KindRouting      Kind = "ROUTING_APP"
	KindNeighborInfo Kind = "NEIGHBORINFO_APP"
	KindWaypoint     Kind = "WAYPOINT_APP"
	KindTraceroute   Kind = "TRACEROUTE_APP"
	KindStoreForward Kind = "STORE_FORWARD_APP"
	KindRangeTest    Kind = "RANGE_TEST_APP"
	KindDetection    Kind = "DETECTION_SENSOR_APP"
	KindPaxcounter   Kind = "PAXCOUNTER_APP"
	KindNodeInfo     Kind = "NODEINFO_APP"
	KindMapReport    Kind = "MAP_REPORT_APP"
	KindUnknown      Kind = "UNKNOWN"
)

var knownKinds = map[Kind]struct{}{
	KindText: {}, KindPosition: {}, KindTelemetry: {}, KindRouting: {},
	KindNeighborInfo: {}, KindWaypoint: {}, KindTraceroute: {}, KindStoreForward: {},
	KindRangeTest: {}, KindDetection: {}, KindPaxcounter: {}, KindNodeInfo: {},
	KindMapReport: {},
}

// Header carries the routing and signal metadata common to every packet.
type Header struct {
	PacketID *int64
	FromID   string
	ToID     string
	Channel  int
	HopLimit *int64
	HopStart *int64
	WantAck  bool
	Priority string
	RxSnr    *float64
	RxRssi   *int64
	RxTime   *int64
	ViaMQTT  bool
}

// HopsUsed returns hop_start - hop_limit when the sender declared a hop start.
// The value is reported as observed and may be negative.
func (h Header) HopsUsed() (int64, bool) {
	if h.HopStart == nil || *h.HopStart <= 0 || h.HopLimit == nil {
		return 0, false
	}
	return *h.HopStart - *h.HopLimit, true
}

// Packet is the normalized form of one received radio packet. Exactly one
// payload pointer is set for recognised kinds with a usable payload.
type Packet struct {
	Kind       Kind
	PortName   string
	Header     Header
	Raw        map[string]any
	ReceivedAt time.Time
	ParseError string

	Text         *TextMessage
	Position     *Position
	Telemetry    *Telemetry
	Routing      *Routing
	Neighbors    *NeighborInfo
	Waypoint     *Waypoint
	Traceroute   *Traceroute
	StoreForward *StoreForward
	RangeTest    *RangeTest
	Detection    *DetectionAlert
	Paxcount     *Paxcount
	Node         *NodeInfo
}

// TextMessage is a TEXT_MESSAGE_APP payload.
type TextMessage struct {
	Text string
}

// Position is a GPS fix.
type Position struct {
	Latitude      *float64
	Longitude     *float64
	Altitude      *int64
	Time          *int64
	PrecisionBits *int64
	GroundSpeed   *int64
	GroundTrack   *int64
	SatsInView    *int64
	PDOP          *int64
	HDOP          *int64
	VDOP          *int64
	GPSAccuracy   *int64
	FixQuality    *int64
	FixType       *int64
	Raw           map[string]any
}

// Telemetry sub-types.
const (
	TelemetryDevice      = "device"
	TelemetryEnvironment = "environment"
	TelemetryPower       = "power"
	TelemetryAirQuality  = "air_quality"
	TelemetryLocalStats  = "local_stats"
	TelemetryHealth      = "health"
	TelemetryUnknown     = "unknown"
)

// Telemetry is a TELEMETRY_APP payload flattened to the stored columns.
type Telemetry struct {
	Type               string
	BatteryLevel       *int64
	Voltage            *float64
	ChannelUtilization *float64
	AirUtilTx          *float64
	UptimeSeconds      *int64
	Temperature        *float64
	RelativeHumidity   *float64
	BarometricPressure *float64
	GasResistance      *float64
	IAQ                *int64
	Current            *float64
	Raw                map[string]any
}

// Routing is a ROUTING_APP payload.
type Routing struct {
	ErrorReason  string
	RouteBack    any
	RouteRequest any
	RouteReply   any
}

// Neighbor is one entry of a NEIGHBORINFO_APP report.
type Neighbor struct {
	NeighborID        string
	SNR               *float64
	LastRxTime        *int64
	BroadcastInterval *int64
	Raw               map[string]any
}

// NeighborInfo lists the neighbors a node reported.
type NeighborInfo struct {
	Neighbors []Neighbor
}

// Waypoint is a WAYPOINT_APP payload.
type Waypoint struct {
	ID          *int64
	Name        string
	Description string
	Latitude    *float64
	Longitude   *float64
	Expire      *int64
	Icon        *int64
	Locked      bool
	Raw         map[string]any
}

// Traceroute is a TRACEROUTE_APP payload. SNR values are in quarter dB as sent
// by the radio.
type Traceroute struct {
	Route      []string
	SNRTowards []int64
	SNRBack    []int64
}

// Store-and-forward sub-types.
const (
	StoreForwardStats     = "stats"
	StoreForwardHeartbeat = "heartbeat"
	StoreForwardHistory   = "history"
	StoreForwardUnknown   = "unknown"
)

// StoreForward is a STORE_FORWARD_APP payload.
type StoreForward struct {
	Type          string
	MessagesTotal *int64
	MessagesSaved *int64
	MessagesMax   *int64
	UpTime        *int64
	Requests      *int64
	Raw           map[string]any
}

// RangeTest is a RANGE_TEST_APP payload.
type RangeTest struct {
	Payload string
}

// DetectionAlert is a DETECTION_SENSOR_APP payload.
type DetectionAlert struct {
	Text string
}

// Paxcount is a PAXCOUNTER_APP payload.
type Paxcount struct {
	WiFi   *int64
	BLE    *int64
	Uptime *int64
	Raw    map[string]any
}

// NodeInfo is the descriptor used for node upserts, from NODEINFO_APP packets
// or from the radio's node database.
type NodeInfo struct {
	NodeID             string
	Num                *int64
	LongName           string
	ShortName          string
	MacAddress         string
	HWModel            string
	HWModelID          *int64
	Role               string
	IsLicensed         bool
	IsFavorite         bool
	ViaMQTT            bool
	Latitude           *float64
	Longitude          *float64
	Altitude           *int64
	PositionTime       *int64
	PositionPrecision  *int64
	BatteryLevel       *int64
	Voltage            *float64
	ChannelUtilization *float64
	AirUtilTx          *float64
	UptimeSeconds      *int64
	LastHeard          *int64
	SNR                *float64
	HopsAway           *int64
	Raw                map[string]any
}
