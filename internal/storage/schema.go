package storage

var schemaTables = []string{
	`CREATE TABLE IF NOT EXISTS raw_packets (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        timestamp REAL NOT NULL,
        from_id TEXT,
        to_id TEXT,
        packet_id INTEGER,
        port_num TEXT,
        channel INTEGER,
        hop_limit INTEGER,
        hop_start INTEGER,
        want_ack INTEGER,
        priority TEXT,
        snr REAL,
        rssi INTEGER,
        rx_time INTEGER,
        via_mqtt INTEGER,
        packet_type TEXT,
        raw_json TEXT
    )`,
	`CREATE TABLE IF NOT EXISTS messages (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        timestamp REAL NOT NULL,
        from_id TEXT,
        from_name TEXT,
        to_id TEXT,
        channel INTEGER,
        text TEXT,
        packet_id INTEGER,
        hop_limit INTEGER,
        hop_start INTEGER,
        snr REAL,
        rssi INTEGER,
        rx_time INTEGER,
        priority TEXT,
        want_ack INTEGER,
        via_mqtt INTEGER,
        raw_packet TEXT
    )`,
	`CREATE TABLE IF NOT EXISTS sent_messages (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        timestamp REAL NOT NULL,
        to_id TEXT,
        channel INTEGER,
        text TEXT,
        packet_id INTEGER,
        want_ack INTEGER,
        ack_received INTEGER DEFAULT 0,
        ack_time REAL
    )`,
	`CREATE TABLE IF NOT EXISTS nodes (
        node_id TEXT PRIMARY KEY,
        node_num INTEGER,
        long_name TEXT,
        short_name TEXT,
        mac_address TEXT,
        hw_model TEXT,
        role TEXT,
        is_licensed INTEGER,
        latitude REAL,
        longitude REAL,
        altitude INTEGER,
        position_time INTEGER,
        battery_level INTEGER,
        voltage REAL,
        channel_utilization REAL,
        air_util_tx REAL,
        uptime_seconds INTEGER,
        last_heard INTEGER,
        snr REAL,
        hops_away INTEGER,
        via_mqtt INTEGER,
        first_seen REAL,
        last_updated REAL,
        times_heard INTEGER DEFAULT 0,
        raw_data TEXT
    )`,
	`CREATE TABLE IF NOT EXISTS telemetry (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        node_id TEXT NOT NULL,
        timestamp REAL NOT NULL,
        telemetry_type TEXT,
        battery_level INTEGER,
        voltage REAL,
        channel_utilization REAL,
        air_util_tx REAL,
        uptime_seconds INTEGER,
        temperature REAL,
        relative_humidity REAL,
        barometric_pressure REAL,
        gas_resistance REAL,
        iaq INTEGER,
        current REAL,
        raw_data TEXT
    )`,
	`CREATE TABLE IF NOT EXISTS positions (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        node_id TEXT NOT NULL,
        timestamp REAL NOT NULL,
        latitude REAL,
        longitude REAL,
        altitude INTEGER,
        precision_bits INTEGER,
        speed INTEGER,
        ground_track INTEGER,
        sats_in_view INTEGER,
        pdop INTEGER,
        hdop INTEGER,
        vdop INTEGER,
        gps_accuracy INTEGER,
        fix_quality INTEGER,
        fix_type INTEGER,
        raw_data TEXT
    )`,
	`CREATE TABLE IF NOT EXISTS routing (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        timestamp REAL NOT NULL,
        from_id TEXT,
        to_id TEXT,
        packet_id INTEGER,
        error_reason TEXT,
        route_back TEXT,
        route_request TEXT,
        route_reply TEXT,
        snr REAL,
        raw_data TEXT
    )`,
	`CREATE TABLE IF NOT EXISTS neighbors (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        node_id TEXT NOT NULL,
        neighbor_id TEXT NOT NULL,
        timestamp REAL NOT NULL,
        snr REAL,
        last_rx_time INTEGER,
        node_broadcast_interval INTEGER,
        raw_data TEXT,
        UNIQUE(node_id, neighbor_id) ON CONFLICT REPLACE
    )`,
	`CREATE TABLE IF NOT EXISTS waypoints (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        waypoint_id INTEGER,
        node_id TEXT,
        timestamp REAL NOT NULL,
        name TEXT,
        description TEXT,
        latitude REAL,
        longitude REAL,
        expire INTEGER,
        icon INTEGER,
        locked INTEGER,
        raw_data TEXT
    )`,
	`CREATE TABLE IF NOT EXISTS traceroutes (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        timestamp REAL NOT NULL,
        from_id TEXT,
        to_id TEXT,
        route TEXT,
        snr_towards TEXT,
        snr_back TEXT,
        raw_data TEXT
    )`,
	`CREATE TABLE IF NOT EXISTS store_forward (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        timestamp REAL NOT NULL,
        from_id TEXT,
        to_id TEXT,
        sf_type TEXT,
        messages_total INTEGER,
        messages_saved INTEGER,
        messages_max INTEGER,
        up_time INTEGER,
        requests INTEGER,
        raw_data TEXT
    )`,
	`CREATE TABLE IF NOT EXISTS range_tests (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        timestamp REAL NOT NULL,
        from_id TEXT,
        to_id TEXT,
        payload TEXT,
        snr REAL,
        rssi INTEGER,
        hop_limit INTEGER,
        hop_start INTEGER,
        raw_data TEXT
    )`,
	`CREATE TABLE IF NOT EXISTS detection_sensor (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        timestamp REAL NOT NULL,
        from_id TEXT,
        sensor_name TEXT,
        alert_text TEXT,
        snr REAL,
        rssi INTEGER,
        raw_data TEXT
    )`,
	`CREATE TABLE IF NOT EXISTS paxcounter (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        timestamp REAL NOT NULL,
        node_id TEXT,
        wifi_count INTEGER,
        ble_count INTEGER,
        uptime INTEGER,
        raw_data TEXT
    )`,
	`CREATE TABLE IF NOT EXISTS user_facts (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        user_id TEXT NOT NULL,
        fact_type TEXT NOT NULL,
        fact_value TEXT NOT NULL,
        confidence REAL DEFAULT 1.0,
        source TEXT,
        created_at REAL NOT NULL,
        UNIQUE(user_id, fact_type, fact_value)
    )`,
	`CREATE TABLE IF NOT EXISTS global_context (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        context TEXT NOT NULL UNIQUE,
        category TEXT,
        created_at REAL
    )`,
	`CREATE TABLE IF NOT EXISTS filtered_content (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        timestamp REAL NOT NULL,
        from_id TEXT,
        from_name TEXT,
        original_text TEXT,
        filter_reason TEXT,
        filter_category TEXT
    )`,
	`CREATE TABLE IF NOT EXISTS pending_outbox (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        created_at REAL NOT NULL,
        message TEXT,
        destination TEXT DEFAULT '^all',
        channel INTEGER DEFAULT 0,
        status TEXT DEFAULT 'pending',
        sent_at REAL,
        error TEXT
    )`,
	`CREATE TABLE IF NOT EXISTS db_meta (
        key TEXT PRIMARY KEY,
        value REAL
    )`,
}

type lateColumn struct {
	table string
	name  string
	decl  string
}

// lateColumns were added after the first release of the schema; older
// databases gain them through addColumnIfMissing.
var lateColumns = []lateColumn{
	{"messages", "is_outgoing", "INTEGER DEFAULT 0"},
	{"nodes", "hw_model_id", "INTEGER"},
	{"nodes", "is_favorite", "INTEGER DEFAULT 0"},
	{"nodes", "position_precision", "INTEGER"},
	{"pending_outbox", "msg_type", "TEXT DEFAULT 'text'"},
}

var schemaIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_raw_packets_timestamp ON raw_packets(timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_raw_packets_type ON raw_packets(packet_type)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_from ON messages(from_id, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_to ON messages(to_id, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_sent_messages_timestamp ON sent_messages(timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_telemetry_node ON telemetry(node_id, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_node ON positions(node_id, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_traceroutes_timestamp ON traceroutes(timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_waypoints_id ON waypoints(waypoint_id)`,
	`CREATE INDEX IF NOT EXISTS idx_paxcounter_node ON paxcounter(node_id, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_user_facts_user ON user_facts(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_status ON pending_outbox(status, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_nodes_last_heard ON nodes(last_heard)`,
}
