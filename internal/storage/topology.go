package storage

import (
	"context"
	"database/sql"
	"math"
	"sort"
	"time"
)

// Topology is the link graph built from traceroutes and neighbor reports.
type Topology struct {
	Nodes []TopologyNode `json:"nodes"`
	Edges []TopologyEdge `json:"edges"`
}

// TopologyNode is a node that appears in at least one edge.
type TopologyNode struct {
	NodeID       string   `json:"node_id"`
	LongName     string   `json:"long_name"`
	ShortName    string   `json:"short_name"`
	Latitude     *float64 `json:"latitude,omitempty"`
	Longitude    *float64 `json:"longitude,omitempty"`
	HopsAway     *int64   `json:"hops_away,omitempty"`
	BatteryLevel *int64   `json:"battery_level,omitempty"`
	LastHeard    *int64   `json:"last_heard,omitempty"`
}

// TopologyEdge is an undirected link between two nodes.
type TopologyEdge struct {
	NodeID       string   `json:"node_id"`
	NeighborID   string   `json:"neighbor_id"`
	SNR          *float64 `json:"snr"`
	Observations int      `json:"observations"`
	Strength     float64  `json:"strength"`
	DistanceKm   *float64 `json:"distance_km,omitempty"`
	Source       string   `json:"source"`
}

type linkAccumulator struct {
	a, b         string
	source       string
	observations int
	snrSum       float64
	snrSamples   int
}

func (l *linkAccumulator) add(snr *float64) {
	l.observations++
	if snr != nil && !math.IsNaN(*snr) {
		l.snrSum += *snr
		l.snrSamples++
	}
}

func linkKey(a, b string) (string, string) {
	if a > b {
		return b, a
	}
	return a, b
}

// Topology builds the link graph from the newest 100 traceroutes, then adds
// neighbor-table links not already covered. Only nodes that appear in an
// edge are returned; node metadata comes from nodes heard in the last 24h.
func (s *Store) Topology(ctx context.Context) (Topology, error) {
	routes, err := s.Traceroutes(ctx, "", 100)
	if err != nil {
		return Topology{}, err
	}

	links := make(map[[2]string]*linkAccumulator)
	var order [][2]string
	addLink := func(a, b, source string, snr *float64) {
		if a == "" || b == "" || a == b {
			return
		}
		x, y := linkKey(a, b)
		key := [2]string{x, y}
		acc, ok := links[key]
		if !ok {
			acc = &linkAccumulator{a: a, b: b, source: source}
			links[key] = acc
			order = append(order, key)
		}
		acc.add(snr)
	}

	for _, tr := range routes {
		chain := tr.Chain()
		for i := 0; i+1 < len(chain); i++ {
			var snr *float64
			if i < len(tr.SNRTowards) && tr.SNRTowards[i] != 0 {
				v := tr.SNRTowards[i]
				snr = &v
			}
			addLink(chain[i], chain[i+1], "traceroute", snr)
		}
	}

	cutoff := s.now().Add(-24 * time.Hour).Unix()
	meta := map[string]TopologyNode{}
	err = s.read(ctx, "topology", func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `SELECT node_id, neighbor_id, snr FROM neighbors ORDER BY timestamp DESC`)
		if err != nil {
			return err
		}
		for rows.Next() {
			var (
				nodeID, neighborID string
				snr                sql.NullFloat64
			)
			if err := rows.Scan(&nodeID, &neighborID, &snr); err != nil {
				rows.Close()
				return err
			}
			x, y := linkKey(nodeID, neighborID)
			if _, ok := links[[2]string{x, y}]; ok {
				continue
			}
			addLink(nodeID, neighborID, "neighbor", floatPtr(snr))
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		nodeRows, err := conn.QueryContext(ctx, `SELECT node_id, COALESCE(long_name, ''), COALESCE(short_name, ''),
                latitude, longitude, hops_away, battery_level, last_heard
            FROM nodes WHERE last_heard > ?`, cutoff)
		if err != nil {
			return err
		}
		defer nodeRows.Close()
		for nodeRows.Next() {
			var (
				n                        TopologyNode
				lat, lon                 sql.NullFloat64
				hops, battery, lastHeard sql.NullInt64
			)
			if err := nodeRows.Scan(&n.NodeID, &n.LongName, &n.ShortName, &lat, &lon, &hops, &battery, &lastHeard); err != nil {
				return err
			}
			n.Latitude = floatPtr(lat)
			n.Longitude = floatPtr(lon)
			n.HopsAway = intPtr(hops)
			n.BatteryLevel = intPtr(battery)
			n.LastHeard = intPtr(lastHeard)
			meta[n.NodeID] = n
		}
		return nodeRows.Err()
	})
	if err != nil {
		return Topology{}, err
	}

	topo := Topology{Nodes: []TopologyNode{}, Edges: make([]TopologyEdge, 0, len(order))}
	seen := map[string]struct{}{}
	addNode := func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		n, ok := meta[id]
		if !ok {
			n = TopologyNode{NodeID: id, LongName: id, ShortName: shortID(id)}
		}
		topo.Nodes = append(topo.Nodes, n)
	}

	for _, key := range order {
		acc := links[key]
		edge := TopologyEdge{
			NodeID:       acc.a,
			NeighborID:   acc.b,
			Observations: acc.observations,
			Source:       acc.source,
		}
		avg := 0.0
		if acc.snrSamples > 0 {
			avg = acc.snrSum / float64(acc.snrSamples)
			edge.SNR = &avg
		}
		edge.Strength = linkStrength(avg, acc.observations)
		src, dst := meta[acc.a], meta[acc.b]
		if src.Latitude != nil && src.Longitude != nil && dst.Latitude != nil && dst.Longitude != nil {
			if d := haversineKm(*src.Latitude, *src.Longitude, *dst.Latitude, *dst.Longitude); d > 0 {
				edge.DistanceKm = &d
			}
		}
		topo.Edges = append(topo.Edges, edge)
		addNode(acc.a)
		addNode(acc.b)
	}

	sort.SliceStable(topo.Nodes, func(i, j int) bool { return topo.Nodes[i].NodeID < topo.Nodes[j].NodeID })
	return topo, nil
}

func shortID(id string) string {
	if len(id) > 4 {
		return id[len(id)-4:]
	}
	return id
}

// linkStrength maps mean SNR and observation count onto 1..10.
func linkStrength(avgSNR float64, observations int) float64 {
	if observations <= 0 {
		return 1
	}
	base := (avgSNR + 20.0) / 5.0
	if base < 0 {
		base = 0
	}
	strength := base + math.Log10(float64(observations))
	return math.Max(1, math.Min(10, strength))
}

// haversineKm returns the great-circle distance in kilometres. A 0,0
// coordinate counts as unknown and yields 0.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	if (lat1 == 0 && lon1 == 0) || (lat2 == 0 && lon2 == 0) {
		return 0
	}

	const earthRadius = 6371.0
	radLat1 := lat1 * math.Pi / 180
	radLat2 := lat2 * math.Pi / 180
	deltaLat := (lat2 - lat1) * math.Pi / 180
	deltaLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(radLat1)*math.Cos(radLat2)*math.Sin(deltaLon/2)*math.Sin(deltaLon/2)
	return earthRadius * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
