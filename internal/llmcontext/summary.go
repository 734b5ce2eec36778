package llmcontext

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
)

const (
	summaryRoutes       = 3
	summaryStoreForward = 2
)

// NetworkSummary describes the whole mesh regardless of intent: node
// counts, hop histogram, channel utilisation, traffic totals, recent
// traceroute chains and store-and-forward routers. Lines whose data cannot
// be read are left out.
func (a *Assembler) NetworkSummary(ctx context.Context) string {
	var lines []string

	counts, err := a.src.NodeCounts(ctx, a.now())
	if err != nil {
		a.logger.Warn("network summary: node counts", slog.Any("error", err))
	} else {
		lines = append(lines, fmt.Sprintf("Mesh network: %d total nodes (%d active in last 24h, %d with GPS)",
			counts.Total, counts.Active24h, counts.WithGPS))
	}

	if hops, err := a.src.HopDistribution(ctx); err != nil {
		a.logger.Warn("network summary: hop distribution", slog.Any("error", err))
	} else {
		lines = append(lines, fmt.Sprintf("Hops: %d direct, %d 1-hop, %d 2-hop, %d 3+hop",
			hops.Direct, hops.OneHop, hops.TwoHop, hops.ThreePlus))
	}

	if err == nil && counts.AvgChannelUtil != nil {
		lines = append(lines, fmt.Sprintf("Avg channel utilization: %s%%", formatFloat(*counts.AvgChannelUtil)))
	}

	if stats, err := a.src.Stats(ctx); err != nil {
		a.logger.Warn("network summary: stats", slog.Any("error", err))
	} else {
		lines = append(lines, fmt.Sprintf("Traffic: %d text msgs, %d total packets", stats.TotalMessages, stats.TotalPackets))
	}

	if routes, err := a.src.Traceroutes(ctx, "", summaryRoutes); err != nil {
		a.logger.Warn("network summary: traceroutes", slog.Any("error", err))
	} else {
		var chains []string
		for _, tr := range routes {
			if len(tr.Route) == 0 {
				continue
			}
			chains = append(chains, strings.Join(tr.Chain(), " -> "))
		}
		if len(chains) > 0 {
			lines = append(lines, "Recent routes: "+strings.Join(chains, "; "))
		}
	}

	if routers, err := a.src.StoreForwardStats(ctx); err != nil {
		a.logger.Warn("network summary: store and forward", slog.Any("error", err))
	} else {
		if len(routers) > summaryStoreForward {
			routers = routers[:summaryStoreForward]
		}
		var entries []string
		for _, r := range routers {
			if r.MessagesSaved != nil && *r.MessagesSaved > 0 {
				entries = append(entries, fmt.Sprintf("%s: %d msgs stored", r.FromID, *r.MessagesSaved))
			}
		}
		if len(entries) > 0 {
			lines = append(lines, "Store&Forward: "+strings.Join(entries, ", "))
		}
	}

	return strings.Join(lines, "\n")
}

// SendCounters reports transmit outcomes for the health summary.
type SendCounters struct {
	Sent     int64
	Failures int64
}

// MeshHealth is a short troubleshooting summary: node activity plus any
// warning signs.
func (a *Assembler) MeshHealth(ctx context.Context, sends SendCounters) string {
	counts, err := a.src.NodeCounts(ctx, a.now())
	if err != nil {
		a.logger.Warn("mesh health: node counts", slog.Any("error", err))
		return ""
	}

	var issues []string
	if counts.Total > 3 && float64(counts.Active24h) < float64(counts.Total)*0.3 {
		issues = append(issues, "Many nodes haven't been heard from recently")
	}
	if sends.Sent+sends.Failures > 0 {
		rate := float64(sends.Failures) / float64(sends.Sent+sends.Failures) * 100
		if rate > 20 {
			issues = append(issues, fmt.Sprintf("High send failure rate (%.0f%%)", math.Round(rate)))
		}
	}

	out := fmt.Sprintf("Mesh network: %d nodes known, %d active in 24h", counts.Total, counts.Active24h)
	if len(issues) > 0 {
		out += "\nMesh issues: " + strings.Join(issues, "; ")
	}
	return out
}
