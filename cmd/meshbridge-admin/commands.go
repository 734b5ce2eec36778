package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/aminovpavel/meshbridge-go/internal/app"
	"github.com/aminovpavel/meshbridge-go/internal/dashboard"
	"github.com/aminovpavel/meshbridge-go/internal/decode"
	"github.com/aminovpavel/meshbridge-go/internal/diff"
	"github.com/aminovpavel/meshbridge-go/internal/history"
	"github.com/aminovpavel/meshbridge-go/internal/llm"
	"github.com/aminovpavel/meshbridge-go/internal/llmcontext"
	"github.com/aminovpavel/meshbridge-go/internal/replay"
	"github.com/aminovpavel/meshbridge-go/internal/storage"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print aggregate statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(cmd, func(ctx context.Context, e *env) error {
			stats, err := e.store.Stats(ctx)
			if err != nil {
				return err
			}
			return e.printJSON(stats)
		})
	},
}

var nodesAtCmd = &cobra.Command{
	Use:   "nodes-at <time>",
	Short: "Show the node list as it was at a past instant",
	Long: `Reconstruct every node's state at the given instant from stored history.

The time may be RFC 3339, "YYYY-MM-DD HH:MM[:SS]" in the configured timezone,
or unix seconds.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, e *env) error {
			loc := time.Local
			if e.cfg.Timezone != "" {
				if l, err := time.LoadLocation(e.cfg.Timezone); err == nil {
					loc = l
				}
			}
			at, err := dashboard.ParseInstant(args[0], loc)
			if err != nil {
				return err
			}
			nodes, err := history.New(e.store, history.WithLogger(e.logger)).NodesAt(ctx, at)
			if err != nil {
				return err
			}
			return e.printJSON(nodes)
		})
	},
}

var contextCmd = &cobra.Command{
	Use:   "context <node_id> [message]",
	Short: "Preview the model context assembled for a user",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := decode.NormalizeNodeID(args[0])
		if id == "" {
			return fmt.Errorf("invalid node id %q", args[0])
		}
		message := ""
		if len(args) == 2 {
			message = args[1]
		}
		return withStore(cmd, func(ctx context.Context, e *env) error {
			name := id
			if node, err := e.store.GetNode(ctx, id); err == nil && node.LongName != "" {
				name = node.LongName
			}
			assembler := llmcontext.New(e.store, llmcontext.WithLogger(e.logger))
			out := assembler.Build(ctx, llmcontext.Request{
				UserID:   id,
				UserName: name,
				Intent:   llmcontext.ClassifyIntent(message),
			})
			_, err := fmt.Fprintln(e.out, out)
			return err
		})
	},
}

var (
	sendTo      string
	sendChannel int
)

var sendCmd = &cobra.Command{
	Use:   "send <message>",
	Short: "Queue a text message for the daemon to transmit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		msg := strings.TrimSpace(args[0])
		if msg == "" {
			return errors.New("empty message")
		}
		dest := decode.NormalizeNodeID(sendTo)
		if dest == "" {
			return fmt.Errorf("invalid destination %q", sendTo)
		}
		kind := storage.KindText
		if !decode.IsBroadcast(dest) {
			kind = storage.KindDM
		}
		return withStore(cmd, func(ctx context.Context, e *env) error {
			if limit := e.cfg.MaxResponseBytes; limit > 0 && len(msg) > limit {
				return fmt.Errorf("message too long (max %d bytes)", limit)
			}
			id, err := e.store.AddToOutbox(ctx, msg, dest, sendChannel, kind)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(e.out, "queued %s #%d to %s\n", kind, id, dest)
			return err
		})
	},
}

var tracerouteCmd = &cobra.Command{
	Use:   "traceroute <node_id>",
	Short: "Queue a traceroute request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := decode.NormalizeNodeID(args[0])
		if id == "" || decode.IsBroadcast(id) {
			return fmt.Errorf("invalid node id %q", args[0])
		}
		return withStore(cmd, func(ctx context.Context, e *env) error {
			reqID, err := e.store.AddTracerouteRequest(ctx, id)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(e.out, "queued traceroute #%d to %s\n", reqID, id)
			return err
		})
	},
}

var purgeOlderThan time.Duration

var purgeOutboxCmd = &cobra.Command{
	Use:   "purge-outbox",
	Short: "Delete sent and failed outbox entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(cmd, func(ctx context.Context, e *env) error {
			removed, err := e.store.PurgeOutbox(ctx, purgeOlderThan)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(e.out, "removed %d outbox entries\n", removed)
			return err
		})
	},
}

var vacuumCmd = &cobra.Command{
	Use:   "vacuum",
	Short: "Rebuild the database file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(cmd, func(ctx context.Context, e *env) error {
			return e.store.Vacuum(ctx)
		})
	},
}

var clearConfirmed bool

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all captured history",
	Long:  `Delete messages, packets, nodes, telemetry and facts. The outbox is kept.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if !clearConfirmed {
			return errors.New("refusing to clear without --yes")
		}
		return withStore(cmd, func(ctx context.Context, e *env) error {
			return e.store.ClearAll(ctx)
		})
	},
}

var replayOpts replay.Options

var replayCmd = &cobra.Command{
	Use:   "replay <source.db>",
	Short: "Re-ingest raw packets from another database",
	Long: `Feed the raw_packets rows of another meshbridge database through the
normalizer into this store. No replies are generated.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, e *env) error {
			replayCfg := *e.cfg
			replayCfg.AutoRespond = false
			b, err := app.NewBridge(&replayCfg, e.store, llm.Echo{}, nil, e.logger, nil)
			if err != nil {
				return err
			}
			res, err := replay.ReplaySQLite(ctx, args[0], b, replayOpts)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(e.out, "replayed %d, skipped %d, failed %d\n", res.Replayed, res.Skipped, res.Failed)
			return err
		})
	},
}

var diffSamples int

var diffCmd = &cobra.Command{
	Use:   "diff <a.db> <b.db>",
	Short: "Compare the captured content of two databases",
	Long: `Fingerprint raw packets, messages and nodes in both databases and report
rows found on one side only. Useful to check a replay against its source.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		summary, err := diff.CompareSQLite(cmd.Context(), args[0], args[1], diff.Options{SampleLimit: diffSamples})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, td := range summary.Tables {
			fmt.Fprintf(out, "=== %s ===\n", td.Table)
			fmt.Fprintf(out, "Only in first: %d rows\n", td.OnlyA)
			for _, s := range td.SampleOnlyA {
				fmt.Fprintf(out, "    %s\n", s)
			}
			fmt.Fprintf(out, "Only in second: %d rows\n", td.OnlyB)
			for _, s := range td.SampleOnlyB {
				fmt.Fprintf(out, "    %s\n", s)
			}
		}
		if !summary.Equal() {
			return errors.New("databases differ")
		}
		return nil
	},
}

var factCmd = &cobra.Command{
	Use:   "fact",
	Short: "Manage per-user facts",
}

var (
	factConfidence float64
	factSource     string
)

var factAddCmd = &cobra.Command{
	Use:   "add <node_id> <type> <value>",
	Short: "Record a fact about a user",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := decode.NormalizeNodeID(args[0])
		if id == "" {
			return fmt.Errorf("invalid node id %q", args[0])
		}
		return withStore(cmd, func(ctx context.Context, e *env) error {
			return e.store.SaveFact(ctx, id, storage.Fact{
				Type:       args[1],
				Value:      args[2],
				Confidence: factConfidence,
				Source:     factSource,
			})
		})
	},
}

var globalCmd = &cobra.Command{
	Use:   "global",
	Short: "Manage global context",
}

var globalCategory string

var globalAddCmd = &cobra.Command{
	Use:   "add <text>",
	Short: "Add a fact shared with every conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, e *env) error {
			return e.store.SaveGlobalContext(ctx, args[0], globalCategory)
		})
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendTo, "to", decode.BroadcastAlias, "Destination node id")
	sendCmd.Flags().IntVar(&sendChannel, "channel", 0, "Channel index")

	purgeOutboxCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 24*time.Hour, "Only remove entries older than this")

	clearCmd.Flags().BoolVar(&clearConfirmed, "yes", false, "Confirm deletion")

	replayCmd.Flags().Int64Var(&replayOpts.StartID, "start-id", 0, "First raw_packets id (inclusive)")
	replayCmd.Flags().Int64Var(&replayOpts.EndID, "end-id", 0, "Last raw_packets id (inclusive)")
	replayCmd.Flags().IntVar(&replayOpts.Limit, "limit", 0, "Maximum packets to replay (0 = all)")
	replayCmd.Flags().BoolVar(&replayOpts.ContinueOnError, "continue-on-error", false, "Count failed packets instead of stopping")

	diffCmd.Flags().IntVar(&diffSamples, "samples", 5, "Sample differences shown per table and side")

	factAddCmd.Flags().Float64Var(&factConfidence, "confidence", 1, "Confidence between 0 and 1")
	factAddCmd.Flags().StringVar(&factSource, "source", "manual", "Where the fact came from")

	globalAddCmd.Flags().StringVar(&globalCategory, "category", "", "Optional category")
}
