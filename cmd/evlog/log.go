package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmerrifield20/decisionlog/internal/eventlog"
	"github.com/jmerrifield20/decisionlog/pkg/client"
)

// ── append ───────────────────────────────────────────────────────────────────

func (c *cli) appendCmd() *cobra.Command {
	var (
		actor, eventKind, entityKind, entityID, payload string
	)
	cmd := &cobra.Command{
		Use:   "append",
		Short: "Append an entry to the log",
		Long: `Append records one entry. The payload is hashed, never stored.

  evlog append --actor human --event-kind decision.recorded \
      --entity-kind decision --entity-id d-42 --payload '{"verdict":"approve"}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var body any
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &body); err != nil {
					return fmt.Errorf("--payload is not valid JSON: %w", err)
				}
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if c.remote() {
				cl, err := c.client()
				if err != nil {
					return err
				}
				e, err := cl.Append(ctx, client.AppendRequest{
					Actor: actor, EventKind: eventKind, EntityKind: entityKind, EntityID: entityID, Payload: body,
				})
				if err != nil {
					return err
				}
				if c.format == "json" {
					return printJSON(out, e)
				}
				return printEntries(out, []entryRow{rowFromRemote(*e)})
			}

			a, err := eventlog.ParseActor(actor)
			if err != nil {
				return err
			}
			l, err := c.openLog(ctx)
			if err != nil {
				return err
			}
			e, err := l.Append(ctx, a, eventKind, entityKind, entityID, body)
			if err != nil {
				return err
			}
			if c.format == "json" {
				return printJSON(out, e)
			}
			return printEntries(out, []entryRow{rowFromLocal(*e)})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "human", "actor: human or system")
	cmd.Flags().StringVar(&eventKind, "event-kind", "", "event kind (required)")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind (required)")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload")
	_ = cmd.MarkFlagRequired("event-kind")
	_ = cmd.MarkFlagRequired("entity-kind")
	return cmd
}

// ── show ─────────────────────────────────────────────────────────────────────

func (c *cli) showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [id]",
		Short: "Show one entry, or the last entry when no id is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if c.remote() {
				cl, err := c.client()
				if err != nil {
					return err
				}
				var e *client.Entry
				if len(args) == 1 {
					e, err = cl.GetEntry(ctx, args[0])
				} else {
					e, err = cl.GetLastEntry(ctx)
				}
				if err != nil {
					return err
				}
				if c.format == "json" {
					return printJSON(out, e)
				}
				return printEntryDetail(out, *e)
			}

			l, err := c.openLog(ctx)
			if err != nil {
				return err
			}
			var e *eventlog.Entry
			if len(args) == 1 {
				e, err = l.GetByID(ctx, args[0])
			} else {
				e, err = l.GetLastEntry(ctx)
			}
			if err != nil {
				return err
			}
			if c.format == "json" {
				return printJSON(out, e)
			}
			prev, _ := e.PreviousHash.Hash()
			var prevPtr *string
			if !e.PreviousHash.IsNone() {
				prevPtr = &prev
			}
			return printEntryDetail(out, client.Entry{
				ID: e.ID, Timestamp: e.Timestamp, Actor: string(e.Actor), EventKind: e.EventKind,
				EntityKind: e.EntityKind, EntityID: e.EntityID, PayloadHash: e.PayloadHash,
				PreviousHash: prevPtr, CurrentHash: e.CurrentHash,
			})
		},
	}
}

func printEntryDetail(w io.Writer, e client.Entry) error {
	tw := newTable(w)
	prev := "none (genesis)"
	if e.PreviousHash != nil {
		prev = *e.PreviousHash
	}
	fmt.Fprintf(tw, "ID:\t%s\n", e.ID)
	fmt.Fprintf(tw, "Timestamp:\t%s\n", e.Timestamp.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(tw, "Actor:\t%s\n", e.Actor)
	fmt.Fprintf(tw, "Event kind:\t%s\n", e.EventKind)
	fmt.Fprintf(tw, "Entity:\t%s %s\n", e.EntityKind, e.EntityID)
	fmt.Fprintf(tw, "Payload hash:\t%s\n", e.PayloadHash)
	fmt.Fprintf(tw, "Previous hash:\t%s\n", prev)
	fmt.Fprintf(tw, "Current hash:\t%s\n", e.CurrentHash)
	return tw.Flush()
}

// ── list ─────────────────────────────────────────────────────────────────────

func (c *cli) listCmd() *cobra.Command {
	var (
		eventKind, entityKind, entityID string
		limit                           int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List entries, optionally filtered by event kind or entity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if c.remote() {
				cl, err := c.client()
				if err != nil {
					return err
				}
				page, err := cl.ListEntries(ctx, client.EntryFilter{
					EventKind: eventKind, EntityKind: entityKind, EntityID: entityID, Limit: limit,
				})
				if err != nil {
					return err
				}
				if c.format == "json" {
					return printJSON(out, page)
				}
				rows := make([]entryRow, len(page.Entries))
				for i, e := range page.Entries {
					rows[i] = rowFromRemote(e)
				}
				return printEntries(out, rows)
			}

			l, err := c.openLog(ctx)
			if err != nil {
				return err
			}
			var entries []eventlog.Entry
			switch {
			case entityKind != "":
				entries, err = l.GetByEntity(ctx, entityKind, entityID)
			case eventKind != "":
				entries, err = l.GetByEventKind(ctx, eventKind)
			default:
				entries, err = l.GetAll(ctx)
			}
			if err != nil {
				return err
			}
			rows := make([]entryRow, 0, len(entries))
			kept := entries[:0:0]
			for _, e := range entries {
				if eventKind != "" && e.EventKind != eventKind {
					continue
				}
				if entityID != "" && e.EntityID != entityID {
					continue
				}
				if limit > 0 && len(kept) == limit {
					break
				}
				kept = append(kept, e)
				rows = append(rows, rowFromLocal(e))
			}
			if c.format == "json" {
				return printJSON(out, kept)
			}
			return printEntries(out, rows)
		},
	}
	cmd.Flags().StringVar(&eventKind, "event-kind", "", "only entries of this event kind")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "only entries about this entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "only entries about this entity id")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum entries to print (0 = all, local only)")
	return cmd
}

// ── verify ───────────────────────────────────────────────────────────────────

func (c *cli) verifyCmd() *cobra.Command {
	var fast bool
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the hash chain",
		Long: `Verify walks the chain from genesis and reports the first violation.
--fast starts from the latest snapshot and only checks the suffix, falling
back to a full walk when the snapshot is missing or does not match.

Exits non-zero when the chain is invalid.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var res *eventlog.VerifyResult

			if c.remote() {
				cl, err := c.client()
				if err != nil {
					return err
				}
				mode := client.VerifyFull
				if fast {
					mode = client.VerifySnapshot
				}
				r, err := cl.Verify(ctx, mode)
				if err != nil {
					return err
				}
				res = &eventlog.VerifyResult{
					Valid: r.Valid, TotalVerified: r.TotalVerified, FirstInvalidIndex: r.FirstInvalidIndex,
					FirstInvalidID: r.FirstInvalidID, Reason: eventlog.Reason(r.Reason),
					Mode: eventlog.VerifyMode(r.Mode), SnapshotFallback: r.SnapshotFallback,
				}
			} else {
				l, err := c.openLog(ctx)
				if err != nil {
					return err
				}
				if fast {
					res, err = l.VerifyFromSnapshot(ctx)
				} else {
					res, err = l.VerifyChain(ctx)
				}
				if err != nil {
					return err
				}
			}

			if err := printVerify(cmd, c.format, res); err != nil {
				return err
			}
			if !res.Valid {
				return errChainInvalid
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&fast, "fast", false, "verify from the latest snapshot")
	return cmd
}

func printVerify(cmd *cobra.Command, format string, res *eventlog.VerifyResult) error {
	out := cmd.OutOrStdout()
	if format == "json" {
		return printJSON(out, res)
	}
	tw := newTable(out)
	fmt.Fprintf(tw, "Mode:\t%s\n", res.Mode)
	if res.SnapshotFallback != "" {
		fmt.Fprintf(tw, "Snapshot fallback:\t%s\n", res.SnapshotFallback)
	}
	fmt.Fprintf(tw, "Verified:\t%d\n", res.TotalVerified)
	if res.Valid {
		fmt.Fprintf(tw, "Status:\tVALID\n")
	} else {
		fmt.Fprintf(tw, "Status:\tINVALID\n")
		if res.FirstInvalidIndex != nil {
			fmt.Fprintf(tw, "First invalid index:\t%d\n", *res.FirstInvalidIndex)
		}
		fmt.Fprintf(tw, "First invalid id:\t%s\n", res.FirstInvalidID)
		fmt.Fprintf(tw, "Reason:\t%s\n", res.Reason)
	}
	return tw.Flush()
}

// ── export ───────────────────────────────────────────────────────────────────

func (c *cli) exportCmd() *cobra.Command {
	var (
		from, to               string
		fromSegment, toSegment int
		outFile                string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a range of entries with a manifest",
		Long: `Export writes entries and a manifest as JSON. Ranges are inclusive and
compose: a timestamp range filters within a segment range.

  evlog export --from-segment 0 --to-segment 3 --out audit.json
  evlog export --from 2026-01-01T00:00:00Z --to 2026-01-31T23:59:59Z`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			fromTS, err := parseTimeFlag("from", from)
			if err != nil {
				return err
			}
			toTS, err := parseTimeFlag("to", to)
			if err != nil {
				return err
			}
			fs := intFlag(cmd, "from-segment", fromSegment)
			ts := intFlag(cmd, "to-segment", toSegment)

			var (
				result   any
				manifest string
			)
			if c.remote() {
				cl, err := c.client()
				if err != nil {
					return err
				}
				exp, err := cl.Export(ctx, client.ExportOptions{From: fromTS, To: toTS, FromSegment: fs, ToSegment: ts})
				if err != nil {
					return err
				}
				result = exp
				manifest = fmt.Sprintf("%d entries, chain valid within export: %t", exp.Manifest.Count, exp.Manifest.ChainValidWithinExport)
			} else {
				l, err := c.openLog(ctx)
				if err != nil {
					return err
				}
				exp, err := l.ExportRange(ctx, eventlog.ExportOptions{From: fromTS, To: toTS, FromSegment: fs, ToSegment: ts})
				if err != nil {
					return err
				}
				result = exp
				manifest = fmt.Sprintf("%d entries, chain valid within export: %t", exp.Manifest.Count, exp.Manifest.ChainValidWithinExport)
			}

			if outFile == "" {
				return printJSON(cmd.OutOrStdout(), result)
			}
			data, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(outFile, data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", outFile, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ exported %s to %s\n", manifest, outFile)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "inclusive lower timestamp bound (RFC 3339)")
	cmd.Flags().StringVar(&to, "to", "", "inclusive upper timestamp bound (RFC 3339)")
	cmd.Flags().IntVar(&fromSegment, "from-segment", 0, "first segment number")
	cmd.Flags().IntVar(&toSegment, "to-segment", 0, "last segment number")
	cmd.Flags().StringVar(&outFile, "out", "", "write to this file instead of stdout")
	return cmd
}

// ── replay ───────────────────────────────────────────────────────────────────

func (c *cli) replayCmd() *cobra.Command {
	var (
		eventKind, entityKind, entityID, from, to string
		maxScan                                   int
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Summarise the log by event kind, entity kind and actor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			fromTS, err := parseTimeFlag("from", from)
			if err != nil {
				return err
			}
			toTS, err := parseTimeFlag("to", to)
			if err != nil {
				return err
			}

			var sum *eventlog.ReplaySummary
			if c.remote() {
				cl, err := c.client()
				if err != nil {
					return err
				}
				r, err := cl.Replay(ctx, client.ReplayOptions{
					EventKind: eventKind, EntityKind: entityKind, EntityID: entityID,
					From: fromTS, To: toTS, MaxScan: maxScan,
				})
				if err != nil {
					return err
				}
				if c.format == "json" {
					return printJSON(cmd.OutOrStdout(), r)
				}
				sum = summaryFromRemote(r)
			} else {
				l, err := c.openLog(ctx)
				if err != nil {
					return err
				}
				sum, err = l.Replay(ctx, eventlog.ReplayOptions{
					EventKind: eventKind, EntityKind: entityKind, EntityID: entityID,
					From: fromTS, To: toTS, MaxScan: maxScan,
				})
				if err != nil {
					return err
				}
				if c.format == "json" {
					return printJSON(cmd.OutOrStdout(), sum)
				}
			}
			return printReplay(cmd, sum)
		},
	}
	cmd.Flags().StringVar(&eventKind, "event-kind", "", "only count this event kind")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "only count this entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "only count this entity id")
	cmd.Flags().StringVar(&from, "from", "", "inclusive lower timestamp bound (RFC 3339)")
	cmd.Flags().StringVar(&to, "to", "", "inclusive upper timestamp bound (RFC 3339)")
	cmd.Flags().IntVar(&maxScan, "max-scan", 0, "stop after scanning this many entries")
	return cmd
}

func summaryFromRemote(r *client.ReplaySummary) *eventlog.ReplaySummary {
	sum := &eventlog.ReplaySummary{
		TotalEntries: r.TotalEntries,
		Scanned:      r.Scanned,
		ByEventKind:  r.ByEventKind,
		ByEntityKind: r.ByEntityKind,
		ByActor:      map[eventlog.Actor]int{},
		Truncated:    r.Truncated,
	}
	for a, n := range r.ByActor {
		sum.ByActor[eventlog.Actor(a)] = n
	}
	if r.Range != nil {
		sum.Range = &eventlog.TimeRange{From: r.Range.From, To: r.Range.To}
	}
	for _, in := range r.Inconsistencies {
		sum.Inconsistencies = append(sum.Inconsistencies, eventlog.Inconsistency{
			Index: in.Index, ID: in.ID, Reason: eventlog.Reason(in.Reason),
		})
	}
	return sum
}

func printReplay(cmd *cobra.Command, sum *eventlog.ReplaySummary) error {
	tw := newTable(cmd.OutOrStdout())
	fmt.Fprintf(tw, "Matched:\t%d\n", sum.TotalEntries)
	fmt.Fprintf(tw, "Scanned:\t%d\n", sum.Scanned)
	if sum.Range != nil {
		fmt.Fprintf(tw, "Range:\t%s .. %s\n", sum.Range.From.UTC().Format(time.RFC3339), sum.Range.To.UTC().Format(time.RFC3339))
	}
	if sum.Truncated {
		fmt.Fprintf(tw, "Truncated:\tyes\n")
	}
	printCounts(tw, "Event kind", sum.ByEventKind)
	printCounts(tw, "Entity kind", sum.ByEntityKind)
	actors := make(map[string]int, len(sum.ByActor))
	for a, n := range sum.ByActor {
		actors[string(a)] = n
	}
	printCounts(tw, "Actor", actors)
	for _, in := range sum.Inconsistencies {
		fmt.Fprintf(tw, "Inconsistency:\t#%d %s: %s\n", in.Index, in.ID, in.Reason)
	}
	return tw.Flush()
}

func printCounts(tw io.Writer, label string, counts map[string]int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(tw, "%s:\t%s\t%d\n", label, k, counts[k])
	}
}

// ── segments ─────────────────────────────────────────────────────────────────

func (c *cli) segmentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "segments",
		Short: "List segments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			var rows []client.SegmentInfo
			var prunable []int
			if c.remote() {
				cl, err := c.client()
				if err != nil {
					return err
				}
				if rows, err = cl.Segments(ctx); err != nil {
					return err
				}
			} else {
				l, err := c.openLog(ctx)
				if err != nil {
					return err
				}
				segs, err := l.Segments(ctx)
				if err != nil {
					return err
				}
				for _, s := range segs {
					rows = append(rows, client.SegmentInfo(s))
				}
				if prunable, err = l.PrunableSegments(ctx); err != nil {
					return err
				}
			}

			if c.format == "json" {
				return printJSON(out, rows)
			}
			tw := newTable(out)
			fmt.Fprintln(tw, "SEGMENT\tFILE\tFIRST INDEX\tCOUNT\tSTATE\tFIRST\tLAST")
			for _, s := range rows {
				state := "open"
				if s.Sealed {
					state = "sealed"
				}
				for _, p := range prunable {
					if p == s.Number {
						state = "prunable"
					}
				}
				fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%s\t%s\t%s\n",
					s.Number, eventlog.SegmentFileName(s.Number), s.FirstIndex, s.Count, state,
					s.FirstTimestamp.UTC().Format(time.RFC3339), s.LastTimestamp.UTC().Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

// ── flag helpers ─────────────────────────────────────────────────────────────

func parseTimeFlag(name, v string) (*time.Time, error) {
	if strings.TrimSpace(v) == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, fmt.Errorf("--%s must be an RFC 3339 timestamp: %w", name, err)
	}
	return &t, nil
}

// intFlag returns &v only when the flag was given, so 0 is distinguishable
// from unset.
func intFlag(cmd *cobra.Command, name string, v int) *int {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	return &v
}
