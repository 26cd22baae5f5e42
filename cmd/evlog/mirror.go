package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/jmerrifield20/decisionlog/internal/eventlog"
	"github.com/jmerrifield20/decisionlog/internal/mirror"
)

// errMirrorOutOfSync makes `mirror verify` exit non-zero.
var errMirrorOutOfSync = errors.New("mirror is out of sync with the event log")

// ── mirror ───────────────────────────────────────────────────────────────────

func (c *cli) mirrorCmd() *cobra.Command {
	var dbURL string
	cmd := &cobra.Command{
		Use:   "mirror",
		Short: "Inspect and update the Postgres mirror",
	}
	cmd.PersistentFlags().StringVar(&dbURL, "database-url", "", "Postgres URL (default database.url from config)")

	open := func(ctx context.Context) (*mirror.PostgresMirror, func(), error) {
		if dbURL == "" {
			dbURL = c.cfg.Database.URL
		}
		if dbURL == "" {
			return nil, nil, errors.New("no database: pass --database-url or set database.url")
		}
		l, err := c.openLog(ctx)
		if err != nil {
			return nil, nil, err
		}
		pool, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		return mirror.New(pool, l, c.cfg.Mirror.BatchSize, c.logger()), pool.Close, nil
	}

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Re-verify the mirrored chain and compare it with the log",
		Long: `Verify recomputes every mirrored hash and compares the mirror's length
with the log's. With --server the check runs against the server's mirror.

Exits non-zero when the mirror lags or its chain is invalid.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var r *mirror.Report

			if c.remote() {
				cl, err := c.client()
				if err != nil {
					return err
				}
				st, err := cl.MirrorStatus(ctx)
				if err != nil {
					return err
				}
				v := st.Verify
				r = &mirror.Report{Mirrored: st.Mirrored, LogCount: st.LogCount, Verify: &eventlog.VerifyResult{
					Valid: v.Valid, TotalVerified: v.TotalVerified, FirstInvalidIndex: v.FirstInvalidIndex,
					FirstInvalidID: v.FirstInvalidID, Reason: eventlog.Reason(v.Reason),
					Mode: eventlog.VerifyMode(v.Mode),
				}}
			} else {
				m, closeDB, err := open(ctx)
				if err != nil {
					return err
				}
				defer closeDB()
				if r, err = m.Check(ctx); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if c.format == "json" {
				if err := printJSON(out, map[string]any{
					"mirrored": r.Mirrored, "log_count": r.LogCount, "verify": r.Verify, "in_sync": r.InSync(),
				}); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "Mirrored:\t%d of %d\n", r.Mirrored, r.LogCount)
				if err := printVerify(cmd, c.format, r.Verify); err != nil {
					return err
				}
			}
			if !r.InSync() {
				return errMirrorOutOfSync
			}
			return nil
		},
	}

	sync := &cobra.Command{
		Use:   "sync",
		Short: "Copy entries the mirror is missing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.remote() {
				return errors.New("mirror sync runs locally only; the server syncs on mirror.sync_interval")
			}
			ctx := cmd.Context()
			m, closeDB, err := open(ctx)
			if err != nil {
				return err
			}
			defer closeDB()
			res, err := m.Sync(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if c.format == "json" {
				return printJSON(out, res)
			}
			fmt.Fprintf(out, "✓ inserted %d, mirror holds %d of %d\n", res.Inserted, res.Mirrored, res.LogCount)
			return nil
		},
	}

	cmd.AddCommand(verify, sync)
	return cmd
}
