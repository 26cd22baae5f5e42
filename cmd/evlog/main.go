package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jmerrifield20/decisionlog/internal/config"
	"github.com/jmerrifield20/decisionlog/internal/eventlog"
	"github.com/jmerrifield20/decisionlog/pkg/client"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

// errChainInvalid makes verify exit non-zero without printing twice.
var errChainInvalid = errors.New("chain verification failed")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// cli holds the global flags and the config they resolve to.
type cli struct {
	cfgFile   string
	dir       string
	serverURL string
	token     string
	format    string
	verbose   bool

	cfg *config.Config
	v   *viper.Viper
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "evlog",
		Short: "Tamper-evident event log CLI",
		Long: `evlog inspects, verifies, exports and backs up a hash-chained event log.

Commands operate on a local log directory (--dir) or, for append, show,
list, verify, export, replay, segments and backup, on a running eventlogd
(--server, authenticated with --token or an admin secret in the config).`,
		SilenceUsage:      true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return c.load() },
	}

	root.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (default ~/.evlog/config.yaml)")
	root.PersistentFlags().StringVar(&c.dir, "dir", "", "local event log directory (default eventlog.dir from config)")
	root.PersistentFlags().StringVar(&c.serverURL, "server", "", "eventlogd base URL; when set, commands go to the server")
	root.PersistentFlags().StringVar(&c.token, "token", "", "operator token for --server")
	root.PersistentFlags().StringVarP(&c.format, "format", "o", "text", "output format: text or json")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "log engine activity to stderr")

	root.AddCommand(
		c.appendCmd(),
		c.showCmd(),
		c.listCmd(),
		c.verifyCmd(),
		c.exportCmd(),
		c.replayCmd(),
		c.segmentsCmd(),
		c.backupCmd(),
		c.restoreCmd(),
		c.keygenCmd(),
		c.mirrorCmd(),
		versionCmd(),
	)
	return root
}

// load reads ~/.evlog/config.yaml (or --config) on top of the shared
// defaults. Flags win over the config file and EVLOG_* env vars.
func (c *cli) load() error {
	v := viper.New()
	config.SetDefaults(v)
	v.SetDefault("server", "")
	v.SetDefault("token", "")
	v.SetDefault("admin_secret", "")
	v.SetDefault("subject", "")
	v.SetEnvPrefix("EVLOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if c.cfgFile != "" {
		v.SetConfigFile(c.cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
	} else if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".evlog"))
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		_ = v.ReadInConfig()
	}

	cfg, err := config.Decode(v)
	if err != nil {
		return err
	}
	c.cfg, c.v = cfg, v

	if c.dir == "" {
		c.dir = cfg.EventLog.Dir
	}
	if c.serverURL == "" {
		c.serverURL = v.GetString("server")
	}
	if c.token == "" {
		c.token = v.GetString("token")
	}
	if c.format != "text" && c.format != "json" {
		return fmt.Errorf("unknown format %q (want text or json)", c.format)
	}
	return nil
}

func (c *cli) remote() bool { return c.serverURL != "" }

func (c *cli) logger() *zap.Logger {
	if !c.verbose {
		return zap.NewNop()
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// openLog opens the local log with the configured tuning.
func (c *cli) openLog(ctx context.Context) (*eventlog.Log, error) {
	ec := c.cfg.EventLogConfig()
	ec.Dir = c.dir
	return eventlog.Open(ctx, ec, c.logger())
}

// client builds an HTTP client for --server.
func (c *cli) client() (*client.Client, error) {
	var opts []client.Option
	switch {
	case c.token != "":
		opts = append(opts, client.WithBearerToken(c.token))
	case c.v.GetString("admin_secret") != "":
		subject := c.v.GetString("subject")
		if subject == "" {
			subject = "evlog"
		}
		opts = append(opts, client.WithAdminSecret(c.v.GetString("admin_secret"), subject))
	}
	return client.New(c.serverURL, opts...)
}

// ── output helpers ───────────────────────────────────────────────────────────

func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

// entryRow is the text rendering of a local or remote entry.
type entryRow struct {
	id, actor, eventKind, entityKind, entityID, hash string
	ts                                               time.Time
}

func rowFromLocal(e eventlog.Entry) entryRow {
	return entryRow{e.ID, string(e.Actor), e.EventKind, e.EntityKind, e.EntityID, e.CurrentHash, e.Timestamp}
}

func rowFromRemote(e client.Entry) entryRow {
	return entryRow{e.ID, e.Actor, e.EventKind, e.EntityKind, e.EntityID, e.CurrentHash, e.Timestamp}
}

func printEntries(w io.Writer, rows []entryRow) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tTIMESTAMP\tACTOR\tEVENT KIND\tENTITY\tHASH")
	for _, r := range rows {
		entity := r.entityKind
		if r.entityID != "" {
			entity += "/" + r.entityID
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.id, r.ts.UTC().Format(time.RFC3339), r.actor, r.eventKind, entity, shortHash(r.hash))
	}
	return tw.Flush()
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "evlog %s\n", version)
		},
	}
}
