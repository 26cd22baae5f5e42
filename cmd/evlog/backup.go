package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmerrifield20/decisionlog/internal/backup"
	"github.com/jmerrifield20/decisionlog/internal/identity"
)

// ── backup ───────────────────────────────────────────────────────────────────

func (c *cli) backupCmd() *cobra.Command {
	var (
		outDir, keyDir string
		sign           bool
	)
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Write a tar.gz backup and manifest of the log",
		Long: `Backup archives every segment and the snapshot, and writes a manifest
with per-file SHA-256 checksums next to the archive. With --sign the manifest
is signed with the Ed25519 key in --key-dir.

With --server the backup is written by the server into its backup.dir.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if c.remote() {
				cl, err := c.client()
				if err != nil {
					return err
				}
				res, err := cl.CreateBackup(ctx)
				if err != nil {
					return err
				}
				if c.format == "json" {
					return printJSON(out, res)
				}
				fmt.Fprintf(out, "✓ server wrote %s\n  manifest %s\n", res.ArchivePath, res.ManifestPath)
				return nil
			}

			if outDir == "" {
				outDir = c.cfg.Backup.Dir
			}
			if !cmd.Flags().Changed("sign") {
				sign = c.cfg.Backup.Sign
			}
			if keyDir == "" {
				keyDir = c.cfg.Identity.KeyDir
			}

			opts := backup.Options{SourceDir: c.dir, OutDir: outDir, Logger: c.logger()}
			if sign {
				keys := identity.NewKeyManager(keyDir)
				if err := keys.Load(); err != nil {
					return fmt.Errorf("load signing key (run `evlog keygen`): %w", err)
				}
				signer, err := keys.Signer()
				if err != nil {
					return err
				}
				opts.Signer = signer
			}

			res, err := backup.Create(ctx, opts)
			if err != nil {
				return err
			}
			if c.format == "json" {
				return printJSON(out, res)
			}
			m := res.Manifest
			fmt.Fprintf(out, "✓ wrote %s\n", res.ArchivePath)
			fmt.Fprintf(out, "  manifest  %s\n", res.ManifestPath)
			fmt.Fprintf(out, "  events    %d in %d segments\n", m.EventlogSummary.TotalEvents, m.EventlogSummary.TotalSegments)
			fmt.Fprintf(out, "  chain     valid=%t\n", m.ChainValidAtBackup)
			if m.Signature != nil {
				fmt.Fprintf(out, "  signed    %s key %s\n", m.Signature.Algorithm, m.Signature.PublicKeyID)
			} else {
				fmt.Fprintln(out, "  signed    no")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&outDir, "out", "", "output directory (default backup.dir from config)")
	cmd.Flags().BoolVar(&sign, "sign", false, "sign the manifest (default backup.sign from config)")
	cmd.Flags().StringVar(&keyDir, "key-dir", "", "signing key directory (default identity.key_dir from config)")
	return cmd
}

// ── restore ──────────────────────────────────────────────────────────────────

func (c *cli) restoreCmd() *cobra.Command {
	var (
		target, manifest, publicKey string
		overwrite                   bool
	)
	cmd := &cobra.Command{
		Use:   "restore <archive.tar.gz>",
		Short: "Verify and restore a backup into a directory",
		Long: `Restore checks the manifest signature (when --public-key is given), every
file checksum and the full hash chain in a staging directory, then moves the
log into --target. On any failure the target is left untouched.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.remote() {
				return errors.New("restore runs locally only; drop --server")
			}
			if target == "" {
				target = c.dir
			}
			opts := backup.RestoreOptions{
				ArchivePath:  args[0],
				ManifestPath: manifest,
				TargetDir:    target,
				Overwrite:    overwrite,
				Logger:       c.logger(),
			}
			if publicKey != "" {
				pub, err := identity.LoadPublicKey(publicKey)
				if err != nil {
					return err
				}
				opts.PublicKey = pub
			}

			res, err := backup.Restore(cmd.Context(), opts)
			if err != nil {
				if errors.Is(err, backup.ErrTargetExists) {
					return fmt.Errorf("%w (pass --overwrite to replace it)", err)
				}
				return err
			}

			out := cmd.OutOrStdout()
			if c.format == "json" {
				return printJSON(out, res)
			}
			fmt.Fprintf(out, "✓ restored %d events into %s\n", res.TotalEvents, res.TargetDir)
			fmt.Fprintf(out, "  signature verified: %t\n", res.SignatureVerified)
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "restore into this directory (default --dir)")
	cmd.Flags().StringVar(&manifest, "manifest", "", "manifest path (default next to the archive)")
	cmd.Flags().StringVar(&publicKey, "public-key", "", "PEM public key the manifest must be signed with")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace a non-empty target directory")
	return cmd
}

// ── keygen ───────────────────────────────────────────────────────────────────

func (c *cli) keygenCmd() *cobra.Command {
	var (
		keyDir string
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create the Ed25519 key used to sign backups and operator tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if keyDir == "" {
				keyDir = c.cfg.Identity.KeyDir
			}
			keys := identity.NewKeyManager(keyDir)
			out := cmd.OutOrStdout()

			if !force {
				if err := keys.Load(); err == nil {
					fmt.Fprintf(out, "key already exists: %s (id %s); use --force to replace it\n",
						keys.PublicKeyPath(), identity.KeyID(keys.PublicKey()))
					return nil
				} else if !errors.Is(err, os.ErrNotExist) {
					return err
				}
			}
			if err := keys.Create(); err != nil {
				return err
			}
			if c.format == "json" {
				return printJSON(out, map[string]string{
					"key_id":     identity.KeyID(keys.PublicKey()),
					"public_key": keys.PublicKeyPath(),
				})
			}
			fmt.Fprintf(out, "✓ created key %s\n  public key %s\n", identity.KeyID(keys.PublicKey()), keys.PublicKeyPath())
			return nil
		},
	}
	cmd.Flags().StringVar(&keyDir, "key-dir", "", "key directory (default identity.key_dir from config)")
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing key")
	return cmd
}
