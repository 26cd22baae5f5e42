package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jmerrifield20/decisionlog/internal/eventlog"
)

// run executes one evlog invocation and returns its stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(t, args...)
	if err != nil {
		t.Fatalf("evlog %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

func isolate(t *testing.T) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	return t.TempDir()
}

func TestAppendListVerify(t *testing.T) {
	base := isolate(t)
	dir := filepath.Join(base, "log")

	for _, ek := range []string{"decision.recorded", "contract.issued", "decision.recorded"} {
		mustRun(t, "--dir", dir, "append",
			"--actor", "system", "--event-kind", ek,
			"--entity-kind", "episode", "--entity-id", "ep-1",
			"--payload", `{"n":1}`)
	}

	var entries []eventlog.Entry
	if err := json.Unmarshal([]byte(mustRun(t, "--dir", dir, "-o", "json", "list", "--event-kind", "decision.recorded")), &entries); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 decision entries, got %d", len(entries))
	}

	var res eventlog.VerifyResult
	if err := json.Unmarshal([]byte(mustRun(t, "--dir", dir, "-o", "json", "verify")), &res); err != nil {
		t.Fatalf("decode verify: %v", err)
	}
	if !res.Valid || res.TotalVerified != 3 {
		t.Errorf("unexpected verify result %+v", res)
	}

	out := mustRun(t, "--dir", dir, "show")
	if !strings.Contains(out, entries[1].ID) {
		t.Errorf("show without id should print the last entry:\n%s", out)
	}
}

func TestAppend_rejectsBadInput(t *testing.T) {
	dir := filepath.Join(isolate(t), "log")

	if _, err := run(t, "--dir", dir, "append", "--actor", "robot", "--event-kind", "k", "--entity-kind", "n"); !errors.Is(err, eventlog.ErrInvalidActor) {
		t.Errorf("expected ErrInvalidActor, got %v", err)
	}
	if _, err := run(t, "--dir", dir, "append", "--event-kind", "k", "--entity-kind", "n", "--payload", "{"); err == nil {
		t.Error("expected error for malformed payload")
	}
}

func TestVerify_detectsTampering(t *testing.T) {
	dir := filepath.Join(isolate(t), "log")
	for i := 0; i < 3; i++ {
		mustRun(t, "--dir", dir, "append", "--event-kind", "decision.recorded", "--entity-kind", "episode")
	}

	seg := filepath.Join(dir, "segments", eventlog.SegmentFileName(0))
	data, err := os.ReadFile(seg)
	if err != nil {
		t.Fatal(err)
	}
	data = bytes.Replace(data, []byte("decision.recorded"), []byte("decision.rewrite"), 1)
	if err := os.WriteFile(seg, data, 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, "--dir", dir, "verify")
	if !errors.Is(err, errChainInvalid) {
		t.Fatalf("expected errChainInvalid, got %v", err)
	}
	if !strings.Contains(out, "INVALID") || !strings.Contains(out, string(eventlog.ReasonHashMismatch)) {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestExport_segmentRangeToFile(t *testing.T) {
	base := isolate(t)
	dir := filepath.Join(base, "log")
	for i := 0; i < 2; i++ {
		mustRun(t, "--dir", dir, "append", "--event-kind", "decision.recorded", "--entity-kind", "episode")
	}

	outFile := filepath.Join(base, "export.json")
	mustRun(t, "--dir", dir, "export", "--from-segment", "0", "--to-segment", "0", "--out", outFile)

	data, err := os.ReadFile(outFile)
	if err != nil {
		t.Fatal(err)
	}
	var exp eventlog.Export
	if err := json.Unmarshal(data, &exp); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if exp.Manifest.Count != 2 || !exp.Manifest.ChainValidWithinExport {
		t.Errorf("unexpected manifest %+v", exp.Manifest)
	}

	if _, err := run(t, "--dir", dir, "export", "--from", "yesterday"); err == nil {
		t.Error("expected error for malformed --from")
	}
}

func TestBackupRestore_signed(t *testing.T) {
	base := isolate(t)
	dir := filepath.Join(base, "log")
	keyDir := filepath.Join(base, "keys")
	outDir := filepath.Join(base, "backups")

	mustRun(t, "--dir", dir, "append", "--event-kind", "decision.recorded", "--entity-kind", "episode")
	mustRun(t, "keygen", "--key-dir", keyDir)

	out := mustRun(t, "--dir", dir, "keygen", "--key-dir", keyDir)
	if !strings.Contains(out, "already exists") {
		t.Errorf("second keygen should keep the key:\n%s", out)
	}

	var created struct {
		ArchivePath string `json:"archive_path"`
	}
	if err := json.Unmarshal([]byte(mustRun(t, "--dir", dir, "-o", "json", "backup", "--out", outDir, "--sign", "--key-dir", keyDir)), &created); err != nil {
		t.Fatalf("decode backup: %v", err)
	}

	target := filepath.Join(base, "restored")
	out = mustRun(t, "restore", created.ArchivePath,
		"--target", target,
		"--public-key", filepath.Join(keyDir, "signing.pub"))
	if !strings.Contains(out, "restored 1 events") || !strings.Contains(out, "signature verified: true") {
		t.Errorf("unexpected restore output:\n%s", out)
	}

	// The target now holds a log; a second restore must not clobber it.
	if _, err := run(t, "restore", created.ArchivePath, "--target", target); err == nil {
		t.Error("expected restore into a non-empty target to fail")
	}

	mustRun(t, "--dir", target, "verify")
}

func TestReplay_text(t *testing.T) {
	dir := filepath.Join(isolate(t), "log")
	mustRun(t, "--dir", dir, "append", "--actor", "human", "--event-kind", "decision.recorded", "--entity-kind", "episode")
	mustRun(t, "--dir", dir, "append", "--actor", "system", "--event-kind", "contract.issued", "--entity-kind", "contract")

	out := mustRun(t, "--dir", dir, "replay", "--entity-kind", "contract")
	if !strings.Contains(out, "Matched:") || !strings.Contains(out, "contract.issued") {
		t.Errorf("unexpected replay output:\n%s", out)
	}
	if strings.Contains(out, "decision.recorded") {
		t.Errorf("filtered replay should not count other entity kinds:\n%s", out)
	}
}

func TestUnknownFormat(t *testing.T) {
	isolate(t)
	if _, err := run(t, "-o", "yaml", "version"); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestMirror_requiresDatabase(t *testing.T) {
	t.Setenv("EVLOG_DATABASE_URL", "")
	dir := filepath.Join(isolate(t), "log")

	_, err := run(t, "--dir", dir, "mirror", "verify")
	if err == nil || !strings.Contains(err.Error(), "--database-url") {
		t.Errorf("expected missing database error, got %v", err)
	}
	if _, err := run(t, "--server", "http://127.0.0.1:1", "mirror", "sync"); err == nil {
		t.Error("expected remote mirror sync to be refused")
	}
}
