//go:build unix

package pack

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dontdude/rp2g/internal/domain"
	"github.com/dontdude/rp2g/internal/runner"
	"github.com/dontdude/rp2g/internal/testutil"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestBuildList(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, runner.DebugDirName, "traced.svg"), "<svg/>")
	writeFile(t, filepath.Join(dir, runner.DebugDirName, "a.png"), "png")
	cfg := &domain.JobConfig{
		Debug:   true,
		Outputs: []domain.Output{{File: "front.gcode"}, {File: "back.gcode"}, {File: "front.gcode"}},
	}

	got := BuildList(dir, cfg, &testutil.Recorder{})

	want := List{
		{Name: "config.p2g", Path: "config.p2g"},
		{Name: "front.gcode", Path: "front.gcode"},
		{Name: "back.gcode", Path: "back.gcode"},
		{Name: "debug-a.png", Path: filepath.Join(runner.DebugDirName, "a.png")},
		{Name: "debug-traced.svg", Path: filepath.Join(runner.DebugDirName, "traced.svg")},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("BuildList() mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildList_MissingDebugDir(t *testing.T) {
	cfg := &domain.JobConfig{Debug: true, Outputs: []domain.Output{{File: "out.gcode"}}}
	rec := &testutil.Recorder{}

	got := BuildList(t.TempDir(), cfg, rec)

	assert.Equal(t, List{
		{Name: "config.p2g", Path: "config.p2g"},
		{Name: "out.gcode", Path: "out.gcode"},
	}, got)
	assert.Contains(t, rec.Text(), "Debug output unavailable")
}

func TestPerFile_DropsMissing(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "config.p2g"), "inputs: {}\n")
	writeFile(t, filepath.Join(dir, "out.gcode"), "G0 X0\n")
	list := List{
		{Name: "config.p2g", Path: "config.p2g"},
		{Name: "out.gcode", Path: "out.gcode"},
		{Name: "missing.gcode", Path: "missing.gcode"},
	}
	rec := &testutil.Recorder{}

	entries, err := PerFile{}.Package(context.Background(), dir, list, rec)
	require.NoError(t, err)

	assert.Len(t, entries, 2)
	assert.NotContains(t, entries, "missing.gcode")
	data, err := base64.StdEncoding.DecodeString(entries["out.gcode"])
	require.NoError(t, err)
	assert.Equal(t, "G0 X0\n", string(data))
	assert.Contains(t, rec.Lines(), "    Empty or missing, discarded.")
}

func TestArchive_SingleEntry(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "config.p2g"), "inputs: {}\n")
	writeFile(t, filepath.Join(dir, "out.gcode"), "G0\n")
	// The stub archiver concatenates the listed files and fails on the missing one,
	// the way zip reports "nothing to do" for absent names.
	archiver := testutil.Script(t, "zip", `out=$1; shift; status=0
for f in "$@"; do cat "$f" >> "$out" 2>/dev/null || status=12; done
exit $status`)
	list := List{
		{Name: "config.p2g", Path: "config.p2g"},
		{Name: "out.gcode", Path: "out.gcode"},
		{Name: "missing.gcode", Path: "missing.gcode"},
	}

	entries, err := For(domain.PackagingArchive, archiver).Package(context.Background(), dir, list, &testutil.Recorder{})
	require.NoError(t, err)

	require.Len(t, entries, 1)
	data, err := base64.StdEncoding.DecodeString(entries[ArchiveName])
	require.NoError(t, err)
	assert.Equal(t, "inputs: {}\nG0\n", string(data))
}

func TestArchive_NoArchiveProduced(t *testing.T) {
	archiver := testutil.Script(t, "zip", `exit 1`)

	_, err := Archive{Archiver: archiver}.Package(context.Background(), t.TempDir(), List{{Name: "a", Path: "a"}}, &testutil.Recorder{})

	assert.Error(t, err)
}

func TestFor(t *testing.T) {
	assert.Equal(t, PerFile{}, For(domain.PackagingPerFile, "zip"))
	assert.Equal(t, Archive{Archiver: "zip"}, For(domain.PackagingArchive, "zip"))
}
