package pack

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/dontdude/rp2g/internal/domain"
)

// ArchiveName is the name of the single entry produced by Archive.
const ArchiveName = "output.zip"

// Packager turns a packing list into envelope entries, file name to base64 content.
type Packager interface {
	Package(ctx context.Context, dir string, list List, log domain.Sink) (map[string]string, error)
}

// For returns the packager for the requested mode.
func For(mode domain.Packaging, archiver string) Packager {
	if mode == domain.PackagingArchive {
		return Archive{Archiver: archiver}
	}
	return PerFile{}
}

// PerFile delivers every readable file of the list as its own entry.
type PerFile struct{}

// Package implements Packager. Files that cannot be read are dropped.
func (PerFile) Package(_ context.Context, dir string, list List, log domain.Sink) (map[string]string, error) {
	log.Log("Packing outputs...")
	entries := make(map[string]string, len(list))
	for _, e := range list {
		domain.Logf(log, "  %s", e.Name)
		data, err := os.ReadFile(filepath.Join(dir, e.Path))
		if err != nil {
			log.Log("    Empty or missing, discarded.")
			continue
		}
		entries[e.Name] = base64.StdEncoding.EncodeToString(data)
	}
	return entries, nil
}

// Archive compresses every file of the list into one archive with an external archiver
// invoked as `<archiver> output.zip <path>...` in the working directory.
type Archive struct {
	Archiver string
}

// Package implements Packager. A failing archiver is only an error when it left no archive behind.
func (a Archive) Package(ctx context.Context, dir string, list List, log domain.Sink) (map[string]string, error) {
	log.Log("Packing outputs as zip file...")
	log.Log("  Compressing...")

	args := []string{ArchiveName}
	for _, e := range list {
		args = append(args, e.Path)
	}
	cmd := exec.CommandContext(ctx, a.Archiver, args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("running archiver %s: %w", a.Archiver, err)
		}
		domain.Logf(log, "  Archiver exited with status %d.", exitErr.ExitCode())
		if stderr.Len() > 0 {
			log.Log(stderr.String())
		}
	}

	log.Log("  Reading...")
	data, err := os.ReadFile(filepath.Join(dir, ArchiveName))
	if err != nil {
		return nil, fmt.Errorf("reading archive: %w", err)
	}
	return map[string]string{ArchiveName: base64.StdEncoding.EncodeToString(data)}, nil
}
