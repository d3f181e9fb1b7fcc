package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcmjson/pkg/archive"
	"dcmjson/pkg/archive/fsarchive"
)

var scanArgs = []string{"--project", "LANDMAN", "--subject", "229415", "--session", "229415", "--scan", "301"}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--console=false"))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"DB_DSN", "NATS_URL", "DCM2NIIX_EMAIL", "PUSHGATEWAY_URL", "OTEL_EXPORTER_OTLP_ENDPOINT", "DCM2NIIX_SCANTYPE_FILTER"} {
		t.Setenv(key, "")
	}
}

func TestCommands_FSArchive(t *testing.T) {
	clearEnv(t)
	if runtime.GOOS == "windows" {
		t.Skip("converter script needs a POSIX shell")
	}
	root := t.TempDir()
	converter := filepath.Join(t.TempDir(), "dcm2niix")
	require.NoError(t, os.WriteFile(converter, []byte("#!/bin/sh\nprintf '{\"ok\":true}' > \"$7/scan 0.json\"\n"), 0o755))

	t.Setenv("ARCHIVE_KIND", "fs")
	t.Setenv("ARCHIVE_ROOT", root)
	t.Setenv("DCM2NIIX_PATH", converter)
	t.Setenv("DCM2NIIX_STAGING_ROOT", t.TempDir())
	t.Setenv("LOG_LEVEL", "error")

	dicoms := t.TempDir()
	for _, name := range []string{"IM1.dcm", "IM2.dcm"} {
		require.NoError(t, os.WriteFile(filepath.Join(dicoms, name), []byte("dicom"), 0o644))
	}

	_, err := execute(t, append([]string{"register", "--dicom-dir", dicoms, "--type", "T1W"}, scanArgs...)...)
	require.NoError(t, err)

	out, err := execute(t, append([]string{"check"}, scanArgs...)...)
	require.NoError(t, err)
	assert.Equal(t, "true", strings.TrimSpace(out))

	_, err = execute(t, append([]string{"run", "--settings", "settings.yaml"}, scanArgs...)...)
	require.NoError(t, err)

	a, err := fsarchive.New(root)
	require.NoError(t, err)
	scan, err := a.Scan(context.Background(), archive.ScanRef{Project: "LANDMAN", Subject: "229415", Session: "229415", Scan: "301"})
	require.NoError(t, err)
	files, err := scan.Resource(archive.ResourceJSON).Files(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "scan_0.json", files[0].Name)

	out, err = execute(t, append([]string{"check"}, scanArgs...)...)
	require.NoError(t, err)
	assert.Equal(t, "false", strings.TrimSpace(out))
}

func TestCommands_BundleExportAndRegister(t *testing.T) {
	clearEnv(t)
	root := t.TempDir()
	t.Setenv("ARCHIVE_KIND", "fs")
	t.Setenv("ARCHIVE_ROOT", root)
	t.Setenv("LOG_LEVEL", "error")

	dicoms := t.TempDir()
	for _, name := range []string{"IM1.dcm", "IM2.dcm"} {
		require.NoError(t, os.WriteFile(filepath.Join(dicoms, name), []byte("dicom "+name), 0o644))
	}
	_, err := execute(t, append([]string{"register", "--dicom-dir", dicoms}, scanArgs...)...)
	require.NoError(t, err)

	outDir := t.TempDir()
	out, err := execute(t, append([]string{"export", "--resource", archive.ResourceDICOM, "--out", outDir}, scanArgs...)...)
	require.NoError(t, err)
	bundle := filepath.Join(outDir, archive.ResourceDICOM+archive.BundleExt)
	assert.Equal(t, bundle, strings.TrimSpace(out))
	require.FileExists(t, bundle)

	copyArgs := []string{"--project", "LANDMAN", "--subject", "229415", "--session", "229415", "--scan", "302"}
	_, err = execute(t, append([]string{"register", "--dicom-bundle", bundle}, copyArgs...)...)
	require.NoError(t, err)

	a, err := fsarchive.New(root)
	require.NoError(t, err)
	scan, err := a.Scan(context.Background(), archive.ScanRef{Project: "LANDMAN", Subject: "229415", Session: "229415", Scan: "302"})
	require.NoError(t, err)
	files, err := scan.Resource(archive.ResourceDICOM).Files(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "IM1.dcm", files[0].Name)
	assert.Equal(t, int64(len("dicom IM1.dcm")), files[0].Size)

	_, err = execute(t, append([]string{"register", "--dicom-dir", dicoms, "--dicom-bundle", bundle}, copyArgs...)...)
	assert.Error(t, err)
}

func TestCommands_Errors(t *testing.T) {
	clearEnv(t)
	t.Setenv("ARCHIVE_KIND", "fs")
	t.Setenv("ARCHIVE_ROOT", t.TempDir())

	_, err := execute(t, "check", "--project", "LANDMAN")
	assert.Error(t, err)

	_, err = execute(t, append([]string{"check"}, scanArgs...)...)
	assert.ErrorIs(t, err, archive.ErrScanNotFound)

	_, err = execute(t, "worker")
	assert.ErrorContains(t, err, "NATS_URL")

	_, err = execute(t, "migrate")
	assert.ErrorContains(t, err, "DB_DSN")

	t.Setenv("ARCHIVE_KIND", "ftp")
	_, err = execute(t, append([]string{"check"}, scanArgs...)...)
	assert.ErrorContains(t, err, "ARCHIVE_KIND")
}
