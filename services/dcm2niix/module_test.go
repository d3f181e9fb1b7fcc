package dcm2niix

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcmjson/pkg/archive"
	"dcmjson/pkg/archive/fsarchive"
	"dcmjson/pkg/report"
)

var testInfo = archive.ScanInfo{
	ScanRef: archive.ScanRef{Project: "LANDMAN", Subject: "229415", Session: "229415", Scan: "301"},
	Type:    "T1W_3D_TFE",
}

type fakeConverter struct {
	calls  []string
	listed []string
	write  map[string]string
	ok     bool
}

func (f *fakeConverter) Convert(_ context.Context, dir string) bool {
	f.calls = append(f.calls, dir)
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		f.listed = append(f.listed, e.Name())
	}
	for name, content := range f.write {
		_ = os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644)
	}
	return f.ok
}

type fakeMailer struct {
	to, subject, body string
	calls             int
	err               error
}

func (f *fakeMailer) Send(_ context.Context, to, subject, body string) error {
	f.calls++
	f.to, f.subject, f.body = to, subject, body
	return f.err
}

type fakeStore struct {
	saved []report.Entry
	err   error
}

func (f *fakeStore) Save(_ context.Context, r *report.Report) error {
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, r.Entries()...)
	return nil
}

type fixture struct {
	archive *fsarchive.Archive
	scan    archive.Scan
	module  *Module
	conv    *fakeConverter
	logs    *bytes.Buffer
}

func newFixture(t *testing.T, dicoms int, attrs map[string]string, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()

	a, err := fsarchive.New(t.TempDir())
	require.NoError(t, err)
	scan, err := a.CreateScan(ctx, testInfo.ScanRef, attrs)
	require.NoError(t, err)

	src := t.TempDir()
	for i := 0; i < dicoms; i++ {
		path := filepath.Join(src, fmt.Sprintf("IM%04d.dcm", i))
		require.NoError(t, os.WriteFile(path, []byte("dicom"), 0o644))
		require.NoError(t, scan.Resource(archive.ResourceDICOM).Upload(ctx, path, true))
	}

	if cfg.ModuleName == "" {
		cfg.ModuleName = "dcm2niix_json"
	}
	if cfg.ConverterPath == "" {
		cfg.ConverterPath = "dcm2niix"
	}
	if cfg.StagingRoot == "" {
		cfg.StagingRoot = t.TempDir()
	}

	logs := &bytes.Buffer{}
	conv := &fakeConverter{ok: true}
	m, err := New(cfg, Deps{Logger: zerolog.New(logs), Converter: conv})
	require.NoError(t, err)
	require.NoError(t, m.Prepare(""))
	t.Cleanup(func() { m.Finalize(context.Background()) })

	return &fixture{archive: a, scan: scan, module: m, conv: conv, logs: logs}
}

func (f *fixture) resourceFiles(t *testing.T, name string) []archive.FileRef {
	t.Helper()
	files, err := f.scan.Resource(name).Files(context.Background())
	require.NoError(t, err)
	return files
}

func (f *fixture) attr(t *testing.T, name string) string {
	t.Helper()
	v, err := f.scan.Attribute(context.Background(), name)
	require.NoError(t, err)
	return v
}

func TestNew(t *testing.T) {
	_, err := New(Config{ConverterPath: "dcm2niix"}, Deps{})
	assert.Error(t, err)
	_, err = New(Config{ModuleName: "dcm2niix_json"}, Deps{})
	assert.Error(t, err)

	root := t.TempDir()
	cfg := Config{ModuleName: "dcm2niix_json", ConverterPath: "dcm2niix", StagingRoot: root}
	m1, err := New(cfg, Deps{})
	require.NoError(t, err)
	m2, err := New(cfg, Deps{})
	require.NoError(t, err)

	assert.NotEqual(t, m1.Directory(), m2.Directory())
	assert.Equal(t, root, filepath.Dir(m1.Directory()))
	assert.DirExists(t, m1.Directory())
	assert.IsType(t, &ExecConverter{}, m1.converter)
}

func TestPrepare(t *testing.T) {
	m, err := New(Config{ModuleName: "dcm2niix_json", ConverterPath: "dcm2niix", StagingRoot: t.TempDir()}, Deps{})
	require.NoError(t, err)
	base := m.Directory()

	require.NoError(t, m.Prepare("/etc/dax/settings_dcm2niix.yaml"))
	assert.Equal(t, filepath.Join(base, "settings_dcm2niix"), m.Directory())
	assert.DirExists(t, m.Directory())

	require.NoError(t, m.Prepare("/etc/dax/settings_dcm2niix.yaml"))

	require.NoError(t, m.Prepare(""))
	assert.Equal(t, base, m.Directory())
}

func TestIsNeeded(t *testing.T) {
	tests := []struct {
		name    string
		dicoms  int
		json    bool
		quality string
		want    bool
	}{
		{name: "needs run", dicoms: 3, want: true},
		{name: "has output", dicoms: 3, json: true, want: false},
		{name: "no input", dicoms: 0, want: false},
		{name: "unusable", dicoms: 3, quality: "unusable", want: false},
		{name: "unusable mixed case", dicoms: 3, quality: "Unusable", want: false},
		{name: "questionable", dicoms: 3, quality: "questionable", want: true},
		{name: "output and no input", dicoms: 0, json: true, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.dicoms, map[string]string{archive.AttrQuality: tt.quality}, Config{})
			if tt.json {
				path := filepath.Join(t.TempDir(), "existing.json")
				require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))
				require.NoError(t, f.scan.Resource(archive.ResourceJSON).Upload(context.Background(), path, true))
			}
			got, err := f.module.IsNeeded(context.Background(), f.scan)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExecute_Converted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3, map[string]string{archive.AttrNote: "motion"}, Config{})
	f.conv.write = map[string]string{
		"scan_0.json":   `{"Modality":"MR","EchoTime":0.0046}`,
		"scan_0.nii.gz": "nifti",
	}

	outcome, err := f.module.Process(ctx, testInfo, f.scan)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConverted, outcome)

	dcmDir := filepath.Join(f.module.Directory(), archive.ResourceDICOM)
	require.Len(t, f.conv.calls, 1)
	assert.Equal(t, dcmDir, f.conv.calls[0])
	assert.Equal(t, []string{"IM0000.dcm", "IM0001.dcm", "IM0002.dcm"}, f.conv.listed)

	files := f.resourceFiles(t, archive.ResourceJSON)
	require.Len(t, files, 1)
	assert.Equal(t, "scan_0.json", files[0].Name)
	assert.Empty(t, f.resourceFiles(t, archive.ResourceNIFTI))

	entries, err := os.ReadDir(dcmDir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	assert.Empty(t, f.attr(t, archive.AttrQuality))
	assert.Equal(t, "motion", f.attr(t, archive.AttrNote))
	assert.Zero(t, f.module.Report().Len())
}

func TestExecute_ConverterFailure(t *testing.T) {
	tests := []struct {
		name  string
		ok    bool
		write map[string]string
	}{
		{name: "non-zero exit", ok: false},
		{name: "non-zero exit with json", ok: false, write: map[string]string{"scan_0.json": `{}`}},
		{name: "no json produced", ok: true, write: map[string]string{"scan_0.nii.gz": "nifti"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 3, nil, Config{})
			f.conv.ok = tt.ok
			f.conv.write = tt.write

			outcome, err := f.module.Process(context.Background(), testInfo, f.scan)
			require.NoError(t, err)
			assert.Equal(t, OutcomeFailed, outcome)

			assert.Equal(t, archive.QualityUnusable, f.attr(t, archive.AttrQuality))
			assert.Equal(t, FailureNote, f.attr(t, archive.AttrNote))
			assert.Empty(t, f.resourceFiles(t, archive.ResourceJSON))

			entries := f.module.Report().Entries()
			require.Len(t, entries, 1)
			assert.True(t, entries[0].IsError)
			assert.Equal(t, MsgConversionFailed, entries[0].Message)
			assert.Equal(t, testInfo, entries[0].Scan)

			staged, err := os.ReadDir(filepath.Join(f.module.Directory(), archive.ResourceDICOM))
			require.NoError(t, err)
			assert.Empty(t, staged)
		})
	}
}

func TestExecute_FailureAppendsNote(t *testing.T) {
	f := newFixture(t, 1, map[string]string{archive.AttrNote: "motion"}, Config{})
	f.conv.ok = false

	require.NoError(t, f.module.Execute(context.Background(), testInfo, f.scan))
	assert.Equal(t, "motion;"+FailureNote, f.attr(t, archive.AttrNote))
}

func TestExecute_InvalidJSON(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "truncated", content: `{"Modality": "MR"`},
		{name: "not utf-8", content: "{\"SeriesDescription\":\"T1\xff\xfe\"}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 3, nil, Config{})
			f.conv.write = map[string]string{"scan 0.json": tt.content}

			outcome, err := f.module.Process(context.Background(), testInfo, f.scan)
			require.NoError(t, err)
			assert.Equal(t, OutcomeInvalid, outcome)

			assert.Empty(t, f.resourceFiles(t, archive.ResourceJSON))
			assert.Empty(t, f.attr(t, archive.AttrQuality))
			assert.Empty(t, f.attr(t, archive.AttrNote))

			entries := f.module.Report().Entries()
			require.Len(t, entries, 1)
			assert.Equal(t, MsgInvalidJSON, entries[0].Message)
			assert.Equal(t, "scan_0.json", entries[0].Details["file"])

			assert.Contains(t, f.logs.String(), `"level":"warn"`)
			assert.Contains(t, f.logs.String(), "output is not JSON")
		})
	}
}

func TestExecute_NoInput(t *testing.T) {
	f := newFixture(t, 0, nil, Config{})

	outcome, err := f.module.Process(context.Background(), testInfo, f.scan)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoInput, outcome)
	assert.Empty(t, f.conv.calls)
	assert.NoDirExists(t, filepath.Join(f.module.Directory(), archive.ResourceDICOM))
	assert.Empty(t, f.resourceFiles(t, archive.ResourceJSON))
}

func TestExecute_ExistingOutput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3, nil, Config{})
	existing := filepath.Join(t.TempDir(), "existing.json")
	require.NoError(t, os.WriteFile(existing, []byte(`{"old":true}`), 0o644))
	require.NoError(t, f.scan.Resource(archive.ResourceJSON).Upload(ctx, existing, true))

	needed, err := f.module.IsNeeded(ctx, f.scan)
	require.NoError(t, err)
	assert.False(t, needed)

	f.conv.write = map[string]string{"scan_0.json": `{}`}
	outcome, err := f.module.Process(ctx, testInfo, f.scan)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, outcome)

	files := f.resourceFiles(t, archive.ResourceJSON)
	require.Len(t, files, 1)
	assert.Equal(t, "existing.json", files[0].Name)
}

func TestExecute_UploadVolumes(t *testing.T) {
	f := newFixture(t, 2, nil, Config{UploadVolumes: true})
	f.conv.write = map[string]string{
		"dwi_0.json":     `{}`,
		"dwi_0.nii.gz":   "a",
		"dwi_0a.nii.gz":  "b",
		"dwi_0.bval":     "0 1000",
		"dwi_0.bvec":     "0 1",
		"dwi_0_ROI1.txt": "ignored",
	}

	outcome, err := f.module.Process(context.Background(), testInfo, f.scan)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConverted, outcome)

	assert.Len(t, f.resourceFiles(t, archive.ResourceJSON), 1)
	assert.Len(t, f.resourceFiles(t, archive.ResourceNIFTI), 2)
	assert.Len(t, f.resourceFiles(t, archive.ResourceBVAL), 1)
	assert.Len(t, f.resourceFiles(t, archive.ResourceBVEC), 1)

	entries := f.module.Report().Entries()
	require.Len(t, entries, 1)
	assert.False(t, entries[0].IsError)
	assert.Equal(t, MsgMultipleNIFTI, entries[0].Message)
}

func TestFinalize(t *testing.T) {
	ctx := context.Background()

	t.Run("emails and stores report", func(t *testing.T) {
		mailer := &fakeMailer{}
		store := &fakeStore{}
		m, err := New(Config{ModuleName: "dcm2niix_json", ConverterPath: "dcm2niix", StagingRoot: t.TempDir(), Email: "qa@example.org"},
			Deps{Mailer: mailer, Store: store})
		require.NoError(t, err)
		require.NoError(t, m.Prepare("settings.yaml"))
		m.Report().Error(testInfo, MsgConversionFailed, nil)

		m.Finalize(ctx)
		assert.Equal(t, 1, mailer.calls)
		assert.Equal(t, "qa@example.org", mailer.to)
		assert.Contains(t, mailer.body, "ERROR/WARNING for dcm2niix_json:")
		assert.Contains(t, mailer.body, MsgConversionFailed)
		assert.Len(t, store.saved, 1)
		assert.NoDirExists(t, m.stagingRoot)
	})

	t.Run("no email configured", func(t *testing.T) {
		mailer := &fakeMailer{}
		m, err := New(Config{ModuleName: "dcm2niix_json", ConverterPath: "dcm2niix", StagingRoot: t.TempDir()}, Deps{Mailer: mailer})
		require.NoError(t, err)
		m.Report().Warn(testInfo, MsgMultipleNIFTI, nil)

		m.Finalize(ctx)
		assert.Zero(t, mailer.calls)
		assert.NoDirExists(t, m.Directory())
	})

	t.Run("empty report sends nothing", func(t *testing.T) {
		mailer := &fakeMailer{}
		m, err := New(Config{ModuleName: "dcm2niix_json", ConverterPath: "dcm2niix", StagingRoot: t.TempDir(), Email: "qa@example.org"}, Deps{Mailer: mailer})
		require.NoError(t, err)
		m.Finalize(ctx)
		assert.Zero(t, mailer.calls)
	})

	t.Run("delivery failure is logged and cleanup still runs", func(t *testing.T) {
		logs := &bytes.Buffer{}
		mailer := &fakeMailer{err: errors.New("relay down")}
		store := &fakeStore{err: errors.New("db gone")}
		m, err := New(Config{ModuleName: "dcm2niix_json", ConverterPath: "dcm2niix", StagingRoot: t.TempDir(), Email: "qa@example.org"},
			Deps{Logger: zerolog.New(logs), Mailer: mailer, Store: store})
		require.NoError(t, err)
		m.Report().Error(testInfo, MsgConversionFailed, nil)

		m.Finalize(ctx)
		assert.NoDirExists(t, m.Directory())
		assert.Contains(t, logs.String(), "relay down")
		assert.Contains(t, logs.String(), "db gone")
		assert.Contains(t, logs.String(), `"level":"error"`)
	})

	t.Run("already removed", func(t *testing.T) {
		m, err := New(Config{ModuleName: "dcm2niix_json", ConverterPath: "dcm2niix", StagingRoot: t.TempDir()}, Deps{})
		require.NoError(t, err)
		require.NoError(t, os.RemoveAll(m.Directory()))
		m.Finalize(ctx)
		assert.NoDirExists(t, m.Directory())
	})
}

func TestFlushReport(t *testing.T) {
	ctx := context.Background()
	mailer := &fakeMailer{}
	store := &fakeStore{}
	m, err := New(Config{ModuleName: "dcm2niix_json", ConverterPath: "dcm2niix", StagingRoot: t.TempDir(), Email: "qa@example.org"},
		Deps{Mailer: mailer, Store: store})
	require.NoError(t, err)
	t.Cleanup(func() { m.Finalize(ctx) })

	require.NoError(t, m.FlushReport(ctx))
	assert.Zero(t, mailer.calls)

	m.Report().Error(testInfo, MsgConversionFailed, nil)
	require.NoError(t, m.FlushReport(ctx))
	assert.Equal(t, 1, mailer.calls)
	assert.Len(t, store.saved, 1)
	assert.Zero(t, m.Report().Len())
	assert.DirExists(t, m.Directory())

	mailer.err = errors.New("relay down")
	m.Report().Warn(testInfo, MsgMultipleNIFTI, nil)
	assert.ErrorContains(t, m.FlushReport(ctx), "relay down")
	assert.Len(t, store.saved, 2)
	assert.Zero(t, m.Report().Len())

	require.NoError(t, m.FlushReport(ctx))
	assert.Equal(t, 2, mailer.calls)
}
