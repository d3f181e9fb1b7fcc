package dcm2niix

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSettings_Defaults(t *testing.T) {
	s, err := loadSettings(context.Background(), envconfig.MapLookuper(map[string]string{
		"ARCHIVE_ROOT": "/data/archive",
	}), "")
	require.NoError(t, err)

	assert.Equal(t, "dcm2niix_json", s.Module.ModuleName)
	assert.Equal(t, "dcm2niix", s.Module.ConverterPath)
	assert.Empty(t, s.Module.ScanTypeFilter)
	assert.False(t, s.Module.UploadVolumes)
	assert.Equal(t, ArchiveFS, s.ArchiveKind)
	assert.Equal(t, 587, s.Mail.Port)
	assert.Equal(t, ":8080", s.Addr)
	assert.Equal(t, "info", s.LogLevel)
}

func TestLoadSettings_ProfileOverridesEnv(t *testing.T) {
	profile := filepath.Join(t.TempDir(), "dcm2niix.yaml")
	require.NoError(t, os.WriteFile(profile, []byte(`
module:
  converter_path: /opt/dcm2niix/console/dcm2niix
  scantype_filter: DTI
  email: qa@example.org
archive_kind: s3
s3_bucket: xnat
smtp:
  host: smtp.example.org
`), 0o644))

	s, err := loadSettings(context.Background(), envconfig.MapLookuper(map[string]string{
		"DCM2NIIX_PATH":        "/usr/bin/dcm2niix",
		"DCM2NIIX_MODULE_NAME": "dcm2niix_json_dti",
		"DB_DSN":               "postgres://xnat@db/xnat",
		"SMTP_PASS":            "secret",
	}), profile)
	require.NoError(t, err)

	assert.Equal(t, "/opt/dcm2niix/console/dcm2niix", s.Module.ConverterPath)
	assert.Equal(t, "dcm2niix_json_dti", s.Module.ModuleName)
	assert.Equal(t, "DTI", s.Module.ScanTypeFilter)
	assert.Equal(t, "qa@example.org", s.Module.Email)
	assert.Equal(t, ArchiveS3, s.ArchiveKind)
	assert.Equal(t, "smtp.example.org", s.Mail.Host)
	assert.Equal(t, "secret", s.Mail.Password)
}

func TestSettings_Validate(t *testing.T) {
	valid := Config{ModuleName: "dcm2niix_json", ConverterPath: "dcm2niix"}
	tests := []struct {
		name    string
		s       Settings
		wantErr string
	}{
		{name: "fs", s: Settings{Module: valid, ArchiveKind: "fs", ArchiveRoot: "/data"}},
		{name: "fs without root", s: Settings{Module: valid, ArchiveKind: "fs"}, wantErr: "ARCHIVE_ROOT"},
		{name: "s3", s: Settings{Module: valid, ArchiveKind: "S3", S3Bucket: "b", DBDSN: "postgres://"}},
		{name: "s3 without bucket", s: Settings{Module: valid, ArchiveKind: "s3", DBDSN: "postgres://"}, wantErr: "S3_BUCKET"},
		{name: "s3 without dsn", s: Settings{Module: valid, ArchiveKind: "s3", S3Bucket: "b"}, wantErr: "DB_DSN"},
		{name: "unknown kind", s: Settings{Module: valid, ArchiveKind: "xnat"}, wantErr: "ARCHIVE_KIND"},
		{name: "no converter", s: Settings{Module: Config{ModuleName: "m"}, ArchiveKind: "fs", ArchiveRoot: "/data"}, wantErr: "converter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.s.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestLoadSettings_BadProfile(t *testing.T) {
	lookuper := envconfig.MapLookuper(map[string]string{"ARCHIVE_ROOT": "/data"})

	_, err := loadSettings(context.Background(), lookuper, filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	profile := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(profile, []byte("module: [unterminated"), 0o644))
	_, err = loadSettings(context.Background(), lookuper, profile)
	assert.Error(t, err)
}
