package dcm2niix

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"

	"dcmjson/pkg/report"
)

// Archive backends.
const (
	ArchiveFS = "fs"
	ArchiveS3 = "s3"
)

// Config is the module profile. It is immutable once handed to New.
type Config struct {
	ModuleName     string `env:"DCM2NIIX_MODULE_NAME,default=dcm2niix_json" yaml:"module_name"`
	StagingRoot    string `env:"DCM2NIIX_STAGING_ROOT" yaml:"staging_root"`
	Email          string `env:"DCM2NIIX_EMAIL" yaml:"email"`
	ConverterPath  string `env:"DCM2NIIX_PATH,default=dcm2niix" yaml:"converter_path"`
	ScanTypeFilter string `env:"DCM2NIIX_SCANTYPE_FILTER" yaml:"scantype_filter"`
	UploadVolumes  bool   `env:"DCM2NIIX_UPLOAD_VOLUMES,default=false" yaml:"upload_volumes"`
}

// Settings holds everything the dcm2niix-json binary needs at runtime.
type Settings struct {
	Module Config `yaml:"module"`

	ArchiveKind string `env:"ARCHIVE_KIND,default=fs" yaml:"archive_kind"`
	ArchiveRoot string `env:"ARCHIVE_ROOT" yaml:"archive_root"`
	S3Bucket    string `env:"S3_BUCKET" yaml:"s3_bucket"`
	DBDSN       string `env:"DB_DSN" yaml:"-"`
	NATSURL     string `env:"NATS_URL" yaml:"nats_url"`

	Mail report.MailConfig `yaml:"smtp"`

	Addr           string `env:"ADDR,default=:8080" yaml:"addr"`
	OTLPEndpoint   string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" yaml:"otlp_endpoint"`
	PushgatewayURL string `env:"PUSHGATEWAY_URL" yaml:"pushgateway_url"`
	LogLevel       string `env:"LOG_LEVEL,default=info" yaml:"log_level"`
}

// LoadSettings reads Settings from the environment, then overlays the YAML profile at
// profilePath when one is given.
func LoadSettings(ctx context.Context, profilePath string) (Settings, error) {
	return loadSettings(ctx, envconfig.OsLookuper(), profilePath)
}

func loadSettings(ctx context.Context, lookuper envconfig.Lookuper, profilePath string) (Settings, error) {
	var s Settings
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &s,
		Lookuper: lookuper,
	}); err != nil {
		return Settings{}, fmt.Errorf("process env: %w", err)
	}

	if profilePath != "" {
		data, err := os.ReadFile(profilePath)
		if err != nil {
			return Settings{}, fmt.Errorf("read profile: %w", err)
		}
		if err := yaml.Unmarshal(data, &s); err != nil {
			return Settings{}, fmt.Errorf("parse profile %s: %w", profilePath, err)
		}
	}

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks that the selected archive backend is fully configured.
func (s Settings) Validate() error {
	if err := s.Module.Validate(); err != nil {
		return err
	}
	switch strings.ToLower(s.ArchiveKind) {
	case ArchiveFS:
		if strings.TrimSpace(s.ArchiveRoot) == "" {
			return errors.New("ARCHIVE_ROOT is required for the fs archive")
		}
	case ArchiveS3:
		if strings.TrimSpace(s.S3Bucket) == "" {
			return errors.New("S3_BUCKET is required for the s3 archive")
		}
		if strings.TrimSpace(s.DBDSN) == "" {
			return errors.New("DB_DSN is required for the s3 archive")
		}
	default:
		return fmt.Errorf("unknown ARCHIVE_KIND %q", s.ArchiveKind)
	}
	return nil
}

// Validate checks the module profile.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ModuleName) == "" {
		return errors.New("module name is required")
	}
	if strings.TrimSpace(c.ConverterPath) == "" {
		return errors.New("converter path is required")
	}
	return nil
}
