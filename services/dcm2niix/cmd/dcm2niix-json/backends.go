package main

import (
	"context"
	"fmt"
	"strings"

	"dcmjson/pkg/archive"
	"dcmjson/pkg/archive/fsarchive"
	"dcmjson/pkg/archive/s3archive"
	"dcmjson/pkg/db"
	"dcmjson/pkg/report"
	gos3 "dcmjson/pkg/s3"
	"dcmjson/services/dcm2niix"
)

type registerFunc func(ctx context.Context, ref archive.ScanRef, attrs map[string]string) error

type backend struct {
	archive  archive.Archive
	register registerFunc
	closers  []func()
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackend(ctx context.Context, s dcm2niix.Settings) (*backend, error) {
	switch strings.ToLower(s.ArchiveKind) {
	case dcm2niix.ArchiveFS:
		a, err := fsarchive.New(s.ArchiveRoot)
		if err != nil {
			return nil, fmt.Errorf("open fs archive: %w", err)
		}
		return &backend{
			archive: a,
			register: func(ctx context.Context, ref archive.ScanRef, attrs map[string]string) error {
				_, err := a.CreateScan(ctx, ref, attrs)
				return err
			},
		}, nil

	case dcm2niix.ArchiveS3:
		client, err := gos3.NewClientFromEnv(ctx)
		if err != nil {
			return nil, fmt.Errorf("init s3 client: %w", err)
		}
		pool, err := db.Open(ctx, s.DBDSN)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		attrs, err := s3archive.NewPGAttributes(pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		a, err := s3archive.New(client, attrs, s.S3Bucket)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return &backend{
			archive: a,
			register: func(ctx context.Context, ref archive.ScanRef, values map[string]string) error {
				_, err := attrs.Register(ctx, ref, values)
				return err
			},
			closers: []func(){pool.Close},
		}, nil

	default:
		return nil, fmt.Errorf("unknown ARCHIVE_KIND %q", s.ArchiveKind)
	}
}

// newModule wires the optional mailer and report store around a Module.
func newModule(ctx context.Context, g *globals, b *backend) (*dcm2niix.Module, error) {
	deps := dcm2niix.Deps{Logger: g.logger}

	if g.settings.Module.Email != "" {
		mailer, err := report.NewMailer(g.settings.Mail)
		if err != nil {
			return nil, err
		}
		deps.Mailer = mailer
	}

	if g.settings.DBDSN != "" {
		store, err := report.OpenStore(ctx, g.settings.DBDSN)
		if err != nil {
			return nil, fmt.Errorf("open report store: %w", err)
		}
		b.closers = append(b.closers, func() {
			if err := store.Close(); err != nil {
				g.logger.Warn().Err(err).Msg("close report store")
			}
		})
		deps.Store = store
	}

	return dcm2niix.New(g.settings.Module, deps)
}

func pushMetrics(ctx context.Context, g *globals) {
	if g.settings.PushgatewayURL == "" {
		return
	}
	if err := dcm2niix.PushMetrics(ctx, g.settings.PushgatewayURL, serviceName); err != nil {
		g.logger.Warn().Err(err).Msg("push metrics")
	}
}
