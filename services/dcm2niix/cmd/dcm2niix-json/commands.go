package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"dcmjson/pkg/archive"
	"dcmjson/pkg/bus"
	"dcmjson/pkg/db"
	"dcmjson/pkg/telemetry"
	"dcmjson/services/dcm2niix"
)

type scanFlags struct {
	info archive.ScanInfo
}

func (f *scanFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.info.Project, "project", "", "Archive project id")
	cmd.Flags().StringVar(&f.info.Subject, "subject", "", "Subject label")
	cmd.Flags().StringVar(&f.info.Session, "session", "", "Session label")
	cmd.Flags().StringVar(&f.info.Scan, "scan", "", "Scan id")
	cmd.Flags().StringVar(&f.info.Type, "type", "", "Scan type")
	for _, name := range []string{"project", "subject", "session", "scan"} {
		_ = cmd.MarkFlagRequired(name)
	}
}

func newRunCommand(g *globals) *cobra.Command {
	var (
		scan     scanFlags
		settings string
		force    bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the module lifecycle on one scan",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			shutdown, err := telemetry.Init(ctx, serviceName, g.settings.OTLPEndpoint)
			if err != nil {
				return err
			}
			defer shutdownTelemetry(g, shutdown)

			b, err := openBackend(ctx, g.settings)
			if err != nil {
				return err
			}
			defer b.Close()

			module, err := newModule(ctx, g, b)
			if err != nil {
				return err
			}
			if err := module.Prepare(settings); err != nil {
				return err
			}

			runErr := runScan(ctx, g, b.archive, module, scan.info, force)
			module.Finalize(ctx)
			pushMetrics(ctx, g)
			return runErr
		},
	}

	scan.bind(cmd)
	cmd.Flags().StringVar(&settings, "settings", "", "Settings file naming the staging subdirectory")
	cmd.Flags().BoolVar(&force, "force", false, "Execute even when the run decision says the scan is done")
	return cmd
}

func runScan(ctx context.Context, g *globals, arch archive.Archive, module *dcm2niix.Module, info archive.ScanInfo, force bool) error {
	scan, err := arch.Scan(ctx, info.ScanRef)
	if err != nil {
		return err
	}

	needed, err := module.IsNeeded(ctx, scan)
	if err != nil {
		return err
	}
	if !needed && !force {
		g.logger.Info().Stringer("scan", info.ScanRef).Msg("scan does not need a run")
		return nil
	}

	outcome, err := module.Process(ctx, info, scan)
	if err != nil {
		return err
	}
	g.logger.Info().Stringer("scan", info.ScanRef).Str("outcome", string(outcome)).Msg("scan processed")
	return nil
}

func newCheckCommand(g *globals) *cobra.Command {
	var scan scanFlags

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Print whether a scan needs a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := openBackend(ctx, g.settings)
			if err != nil {
				return err
			}
			defer b.Close()

			module, err := dcm2niix.New(g.settings.Module, dcm2niix.Deps{Logger: g.logger})
			if err != nil {
				return err
			}
			defer module.Finalize(ctx)

			s, err := b.archive.Scan(ctx, scan.info.ScanRef)
			if err != nil {
				return err
			}
			needed, err := module.IsNeeded(ctx, s)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), needed)
			return nil
		},
	}

	scan.bind(cmd)
	return cmd
}

func newRegisterCommand(g *globals) *cobra.Command {
	var (
		scan        scanFlags
		dicomDir    string
		dicomBundle string
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a scan and upload its DICOM files",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if dicomDir != "" && dicomBundle != "" {
				return errors.New("--dicom-dir and --dicom-bundle are mutually exclusive")
			}

			b, err := openBackend(ctx, g.settings)
			if err != nil {
				return err
			}
			defer b.Close()

			attrs := map[string]string{}
			if scan.info.Type != "" {
				attrs[archive.AttrType] = scan.info.Type
			}
			if err := b.register(ctx, scan.info.ScanRef, attrs); err != nil {
				return fmt.Errorf("register scan: %w", err)
			}

			var paths []string
			switch {
			case dicomDir != "":
				if paths, err = regularFiles(dicomDir); err != nil {
					return err
				}
			case dicomBundle != "":
				tmp, err := os.MkdirTemp("", serviceName+"-bundle-")
				if err != nil {
					return err
				}
				defer os.RemoveAll(tmp)
				if paths, err = archive.ExtractBundle(ctx, dicomBundle, tmp); err != nil {
					return fmt.Errorf("extract %s: %w", dicomBundle, err)
				}
			default:
				return nil
			}

			s, err := b.archive.Scan(ctx, scan.info.ScanRef)
			if err != nil {
				return err
			}
			res := s.Resource(archive.ResourceDICOM)
			for _, path := range paths {
				if err := res.Upload(ctx, path, false); err != nil {
					return err
				}
			}
			g.logger.Info().Stringer("scan", scan.info.ScanRef).Int("files", len(paths)).Msg("scan registered")
			return nil
		},
	}

	scan.bind(cmd)
	cmd.Flags().StringVar(&dicomDir, "dicom-dir", "", "Directory of DICOM files to upload")
	cmd.Flags().StringVar(&dicomBundle, "dicom-bundle", "", "Bundle ("+archive.BundleExt+") of DICOM files to upload")
	return cmd
}

func regularFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	return paths, nil
}

func newExportCommand(g *globals) *cobra.Command {
	var (
		scan     scanFlags
		resource string
		outDir   string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Download a scan resource as a " + archive.BundleExt + " bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := openBackend(ctx, g.settings)
			if err != nil {
				return err
			}
			defer b.Close()

			s, err := b.archive.Scan(ctx, scan.info.ScanRef)
			if err != nil {
				return err
			}
			if err := s.Resource(resource).Download(ctx, outDir, false); err != nil {
				return fmt.Errorf("export %s: %w", resource, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), filepath.Join(outDir, resource+archive.BundleExt))
			return nil
		},
	}

	scan.bind(cmd)
	cmd.Flags().StringVar(&resource, "resource", archive.ResourceJSON, "Resource to export")
	cmd.Flags().StringVar(&outDir, "out", ".", "Directory the bundle is written to")
	return cmd
}

func newMigrateCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations for the scans and report tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if g.settings.DBDSN == "" {
				return errors.New("DB_DSN is required")
			}
			pool, err := db.Open(ctx, g.settings.DBDSN)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := db.Migrate(ctx, pool); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			g.logger.Info().Msg("migrations applied")
			return nil
		},
	}
}

func newWorkerCommand(g *globals) *cobra.Command {
	var durable string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process scan requests from NATS",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if g.settings.NATSURL == "" {
				return errors.New("NATS_URL is required")
			}

			shutdown, err := telemetry.Init(ctx, serviceName, g.settings.OTLPEndpoint)
			if err != nil {
				return err
			}
			defer shutdownTelemetry(g, shutdown)

			b, err := openBackend(ctx, g.settings)
			if err != nil {
				return err
			}
			defer b.Close()

			module, err := newModule(ctx, g, b)
			if err != nil {
				return err
			}
			if err := module.Prepare(""); err != nil {
				module.Finalize(ctx)
				return err
			}

			// Runs after the subscription and connection are drained. Close waits for
			// the scan in flight before the staging directory goes away.
			var worker *dcm2niix.Worker
			defer func() {
				finalizeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if worker != nil {
					worker.Close(finalizeCtx)
					return
				}
				module.Finalize(finalizeCtx)
			}()

			events, err := bus.New(g.settings.NATSURL)
			if err != nil {
				return fmt.Errorf("connect nats: %w", err)
			}
			defer events.Close()
			if err := events.EnsureStream(bus.StreamScans, bus.Subjects()...); err != nil {
				return err
			}

			worker, err = dcm2niix.NewWorker(module, b.archive, events, g.logger)
			if err != nil {
				return err
			}
			sub, err := events.Subscribe(ctx, bus.SubjectScanRequested, durable, worker.Handle)
			if err != nil {
				return fmt.Errorf("subscribe: %w", err)
			}
			defer sub.Close()

			server := &http.Server{
				Addr:              g.settings.Addr,
				Handler:           telemetry.Middleware(serviceName, g.logger)(dcm2niix.Router(events.Connected)),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
					g.logger.Error().Err(err).Msg("server shutdown")
				}
			}()

			g.logger.Info().Str("addr", server.Addr).Str("subject", bus.SubjectScanRequested).Msg("worker started")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&durable, "durable", serviceName, "JetStream durable consumer name")
	return cmd
}

func shutdownTelemetry(g *globals, shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		g.logger.Error().Err(err).Msg("shutdown telemetry")
	}
}
