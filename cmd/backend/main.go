package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"keydrop/internal/blob"
	"keydrop/internal/config"
	"keydrop/internal/logging"
	"keydrop/internal/metadata"
	"keydrop/internal/server"
	"keydrop/internal/transfer"
)

var logger = loggo.GetLogger("drop.backend")

const (
	breakerFailures = 5
	breakerTimeout  = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := logging.Configure(os.Stdout, logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Env:    cfg.Env,
	}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		logger.Criticalf("%v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx := context.Background()

	store, err := openStore(cfg)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() { _ = store.Close() }()

	blobs, err := openBlobs(ctx, cfg)
	if err != nil {
		return errors.Trace(err)
	}

	svc, err := transfer.NewService(transfer.Config{
		Store:       store,
		Blobs:       blobs,
		KeyAttempts: cfg.KeyAttempts,
	})
	if err != nil {
		return errors.Trace(err)
	}

	srv, err := server.New(server.Config{
		Addr:           cfg.Addr,
		Build:          server.BuildInfo{Version: cfg.Version, Commit: cfg.Commit},
		Transfers:      svc,
		Metadata:       store,
		Blobs:          blobs,
		MaxUploadBytes: cfg.MaxUploadBytes,
		RateLimit:      cfg.RateLimit,
		RateWindow:     cfg.RateWindow,
		CORSOrigins:    cfg.CORSOrigins,
		TrustProxy:     cfg.TrustProxy,
	})
	if err != nil {
		return errors.Trace(err)
	}

	// Serve in the background so we can wait for OS signals.
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("starting addr=%s version=%s commit=%s", cfg.Addr, cfg.Version, cfg.Commit)
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Infof("shutting down on %s", sig)
		ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return errors.Annotate(err, "shutdown")
		}
		logger.Infof("shutdown complete")
		return nil
	case err := <-errCh:
		return errors.Annotate(err, "server")
	}
}

// openStore connects the metadata store and brings its schema up to date.
// A failed migration is fatal.
func openStore(cfg *config.Config) (*metadata.SQLStore, error) {
	var (
		store   *metadata.SQLStore
		dialect metadata.Dialect
		dsn     string
		err     error
	)
	if cfg.UsePostgres() {
		dialect, dsn = metadata.DialectPostgres, cfg.DatabaseURL
		store, err = metadata.OpenPostgres(dsn)
	} else {
		dialect, dsn = metadata.DialectSQLite, cfg.SQLitePath
		store, err = metadata.OpenSQLite(dsn)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "opening %s metadata store", dialect)
	}

	logger.Infof("running %s migrations", dialect)
	if err := metadata.Migrate(dialect, dsn); err != nil {
		_ = store.Close()
		return nil, errors.Trace(err)
	}
	return store, nil
}

// openBlobs builds the configured blob backend. Remote backends sit behind a
// circuit breaker.
func openBlobs(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	switch cfg.BlobBackend {
	case config.BackendFS, "":
		logger.Infof("storing blobs under %s", cfg.StorageDir)
		return blob.NewFileStore(cfg.StorageDir, clock.WallClock)

	case config.BackendMinio:
		st, err := blob.NewMinioStore(ctx, blob.MinioConfig{
			Endpoint:     cfg.S3Endpoint,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			Bucket:       cfg.Bucket,
			CreateBucket: true,
		}, clock.WallClock)
		if err != nil {
			return nil, errors.Trace(err)
		}
		logger.Infof("storing blobs in minio bucket %s", cfg.Bucket)
		return blob.WithBreaker(st, blob.NewCircuitBreaker(breakerFailures, breakerTimeout, clock.WallClock)), nil

	case config.BackendS3:
		st, err := blob.NewS3Store(ctx, blob.S3Config{
			Region:       cfg.S3Region,
			Endpoint:     cfg.S3Endpoint,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			Bucket:       cfg.Bucket,
			UsePathStyle: cfg.S3Endpoint != "",
		}, clock.WallClock)
		if err != nil {
			return nil, errors.Trace(err)
		}
		logger.Infof("storing blobs in s3 bucket %s", cfg.Bucket)
		return blob.WithBreaker(st, blob.NewCircuitBreaker(breakerFailures, breakerTimeout, clock.WallClock)), nil
	}
	return nil, errors.NotSupportedf("blob backend %q", cfg.BlobBackend)
}
