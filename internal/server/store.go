package server

import (
	"context"
	"fmt"

	"github.com/sharedrop/sharedrop/internal/config"
	"github.com/sharedrop/sharedrop/internal/share"
	"github.com/sirupsen/logrus"
)

// OpenStore opens the share store selected by storage.backend
func OpenStore(ctx context.Context, cfg *config.Config) (share.Store, error) {
	storage := cfg.Storage

	logrus.WithField("backend", storage.Backend).Info("Opening share store")

	switch storage.Backend {
	case config.BackendSQLite:
		db, err := share.OpenSQLite(storage.DSN)
		if err != nil {
			return nil, err
		}
		store, err := share.NewSQLiteStore(ctx, db)
		if err != nil {
			db.Close()
			return nil, err
		}
		return store, nil

	case config.BackendBadger:
		store, err := share.NewBadgerStore(share.BadgerOptions{
			DataDir:    cfg.DataDir,
			SyncWrites: storage.SyncWrites,
			Logger:     logrus.StandardLogger(),
		})
		if err != nil {
			return nil, err
		}
		return store, nil

	case config.BackendPebble:
		store, err := share.NewPebbleStore(share.PebbleOptions{
			DataDir:    cfg.DataDir,
			SyncWrites: storage.SyncWrites,
			Logger:     logrus.StandardLogger(),
		})
		if err != nil {
			return nil, err
		}
		return store, nil

	case config.BackendMemory:
		logrus.Warn("Using in-memory share store, shares will not survive a restart")
		return share.NewMemoryStore(), nil

	case config.BackendS3:
		store, err := share.NewS3Store(ctx, share.S3Options{
			Endpoint:     storage.S3.Endpoint,
			Region:       storage.S3.Region,
			Bucket:       storage.S3.Bucket,
			Prefix:       storage.S3.Prefix,
			AccessKey:    storage.S3.AccessKey,
			SecretKey:    storage.S3.SecretKey,
			UsePathStyle: storage.S3.UsePathStyle,
		})
		if err != nil {
			return nil, err
		}
		return store, nil

	case config.BackendPostgres, config.BackendMySQL, config.BackendGormlite:
		db, err := share.OpenGorm(storage.Backend, storage.DSN)
		if err != nil {
			return nil, err
		}
		return share.NewGormStore(db), nil
	}

	return nil, fmt.Errorf("unknown storage backend: %s", storage.Backend)
}
