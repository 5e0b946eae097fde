package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/rollcall/attendance"
	"github.com/jmcleod/rollcall/events"
	amqppub "github.com/jmcleod/rollcall/events/amqp"
	kafkapub "github.com/jmcleod/rollcall/events/kafka"
	redispub "github.com/jmcleod/rollcall/events/redis"
	"github.com/jmcleod/rollcall/events/webhook"
	"github.com/jmcleod/rollcall/internal/config"
	"github.com/jmcleod/rollcall/storage"
	bboltstorage "github.com/jmcleod/rollcall/storage/bbolt"
	"github.com/jmcleod/rollcall/storage/memory"
	"github.com/jmcleod/rollcall/storage/postgres"
)

// boltOpenTimeout bounds the wait for another process's file lock.
const boltOpenTimeout = 2 * time.Second

// backend is an opened ledger store plus the sequence guard that suits it.
type backend struct {
	repo    storage.Repository
	guard   attendance.SequenceGuard
	closers []func() error
}

func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	switch cfg.Storage {
	case "bolt":
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		store, err := bboltstorage.NewRepositoryFromFile(filepath.Join(cfg.DataDir, "ledger.db"), &bbolt.Options{Timeout: boltOpenTimeout})
		if err != nil {
			return nil, fmt.Errorf("failed to open ledger storage: %w", err)
		}
		guard, err := attendance.NewBoltSequenceGuard(store.DB())
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to open sequence guard: %w", err)
		}
		return &backend{repo: store, guard: guard, closers: []func() error{store.Close}}, nil
	case "postgres":
		store, err := postgres.NewRepositoryFromDSN(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open ledger storage: %w", err)
		}
		return &backend{
			repo:    store,
			guard:   attendance.NewMemorySequenceGuard(),
			closers: []func() error{func() error { store.Close(); return nil }},
		}, nil
	default:
		return &backend{repo: memory.NewRepository(), guard: attendance.NewMemorySequenceGuard()}, nil
	}
}

func openKeyring(cfg *config.Config) (*attendance.Keyring, error) {
	key, err := cfg.TokenKeyBytes()
	if err != nil {
		return nil, err
	}
	if key == nil {
		return attendance.NewRandomKeyring()
	}
	return attendance.NewKeyring(key)
}

// publisherCloser is a Publisher that holds a broker connection.
type publisherCloser interface {
	events.Publisher
	Close() error
}

// openPublishers connects every configured broker. On error the ones already
// opened are closed.
func openPublishers(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]events.Publisher, func(), error) {
	var opened []publisherCloser
	closeAll := func() {
		for _, p := range opened {
			if err := p.Close(); err != nil {
				logger.Warn("closing event publisher", "error", err)
			}
		}
	}

	if cfg.RedisAddr != "" {
		p, err := redispub.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisChannel)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		opened = append(opened, p)
	}
	if cfg.AMQPURL != "" {
		p, err := amqppub.Dial(cfg.AMQPURL, cfg.AMQPQueue)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		opened = append(opened, p)
	}
	if brokers := cfg.KafkaBrokerList(); len(brokers) > 0 {
		p, err := kafkapub.New(brokers, cfg.KafkaTopic)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		opened = append(opened, p)
	}

	pubs := make([]events.Publisher, 0, len(opened)+1)
	for _, p := range opened {
		pubs = append(pubs, p)
	}
	if cfg.WebhookURL != "" {
		pubs = append(pubs, webhook.New(cfg.WebhookURL, cfg.WebhookAuthHeader))
	}
	return pubs, closeAll, nil
}

func serviceOptions(cfg *config.Config, be *backend, logger *slog.Logger) []attendance.Option {
	return []attendance.Option{
		attendance.WithBucket(cfg.Bucket),
		attendance.WithGrace(cfg.Grace()),
		attendance.WithWindowRetention(cfg.WindowRetention),
		attendance.WithClearSuppression(cfg.ClearSuppression),
		attendance.WithPINDigits(cfg.PINDigits),
		attendance.WithSequenceGuard(be.guard),
		attendance.WithLogger(logger),
	}
}
