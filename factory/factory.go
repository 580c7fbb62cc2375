/*
Package factory turns a config.Config into a running wallet.

PURPOSE:
  One place that knows every concrete implementation. Commands and tests
  ask for an App and get the service plus the pieces behind it, wired the
  same way regardless of storage driver.

WIRING:
  config.Partitions  -> ledger.Partitioner
  config.Currencies  -> ledger.AmountCodec (over DefaultCurrencies)
  config.Storage     -> Backend{Store, Index, Keys}
                        memory   ledger/store Memory + MemoryIndex + MemoryKeys
                        sqlite   store/sqlite (one file holds all three)
                        postgres store/postgres
                        pebble   store/pebble
  config.Kafka       -> events/kafka Publisher (only when brokers are set)
  config.Wallet      -> wallet.Config

USAGE:
  cfg, err := config.Load("wallet.yaml")
  app, err := factory.Build(ctx, cfg, factory.WithLogger(logger))
  defer app.Close()
  app.Wallet.ApplyCredit(ctx, key, amount, "order-42")
*/
package factory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/warp/wallet-ledger/config"
	"github.com/warp/wallet-ledger/events"
	"github.com/warp/wallet-ledger/events/kafka"
	"github.com/warp/wallet-ledger/ledger"
	memstore "github.com/warp/wallet-ledger/ledger/store"
	"github.com/warp/wallet-ledger/store/pebble"
	"github.com/warp/wallet-ledger/store/postgres"
	"github.com/warp/wallet-ledger/store/sqlite"
	"github.com/warp/wallet-ledger/wallet"
)

// =============================================================================
// BUILDING BLOCKS
// =============================================================================

// Partitioner builds the partition table of cfg.
func Partitioner(cfg *config.Config) (*ledger.Partitioner, error) {
	return ledger.NewPartitioner(cfg.LedgerPartitions())
}

// Codec builds the amount codec of cfg.
func Codec(cfg *config.Config) (*ledger.AmountCodec, error) {
	return ledger.NewAmountCodec(cfg.CurrencyPlaces())
}

// Backend is an opened storage driver.
type Backend struct {
	Store ledger.Store
	Index ledger.MetadataIndex
	Keys  ledger.KeyRegistry
	close func() error
}

// Close releases the driver. Safe on a nil Backend.
func (b *Backend) Close() error {
	if b == nil || b.close == nil {
		return nil
	}
	return b.close()
}

// OpenBackend opens the driver named by sc.
func OpenBackend(ctx context.Context, sc config.StorageConfig) (*Backend, error) {
	switch sc.Driver {
	case config.DriverMemory, "":
		return &Backend{
			Store: memstore.NewMemory(),
			Index: memstore.NewMemoryIndex(),
			Keys:  memstore.NewMemoryKeys(),
		}, nil

	case config.DriverSQLite:
		s, err := sqlite.New(sc.DSN)
		if err != nil {
			return nil, err
		}
		return &Backend{Store: s, Index: s.Index(), Keys: s.Keys(), close: s.Close}, nil

	case config.DriverPostgres:
		s, err := postgres.New(ctx, sc.DSN)
		if err != nil {
			return nil, err
		}
		return &Backend{Store: s, Index: s.Index(), Keys: s.Keys(), close: func() error { s.Close(); return nil }}, nil

	case config.DriverPebble:
		s, err := pebble.Open(sc.DSN)
		if err != nil {
			return nil, fmt.Errorf("open pebble at %s: %w", sc.DSN, err)
		}
		return &Backend{Store: s, Index: s.Index(), Keys: s.Keys(), close: s.Close}, nil

	default:
		return nil, fmt.Errorf("unknown storage driver %q", sc.Driver)
	}
}

// =============================================================================
// APP
// =============================================================================

// App is a fully wired wallet.
type App struct {
	Config      *config.Config
	Backend     *Backend
	Partitioner *ledger.Partitioner
	Codec       *ledger.AmountCodec
	Ledger      *ledger.TransferLedger
	Voids       *ledger.VoidCoordinator
	Wallet      *wallet.Service

	publisher events.Publisher
}

// Option configures Build.
type Option func(*buildOptions)

type buildOptions struct {
	logger    *slog.Logger
	registry  prometheus.Registerer
	publisher events.Publisher
}

// WithLogger sets the logger of every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *buildOptions) { o.logger = l }
}

// WithRegistry registers the ledger metrics with reg.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(o *buildOptions) { o.registry = reg }
}

// WithPublisher overrides the publisher derived from the kafka config.
func WithPublisher(p events.Publisher) Option {
	return func(o *buildOptions) { o.publisher = p }
}

// Build wires an App from cfg.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	o := buildOptions{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&o)
	}

	partitioner, err := Partitioner(cfg)
	if err != nil {
		return nil, err
	}
	codec, err := Codec(cfg)
	if err != nil {
		return nil, err
	}
	flags, err := ledger.ParseConstraintFlag(cfg.Wallet.CustomerConstraint)
	if err != nil {
		return nil, err
	}

	var metrics *ledger.Metrics
	if o.registry != nil {
		if metrics, err = ledger.NewMetrics(o.registry); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	backend, err := OpenBackend(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	publisher := o.publisher
	if publisher == nil && len(cfg.Kafka.Brokers) > 0 {
		publisher = kafka.NewPublisher(cfg.Kafka.Brokers)
	}

	l := ledger.NewTransferLedger(backend.Store,
		ledger.WithPartitioner(partitioner),
		ledger.WithLogger(o.logger),
		ledger.WithMetrics(metrics),
	)
	voids := ledger.NewVoidCoordinator(l, backend.Index,
		ledger.WithVoidLogger(o.logger),
		ledger.WithVoidMetrics(metrics),
	)
	svc, err := wallet.New(wallet.Config{
		ReserveClientID: cfg.Wallet.ReserveClientID,
		ExpenseClientID: cfg.Wallet.ExpenseClientID,
		CustomerFlags:   flags,
		Topic:           cfg.Kafka.Topic,
	}, wallet.Deps{
		Ledger:      l,
		Voids:       voids,
		Index:       backend.Index,
		Keys:        backend.Keys,
		Partitioner: partitioner,
		Codec:       codec,
		Publisher:   publisher,
		Logger:      o.logger,
	})
	app := &App{
		Config:      cfg,
		Backend:     backend,
		Partitioner: partitioner,
		Codec:       codec,
		Ledger:      l,
		Voids:       voids,
		Wallet:      svc,
		publisher:   publisher,
	}
	if err != nil {
		if cerr := app.Close(); cerr != nil {
			o.logger.Warn("close_after_build_failure", slog.String("error", cerr.Error()))
		}
		return nil, err
	}
	return app, nil
}

// Close flushes the publisher and closes the backend.
func (a *App) Close() error {
	var errs []error
	if c, ok := a.publisher.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	errs = append(errs, a.Backend.Close())
	return errors.Join(errs...)
}
