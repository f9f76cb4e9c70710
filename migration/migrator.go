// Package migration implements the changelog migration engine: a Migrator
// locks the target store, reconciles the changelogs discovered in a source
// against the records of previous runs and applies every outstanding
// changelog exactly once, in version order.
package migration

import (
	"context"
	"fmt"
	"os"
	"os/user"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/xoliver/couchmove"
	"github.com/xoliver/couchmove/kv"
)

// Migrator drives the migration process end to end.
type Migrator struct {
	logger   *zap.Logger
	source   couchmove.ChangeSource
	store    *ChangeStore
	lock     *Lock
	appliers map[couchmove.Type]couchmove.Applier
	metrics  *migrationMetrics
	clock    clock.Clock
	runner   string
}

// MigratorOption configures a Migrator.
type MigratorOption func(*Migrator)

// WithClock sets the clock used for timestamps and durations.
func WithClock(c clock.Clock) MigratorOption {
	return func(m *Migrator) { m.clock = c }
}

// WithRunner overrides the identity recorded on executed changelogs.
func WithRunner(runner string) MigratorOption {
	return func(m *Migrator) { m.runner = runner }
}

// WithLock replaces the default lock, for example with a leased one.
func WithLock(l *Lock) MigratorOption {
	return func(m *Migrator) { m.lock = l }
}

// WithApplier registers the applier used for changelogs of type t.
func WithApplier(t couchmove.Type, a couchmove.Applier) MigratorOption {
	return func(m *Migrator) { m.appliers[t] = a }
}

// NewMigrator constructs and configures a new Migrator applying the
// changelogs of source onto store.
func NewMigrator(logger *zap.Logger, store kv.Store, source couchmove.ChangeSource, opts ...MigratorOption) *Migrator {
	m := &Migrator{
		logger:  logger,
		source:  source,
		store:   NewChangeStore(store),
		lock:    NewLock(store),
		metrics: newMigrationMetrics(),
		clock:   clock.New(),
		runner:  defaultRunner(),
		appliers: map[couchmove.Type]couchmove.Applier{
			couchmove.TypeDocuments: NewDocumentImporter(store),
			couchmove.TypeQuery:     NewQueryApplier(store),
			couchmove.TypeIndex:     NewIndexImporter(store),
		},
	}
	for _, opt := range opts {
		opt(m)
	}

	m.store.WithLogger(logger)
	m.lock.WithLogger(logger)

	return m
}

// PrometheusCollectors exposes the migration metrics for registration.
func (m *Migrator) PrometheusCollectors() []prometheus.Collector {
	return m.metrics.Collectors()
}

// Migrate runs the migration process once:
//
//  1. acquire the changelog lock
//  2. fetch the changelogs from the source
//  3. reconcile them against the stored records
//  4. execute every outstanding changelog in version order
//
// The lock is released on every exit path.
func (m *Migrator) Migrate(ctx context.Context) error {
	wrapErr := func(err error) error {
		if err == nil {
			return nil
		}
		return &couchmove.Error{
			Op:  "migration.Migrate",
			Msg: "unable to migrate",
			Err: err,
		}
	}

	m.logger.Info("Beginning migration")

	release, err := m.lock.Acquire(ctx)
	if err != nil {
		return wrapErr(err)
	}
	defer release()

	changeLogs, err := m.source.Fetch(ctx)
	if err != nil {
		return wrapErr(err)
	}
	if len(changeLogs) == 0 {
		m.logger.Info("No migration scripts found")
		return nil
	}

	changeLogs, err = m.store.FetchAndCompare(ctx, changeLogs)
	if err != nil {
		return wrapErr(err)
	}

	if err := m.execute(ctx, changeLogs); err != nil {
		return wrapErr(err)
	}

	m.logger.Info("Migration finished")
	return nil
}

// List returns every stored changelog in version order.
func (m *Migrator) List(ctx context.Context) ([]couchmove.ChangeLog, error) {
	return m.store.List(ctx)
}

// execute applies the reconciled changelogs in order. A changelog whose
// version is at or below the watermark of executed work is marked skipped,
// a failed application aborts the run.
func (m *Migrator) execute(ctx context.Context, changeLogs []couchmove.ChangeLog) error {
	m.logger.Info("Executing migration scripts")

	// The watermark is the version and order of the executed changelog
	// with the highest version, threaded through the loop below. Executed
	// entries passed mid loop never raise it, their versions are at most
	// the maximum by construction.
	var (
		lastVersion string
		lastOrder   int
	)
	for _, c := range changeLogs {
		if c.Status == couchmove.StatusExecuted && c.Version > lastVersion {
			lastVersion = c.Version
			lastOrder = c.Order
		}
	}

	var executed int
	for i := range changeLogs {
		c := &changeLogs[i]

		switch c.Status {
		case couchmove.StatusExecuted:
			if c.Token == 0 {
				// Reconciliation updated the description.
				m.logger.Info("Updating changelog", zap.String("version", c.Version))
				if err := m.store.Save(ctx, c); err != nil {
					return err
				}
			}
			continue
		case couchmove.StatusSkipped:
			continue
		}

		if c.Version <= lastVersion {
			m.logger.Warn("Changelog version is lower than the last executed one, skipping",
				zap.String("version", c.Version),
				zap.String("last_version", lastVersion))
			c.Status = couchmove.StatusSkipped
			m.metrics.Skipped.WithLabelValues(string(c.Type)).Inc()
			if err := m.store.Save(ctx, c); err != nil {
				return err
			}
			continue
		}

		if err := m.apply(ctx, c, lastOrder+1); err != nil {
			return err
		}
		lastOrder++
		lastVersion = c.Version
		executed++
	}

	if executed == 0 {
		m.logger.Info("No new migration scripts found")
	} else {
		m.logger.Info("Executed migration scripts", zap.Int("count", executed))
	}
	return nil
}

// apply executes a single changelog and persists the resulting record, for
// failures as well as successes.
func (m *Migrator) apply(ctx context.Context, c *couchmove.ChangeLog, order int) error {
	m.logger.Info("Executing changelog", zap.String("version", c.Version))

	start := m.clock.Now()
	c.Timestamp = start.UTC()
	c.Runner = m.runner

	applyErr := m.doApply(ctx, c)
	c.Duration = m.clock.Now().Sub(start)

	if applyErr == nil {
		c.Order = order
		c.Status = couchmove.StatusExecuted
		m.metrics.Executed.WithLabelValues(string(c.Type)).Inc()
		m.metrics.Duration.WithLabelValues(string(c.Type)).Observe(c.Duration.Seconds())
		m.logger.Info("Changelog successfully executed",
			zap.String("version", c.Version),
			zap.Duration("duration", c.Duration))
	} else {
		c.Status = couchmove.StatusFailed
		m.metrics.Failed.WithLabelValues(string(c.Type)).Inc()
		m.logger.Error("Unable to execute changelog",
			zap.String("version", c.Version),
			zap.Error(applyErr))
	}

	if err := m.store.Save(ctx, c); err != nil {
		// The failure that triggered the save matters as much as the
		// save failure itself.
		return multierr.Combine(applyErr, err)
	}

	if applyErr != nil {
		return &couchmove.Error{
			Code: couchmove.EInternal,
			Msg:  fmt.Sprintf("migration of changelog %q failed", c.Version),
			Err:  applyErr,
		}
	}
	return nil
}

// doApply dispatches c to the applier registered for its type.
func (m *Migrator) doApply(ctx context.Context, c *couchmove.ChangeLog) error {
	applier, ok := m.appliers[c.Type]
	if !ok {
		return &couchmove.Error{
			Code: couchmove.EInvalid,
			Msg:  fmt.Sprintf("unknown changelog type %q", c.Type),
		}
	}
	return applier.Apply(ctx, m.source, c)
}

// defaultRunner resolves the identity recorded on executed changelogs.
func defaultRunner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	if u, err := user.Current(); err == nil {
		return u.Username + "@" + host
	}
	return host
}
