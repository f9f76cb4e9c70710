package migration_test

import (
	"context"
	"fmt"
	"io/fs"
	"testing"
	"testing/fstest"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xoliver/couchmove"
	"github.com/xoliver/couchmove/inmem"
	"github.com/xoliver/couchmove/kv"
	"github.com/xoliver/couchmove/migration"
	"github.com/xoliver/couchmove/source"
)

// scenarioFS is a migration root with one index definition and one document
// import folder.
func scenarioFS() fstest.MapFS {
	return fstest.MapFS{
		"V1__create_index.json":   {Data: []byte(`{"fields": ["name"]}`)},
		"V2__seed_docs/user.json": {Data: []byte(`{"name": "admin"}`)},
		"V2__seed_docs/role.json": {Data: []byte(`{"name": "reader"}`)},
	}
}

func newMigrator(t *testing.T, store kv.Store, fsys fs.FS, opts ...migration.MigratorOption) *migration.Migrator {
	t.Helper()
	return migration.NewMigrator(zaptest.NewLogger(t), store, source.New(fsys), opts...)
}

// record looks up one stored changelog by version.
func record(t *testing.T, m *migration.Migrator, version string) couchmove.ChangeLog {
	t.Helper()

	changeLogs, err := m.List(context.Background())
	require.NoError(t, err)
	for _, c := range changeLogs {
		if c.Version == version {
			return c
		}
	}

	t.Fatalf("changelog %q not found", version)
	return couchmove.ChangeLog{}
}

// staticSource serves a fixed changelog list in the order given, bypassing
// the filesystem source's version sort.
type staticSource struct {
	changeLogs []couchmove.ChangeLog
	scripts    map[string][]byte
}

func (s *staticSource) Fetch(ctx context.Context) ([]couchmove.ChangeLog, error) {
	out := make([]couchmove.ChangeLog, len(s.changeLogs))
	copy(out, s.changeLogs)
	return out, nil
}

func (s *staticSource) ReadScript(ctx context.Context, script string) ([]byte, error) {
	content, ok := s.scripts[script]
	if !ok {
		return nil, fmt.Errorf("script %q not found", script)
	}
	return content, nil
}

func (s *staticSource) ReadDocuments(ctx context.Context, script string) ([]couchmove.Document, error) {
	return nil, fmt.Errorf("document collection %q not found", script)
}

// countingSource counts Fetch calls on the wrapped source.
type countingSource struct {
	couchmove.ChangeSource
	fetches int
}

func (s *countingSource) Fetch(ctx context.Context) ([]couchmove.ChangeLog, error) {
	s.fetches++
	return s.ChangeSource.Fetch(ctx)
}

// meddlingApplier rewrites the changelog record out of band during Apply,
// invalidating the token the engine read during reconciliation.
type meddlingApplier struct {
	store *migration.ChangeStore
}

func (a *meddlingApplier) Apply(ctx context.Context, src couchmove.ChangeSource, c *couchmove.ChangeLog) error {
	stored, err := a.store.Get(ctx, c.Version)
	if err != nil {
		return err
	}
	return a.store.Save(ctx, stored)
}

// gatherValue sums the counter values of the named metric family across all
// label combinations.
func gatherValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)

	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if c := m.GetCounter(); c != nil {
				total += c.GetValue()
			}
		}
	}
	return total
}

func TestMigrator_Migrate(t *testing.T) {
	store := inmem.NewKVStore()
	mock := clock.NewMock()
	m := newMigrator(t, store, scenarioFS(),
		migration.WithClock(mock),
		migration.WithRunner("tester@localhost"))
	ctx := context.Background()

	require.NoError(t, m.Migrate(ctx))

	changeLogs, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, changeLogs, 2)

	first := changeLogs[0]
	require.Equal(t, "1", first.Version)
	require.Equal(t, "create index", first.Description)
	require.Equal(t, couchmove.TypeIndex, first.Type)
	require.Equal(t, couchmove.StatusExecuted, first.Status)
	require.Equal(t, 1, first.Order)
	require.Equal(t, "tester@localhost", first.Runner)
	require.True(t, first.Timestamp.Equal(mock.Now()))

	second := changeLogs[1]
	require.Equal(t, "2", second.Version)
	require.Equal(t, couchmove.TypeDocuments, second.Type)
	require.Equal(t, couchmove.StatusExecuted, second.Status)
	require.Equal(t, 2, second.Order)

	pair, err := store.Bucket([]byte("indexes")).Get(ctx, []byte("create_index"))
	require.NoError(t, err)
	require.JSONEq(t, `{"fields": ["name"]}`, string(pair.Value))

	for _, key := range []string{"user", "role"} {
		pair, err := store.Bucket([]byte("documents")).Get(ctx, []byte(key))
		require.NoError(t, err)
		require.NotEmpty(t, pair.Value)
	}
}

func TestMigrator_MigrateIsIdempotent(t *testing.T) {
	store := inmem.NewKVStore()
	m := newMigrator(t, store, scenarioFS())
	ctx := context.Background()

	require.NoError(t, m.Migrate(ctx))

	before, err := m.List(ctx)
	require.NoError(t, err)
	pairBefore, err := store.Bucket([]byte("documents")).Get(ctx, []byte("user"))
	require.NoError(t, err)

	require.NoError(t, m.Migrate(ctx))

	after, err := m.List(ctx)
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(before, after))

	pairAfter, err := store.Bucket([]byte("documents")).Get(ctx, []byte("user"))
	require.NoError(t, err)
	require.Equal(t, pairBefore.Token, pairAfter.Token)
}

func TestMigrator_AppliesLateChangelogAboveWatermark(t *testing.T) {
	fsys := scenarioFS()
	store := inmem.NewKVStore()
	m := newMigrator(t, store, fsys)
	ctx := context.Background()

	require.NoError(t, m.Migrate(ctx))

	// A changelog appearing later with a version above the watermark is
	// executed with the next order.
	fsys["V2.5__add_admin.query"] = &fstest.MapFile{
		Data: []byte(`UPSERT user::admin {"name": "admin"}` + "\n"),
	}
	require.NoError(t, m.Migrate(ctx))

	c := record(t, m, "2.5")
	require.Equal(t, couchmove.StatusExecuted, c.Status)
	require.Equal(t, 3, c.Order)

	pair, err := store.Bucket([]byte("documents")).Get(ctx, []byte("user::admin"))
	require.NoError(t, err)
	require.JSONEq(t, `{"name": "admin"}`, string(pair.Value))
}

func TestMigrator_SkipsLateChangelogBelowWatermark(t *testing.T) {
	fsys := scenarioFS()
	store := inmem.NewKVStore()
	m := newMigrator(t, store, fsys)
	ctx := context.Background()

	require.NoError(t, m.Migrate(ctx))

	fsys["V1.5__add_ghost.query"] = &fstest.MapFile{
		Data: []byte(`UPSERT user::ghost {"name": "ghost"}` + "\n"),
	}
	require.NoError(t, m.Migrate(ctx))

	c := record(t, m, "1.5")
	require.Equal(t, couchmove.StatusSkipped, c.Status)
	require.Zero(t, c.Order)

	// The skipped script never touched the target.
	_, err := store.Bucket([]byte("documents")).Get(ctx, []byte("user::ghost"))
	require.True(t, kv.IsNotFound(err))
}

func TestMigrator_WatermarkGovernsNotListPosition(t *testing.T) {
	src := &staticSource{
		changeLogs: []couchmove.ChangeLog{
			{Version: "2", Description: "second", Type: couchmove.TypeQuery, Script: "second.query", Checksum: "b"},
			{Version: "1", Description: "first", Type: couchmove.TypeQuery, Script: "first.query", Checksum: "a"},
		},
		scripts: map[string][]byte{
			"second.query": []byte(`UPSERT doc::second {"n": 2}` + "\n"),
			"first.query":  []byte(`UPSERT doc::first {"n": 1}` + "\n"),
		},
	}
	store := inmem.NewKVStore()
	m := migration.NewMigrator(zaptest.NewLogger(t), store, src)

	require.NoError(t, m.Migrate(context.Background()))

	executed := record(t, m, "2")
	require.Equal(t, couchmove.StatusExecuted, executed.Status)
	require.Equal(t, 1, executed.Order)

	// Once version 2 executed it became the watermark, version 1 arrived
	// too late even though both were discovered in the same run.
	require.Equal(t, couchmove.StatusSkipped, record(t, m, "1").Status)
}

func TestMigrator_CorruptionAborts(t *testing.T) {
	fsys := scenarioFS()
	store := inmem.NewKVStore()
	m := newMigrator(t, store, fsys)
	ctx := context.Background()

	require.NoError(t, m.Migrate(ctx))

	fsys["V1__create_index.json"] = &fstest.MapFile{Data: []byte(`{"fields": ["email"]}`)}
	fsys["V2.5__add_admin.query"] = &fstest.MapFile{
		Data: []byte(`UPSERT user::admin {"name": "admin"}` + "\n"),
	}

	err := m.Migrate(ctx)
	require.Equal(t, couchmove.EConflict, couchmove.ErrorCode(err))

	// Nothing from the aborted run reached the store.
	changeLogs, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, changeLogs, 2)

	fsys["V1__create_index.json"] = &fstest.MapFile{Data: []byte(`{"fields": ["name"]}`)}
	require.NoError(t, m.Migrate(ctx))
	require.Equal(t, couchmove.StatusExecuted, record(t, m, "2.5").Status)
}

func TestMigrator_FailFast(t *testing.T) {
	fsys := scenarioFS()
	fsys["V3__broken.query"] = &fstest.MapFile{Data: []byte("FROBNICATE user::admin\n")}
	fsys["V4__add_admin.query"] = &fstest.MapFile{
		Data: []byte(`UPSERT user::admin {"name": "admin"}` + "\n"),
	}
	store := inmem.NewKVStore()
	m := newMigrator(t, store, fsys)
	ctx := context.Background()

	err := m.Migrate(ctx)
	require.Equal(t, couchmove.EInternal, couchmove.ErrorCode(err))

	failed := record(t, m, "3")
	require.Equal(t, couchmove.StatusFailed, failed.Status)
	require.Zero(t, failed.Order)
	require.NotEmpty(t, failed.Runner)
	require.False(t, failed.Timestamp.IsZero())

	// Version 4 was never attempted.
	changeLogs, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, changeLogs, 3)
	_, err = store.Bucket([]byte("documents")).Get(ctx, []byte("user::admin"))
	require.True(t, kv.IsNotFound(err))

	// A failed changelog is retried once its script is fixed.
	fsys["V3__broken.query"] = &fstest.MapFile{Data: []byte("DELETE user::legacy\n")}
	require.NoError(t, m.Migrate(ctx))

	require.Equal(t, couchmove.StatusExecuted, record(t, m, "3").Status)
	require.Equal(t, 3, record(t, m, "3").Order)
	require.Equal(t, couchmove.StatusExecuted, record(t, m, "4").Status)
	require.Equal(t, 4, record(t, m, "4").Order)
}

func TestMigrator_SaveConflictAborts(t *testing.T) {
	fsys := fstest.MapFS{
		"V1__broken.query": {Data: []byte("FROBNICATE x\n")},
	}
	store := inmem.NewKVStore()
	ctx := context.Background()

	m := newMigrator(t, store, fsys)
	require.Equal(t, couchmove.EInternal, couchmove.ErrorCode(m.Migrate(ctx)))

	meddler := &meddlingApplier{store: migration.NewChangeStore(store)}
	m2 := newMigrator(t, store, fsys, migration.WithApplier(couchmove.TypeQuery, meddler))

	err := m2.Migrate(ctx)
	require.Equal(t, couchmove.EConflict, couchmove.ErrorCode(err))

	// The out of band write won and the engine did not retry over it.
	require.Equal(t, couchmove.StatusFailed, record(t, m2, "1").Status)
}

func TestMigrator_DescriptionUpdate(t *testing.T) {
	fsys := scenarioFS()
	store := inmem.NewKVStore()
	m := newMigrator(t, store, fsys)
	ctx := context.Background()

	require.NoError(t, m.Migrate(ctx))
	before := record(t, m, "1")

	// Rename the entry without touching its content.
	content := fsys["V1__create_index.json"]
	delete(fsys, "V1__create_index.json")
	fsys["V1__create_primary_index.json"] = content

	require.NoError(t, m.Migrate(ctx))

	c := record(t, m, "1")
	require.Equal(t, couchmove.StatusExecuted, c.Status)
	require.Equal(t, "create primary index", c.Description)
	require.Equal(t, "V1__create_primary_index.json", c.Script)
	require.Equal(t, before.Order, c.Order)
	require.True(t, c.Timestamp.Equal(before.Timestamp))
}

func TestMigrator_LockExclusivity(t *testing.T) {
	fsys := scenarioFS()
	store := inmem.NewKVStore()
	ctx := context.Background()

	external := migration.NewLock(store)
	release, err := external.Acquire(ctx)
	require.NoError(t, err)

	src := &countingSource{ChangeSource: source.New(fsys)}
	m := migration.NewMigrator(zaptest.NewLogger(t), store, src)

	err = m.Migrate(ctx)
	require.Equal(t, couchmove.EUnavailable, couchmove.ErrorCode(err))
	require.Zero(t, src.fetches)

	changeLogs, err := m.List(ctx)
	require.NoError(t, err)
	require.Empty(t, changeLogs)

	release()
	require.NoError(t, m.Migrate(ctx))
	require.Equal(t, 1, src.fetches)
}

func TestMigrator_EmptySourceSucceeds(t *testing.T) {
	store := inmem.NewKVStore()
	m := newMigrator(t, store, fstest.MapFS{})
	ctx := context.Background()

	require.NoError(t, m.Migrate(ctx))

	changeLogs, err := m.List(ctx)
	require.NoError(t, err)
	require.Empty(t, changeLogs)
}

func TestMigrator_Metrics(t *testing.T) {
	fsys := scenarioFS()
	fsys["V3__broken.query"] = &fstest.MapFile{Data: []byte("FROBNICATE x\n")}
	store := inmem.NewKVStore()
	m := newMigrator(t, store, fsys)
	ctx := context.Background()

	reg := prometheus.NewRegistry()
	reg.MustRegister(m.PrometheusCollectors()...)

	require.Error(t, m.Migrate(ctx))

	require.Equal(t, 2.0, gatherValue(t, reg, "couchmove_migration_executed_total"))
	require.Equal(t, 1.0, gatherValue(t, reg, "couchmove_migration_failed_total"))
	require.Equal(t, 0.0, gatherValue(t, reg, "couchmove_migration_skipped_total"))

	fsys["V3__broken.query"] = &fstest.MapFile{Data: []byte("DELETE user::legacy\n")}
	fsys["V1.5__late.query"] = &fstest.MapFile{Data: []byte(`UPSERT user::ghost {}` + "\n")}
	require.NoError(t, m.Migrate(ctx))

	require.Equal(t, 3.0, gatherValue(t, reg, "couchmove_migration_executed_total"))
	require.Equal(t, 1.0, gatherValue(t, reg, "couchmove_migration_skipped_total"))

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	require.Contains(t, names, "couchmove_migration_duration_seconds")
}
