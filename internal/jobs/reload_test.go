package jobs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altia/nlserv/internal/licence"
	"github.com/altia/nlserv/internal/seat"
	"github.com/altia/nlserv/internal/store"
)

var licenceTestdata = filepath.Join("..", "licence", "testdata")

func newTestReloader(t *testing.T) (*Reloader, string) {
	t.Helper()

	folder := t.TempDir()
	st, err := store.Open(filepath.Join(t.TempDir(), store.FileName))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	verifier, err := licence.NewVerifierFromFile(filepath.Join(licenceTestdata, licence.PublicKeyFileName))
	require.NoError(t, err)

	mgr := seat.NewManager(st, verifier, seat.Options{Heartbeat: 300 * time.Second})
	return &Reloader{
		Store:   st,
		Loader:  &licence.Loader{Folder: folder, Verifier: verifier},
		Manager: mgr,
	}, folder
}

func copyFixture(t *testing.T, dst string) {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(licenceTestdata, "valid.nls1"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(dst, data, 0o644))
}

func TestReloadAdmitsVerifiedFiles(t *testing.T) {
	ctx := context.Background()
	r, folder := newTestReloader(t)
	copyFixture(t, filepath.Join(folder, "insight.nls1"))

	status, err := r.Reload(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Licences)

	products, err := r.Store.Products(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Insight"}, products)
}

func TestReloadIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r, folder := newTestReloader(t)
	copyFixture(t, filepath.Join(folder, "insight.nls1"))

	_, err := r.Reload(ctx)
	require.NoError(t, err)
	first, err := r.Store.LicencesForProduct(ctx, "Insight")
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Unchanged files: same rows, same ids.
	_, err = r.Reload(ctx)
	require.NoError(t, err)
	second, err := r.Store.LicencesForProduct(ctx, "Insight")
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
}

func TestReloadRemovesDeletedFiles(t *testing.T) {
	ctx := context.Background()
	r, folder := newTestReloader(t)
	path := filepath.Join(folder, "insight.nls1")
	copyFixture(t, path)

	_, err := r.Reload(ctx)
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))
	status, err := r.Reload(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, status.Licences)

	products, err := r.Store.Products(ctx)
	require.NoError(t, err)
	assert.Empty(t, products)
}

func TestReloadReapsStaleConnections(t *testing.T) {
	ctx := context.Background()
	r, folder := newTestReloader(t)
	copyFixture(t, filepath.Join(folder, "insight.nls1"))

	stale := time.Now().Add(-time.Hour)
	require.NoError(t, r.Store.UpsertConnection(ctx, r.Store.DB(), "insight", "alice", "1.1.1.1", "hostA", stale, nil))

	status, err := r.Reload(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.Reaped)
}

func TestReloadMissingFolderFails(t *testing.T) {
	r, _ := newTestReloader(t)
	r.Loader.Folder = filepath.Join(t.TempDir(), "missing")

	_, err := r.Reload(context.Background())
	assert.Error(t, err)
}

func TestStartupRunsMaintenance(t *testing.T) {
	ctx := context.Background()
	r, folder := newTestReloader(t)
	copyFixture(t, filepath.Join(folder, "insight.nls1"))

	status, err := r.Startup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Licences)
}

func TestEnsureFolders(t *testing.T) {
	base := t.TempDir()
	data := filepath.Join(base, "data")
	lic := filepath.Join(base, "licences")

	require.NoError(t, EnsureFolders(data, lic, ""))
	for _, p := range []string{data, lic} {
		info, err := os.Stat(p)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
	// Existing folders are fine.
	assert.NoError(t, EnsureFolders(data, lic))
}

func TestSchedulerRunsReloadAtTrigger(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r, folder := newTestReloader(t)
	copyFixture(t, filepath.Join(folder, "insight.nls1"))

	fired := make(chan struct{})
	calls := 0
	s := &Scheduler{
		Reloader: r,
		Next: func(now time.Time) time.Time {
			calls++
			if calls > 1 {
				// After the first trigger, park far in the future and
				// let the test end.
				close(fired)
				return now.Add(time.Hour)
			}
			return now.Add(20 * time.Millisecond)
		},
	}

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-fired:
	case <-ctx.Done():
		t.Fatal("scheduler never fired")
	}

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	products, err := r.Store.Products(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Insight"}, products)
}
