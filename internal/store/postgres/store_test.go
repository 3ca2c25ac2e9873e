package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/enrichd/enrichd/internal/enrich"
	"github.com/enrichd/enrichd/internal/perf"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	monitor := perf.New(perf.Config{Enabled: false}, nil, zap.NewNop())
	store, err := NewWithPool(mock, monitor, enrich.SystemClock{})
	require.NoError(t, err)
	return store, mock
}

func TestNewRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{}, nil, nil)
	require.Error(t, err)
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil, nil, nil)
	require.Error(t, err)
}

func TestFindMissingAttributeScansRows(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	modTime := time.Unix(1_700_000_000, 0).UTC()

	rows := pgxmock.NewRows([]string{"id", "path", "volume", "ext", "size", "mod_time"}).
		AddRow("f-1", "/files/a.jpg", "local", ".jpg", int64(2048), modTime).
		AddRow("f-2", "/files/b.jpg", "local", ".jpg", int64(4096), modTime)

	mock.ExpectQuery("SELECT f.id, f.path, f.volume, f.ext, f.size, f.mod_time").
		WithArgs("checksum", 5).
		WillReturnRows(rows)

	records, err := store.FindMissingAttribute(context.Background(), enrich.KindChecksum, 5, enrich.PickFilters{})
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "f-1", records[0].ID)
	require.Equal(t, "/files/a.jpg", records[0].Path)
	require.Equal(t, int64(2048), records[0].Size)
	require.Equal(t, modTime, records[0].ModTime)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindMissingAttributeBindsFilters(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT f.id").
		WithArgs("embedded-metadata", pgxmock.AnyArg(), pgxmock.AnyArg(), []string{".jpg", ".png"}, 10).
		WillReturnRows(pgxmock.NewRows([]string{"id", "path", "volume", "ext", "size", "mod_time"}))

	records, err := store.FindMissingAttribute(context.Background(), enrich.KindEmbeddedMetadata, 10, enrich.PickFilters{
		StaleAfter: 30 * 24 * time.Hour,
		MaxAge:     7 * 24 * time.Hour,
		Extensions: []string{".JPG", ".png"},
	})
	require.NoError(t, err)
	require.Empty(t, records)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindMissingAttributeWrapsQueryError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT f.id").
		WithArgs("checksum", 5).
		WillReturnError(errors.New("connection refused"))

	_, err := store.FindMissingAttribute(context.Background(), enrich.KindChecksum, 5, enrich.PickFilters{})
	require.ErrorIs(t, err, enrich.ErrStoreUnavailable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkAttributeUpserts(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO file_markers").
		WithArgs("f-1", "checksum", "digest", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.MarkAttribute(context.Background(), "f-1", enrich.KindChecksum, "digest")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkAttributeWrapsExecError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO file_markers").
		WithArgs("f-1", "checksum", "digest", pgxmock.AnyArg()).
		WillReturnError(errors.New("deadlock detected"))

	err := store.MarkAttribute(context.Background(), "f-1", enrich.KindChecksum, "digest")
	require.Error(t, err)
	require.Contains(t, err.Error(), "mark attribute")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPickRandomQueries(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	modTime := time.Unix(1_700_000_000, 0).UTC()

	mock.ExpectQuery("ORDER BY random").
		WithArgs(3).
		WillReturnRows(pgxmock.NewRows([]string{"id", "path", "volume", "ext", "size", "mod_time"}).
			AddRow("f-1", "/files/a.jpg", "", ".jpg", int64(1), modTime))

	records, err := store.PickRandom(context.Background(), 3, false)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPingWrapsError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	monitor := perf.New(perf.Config{Enabled: false}, nil, zap.NewNop())
	store, err := NewWithPool(mock, monitor, enrich.SystemClock{})
	require.NoError(t, err)

	mock.ExpectPing()
	require.NoError(t, store.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(errors.New("down"))
	err = store.Ping(context.Background())
	require.ErrorIs(t, err, enrich.ErrStoreUnavailable)
	require.NoError(t, mock.ExpectationsWereMet())
}
