package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T, path string) *SQLite {
	t.Helper()
	db, err := OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSQLite_PutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, filepath.Join(t.TempDir(), "records.db"))

	rec := sampleRecord(1)
	rec.MedicationHistory = []string{"ibuprofen", "amoxicillin"}
	ts := uint64(1700000001)
	rec.UpdatedAt = &ts
	require.NoError(t, db.Put(ctx, rec))

	got, ok, err := db.Get(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec, got)

	_, ok, err = db.Get(ctx, 99)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLite_PutOverwritesExisting(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, filepath.Join(t.TempDir(), "records.db"))

	rec := sampleRecord(1)
	require.NoError(t, db.Put(ctx, rec))

	rec.Diagnosis = "recovered"
	require.NoError(t, db.Put(ctx, rec))

	got, ok, err := db.Get(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "recovered", got.Diagnosis)

	n, err := db.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func TestSQLite_Remove(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, db.Put(ctx, sampleRecord(1)))

	ok, err := db.Remove(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = db.Remove(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLite_ListOrderedByID(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, filepath.Join(t.TempDir(), "records.db"))

	for _, id := range []uint64{2, 3, 1} {
		require.NoError(t, db.Put(ctx, sampleRecord(id)))
	}

	recs, err := db.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, rec := range recs {
		assert.Equal(t, uint64(i+1), rec.ID)
	}
}

func TestSQLite_NextIDStartsAtOne(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, filepath.Join(t.TempDir(), "records.db"))

	id, err := db.NextID(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)

	id, err = db.NextID(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), id)
}

// Records and the id counter must survive closing and reopening the file,
// including counters bumped past deleted records.
func TestSQLite_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "records.db")

	db := openTestDB(t, path)
	id, err := db.NextID(ctx)
	require.NoError(t, err)
	require.NoError(t, db.Put(ctx, sampleRecord(id)))

	id2, err := db.NextID(ctx)
	require.NoError(t, err)
	require.NoError(t, db.Put(ctx, sampleRecord(id2)))
	_, err = db.Remove(ctx, id2)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	reopened := openTestDB(t, path)

	got, ok, err := reopened.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sampleRecord(id), got)

	// The counter keeps counting from where it left off.
	next, err := reopened.NextID(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), next)
}
