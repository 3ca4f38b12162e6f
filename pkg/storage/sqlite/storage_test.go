package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenflow/pkg/storage"
	"github.com/pbinitiative/zenflow/pkg/storage/storagetest"
	"github.com/pbinitiative/zenflow/pkg/zenflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStorage(t *testing.T) *Storage {
	t.Helper()
	keys, err := zenflake.NewGenerator(2)
	require.NoError(t, err)
	s, err := Open(t.Context(), filepath.Join(t.TempDir(), "zenflow.db"), keys)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func TestSqliteStorage(t *testing.T) {
	var store storage.Storage = openTestStorage(t)

	tester := storagetest.StorageTester{}

	tests := tester.GetTests()
	tester.PrepareTestData(store, t)
	for name, testFunc := range tests {
		t.Run(name, testFunc(store, t))
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	s := openTestStorage(t)
	assert.NoError(t, migrate(t.Context(), s.db))

	var applied int
	require.NoError(t, s.db.Get(&applied, `SELECT COUNT(*) FROM schema_migration`))
	migs, err := getMigrations()
	require.NoError(t, err)
	assert.Equal(t, len(migs), applied)
}

func TestBatchRollsBackOnFailure(t *testing.T) {
	s := openTestStorage(t)
	batch := s.NewBatch()

	jd := runtime.JobDescriptor{Key: s.GenerateId(), JobClassName: "test", JobName: "job", CreatedAt: time.Now()}
	require.NoError(t, batch.SaveJobDescriptor(t.Context(), jd))
	// duplicate parameter keys violate the primary key and abort the transaction
	require.NoError(t, batch.SaveJobParameters(t.Context(), jd.Key, []runtime.JobParameter{
		{Key: 1, JobDescriptorKey: jd.Key, Name: "a", Value: 1},
		{Key: 1, JobDescriptorKey: jd.Key, Name: "b", Value: 2},
	}))

	assert.Error(t, batch.Flush(t.Context()))

	_, err := s.FindJobDescriptorByKey(t.Context(), jd.Key)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
