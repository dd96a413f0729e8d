package sync_test

import (
	"context"
	"fmt"
	stdsync "sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tidemark/ledger/internal/cloud"
	"github.com/tidemark/ledger/internal/encryption"
	"github.com/tidemark/ledger/internal/errors"
	"github.com/tidemark/ledger/internal/model"
	"github.com/tidemark/ledger/internal/storage"
	ledgersync "github.com/tidemark/ledger/internal/sync"
)

// spyStorage wraps the in-memory store, counting writes and injecting
// failures.
type spyStorage struct {
	*storage.Store

	mu           stdsync.Mutex
	addSyncCalls int
	setMetaCalls int
	failAddSync  error
	failSetMeta  error
}

func newSpyStorage(t *testing.T) *spyStorage {
	t.Helper()
	return &spyStorage{Store: storage.NewStore("page-1", zap.NewNop())}
}

func (s *spyStorage) AddCommitsFromSync(ctx context.Context, commits []model.CommitIDAndBytes) error {
	s.mu.Lock()
	s.addSyncCalls++
	err := s.failAddSync
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Store.AddCommitsFromSync(ctx, commits)
}

func (s *spyStorage) SetSyncMetadata(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	s.setMetaCalls++
	err := s.failSetMeta
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Store.SetSyncMetadata(ctx, key, value)
}

func (s *spyStorage) calls() (addSync, setMeta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addSyncCalls, s.setMetaCalls
}

// failingDecrypt fails decryption of one specific ciphertext.
type failingDecrypt struct {
	poison string
}

func (f failingDecrypt) EncryptCommit(_ context.Context, plaintext []byte) ([]byte, error) {
	return plaintext, nil
}

func (f failingDecrypt) DecryptCommit(_ context.Context, ciphertext []byte) ([]byte, error) {
	if string(ciphertext) == f.poison {
		return nil, fmt.Errorf("bad ciphertext")
	}
	return ciphertext, nil
}

// cloudCommit builds a root cloud commit whose bytes the in-memory store
// accepts.
func cloudCommit(t *testing.T, timestamp int64, payload string) cloud.Commit {
	t.Helper()
	data, err := model.MarshalCommit(model.Commit{
		Generation: 0,
		Timestamp:  timestamp,
		Payload:    []byte(payload),
	})
	require.NoError(t, err)
	return cloud.Commit{ID: model.DeriveCommitID(data), Data: data}
}

func runBatch(t *testing.T, st storage.PageStorage, enc encryption.Service, commits []cloud.Commit, position []byte) (doneCalled bool, gotErr error) {
	t.Helper()
	batch := ledgersync.NewBatchDownload(st, enc, commits, position,
		func() { doneCalled = true },
		func(err error) { gotErr = err },
		nil, zap.NewNop())
	batch.Start(context.Background())
	return doneCalled, gotErr
}

func TestBatchDownload_Success(t *testing.T) {
	st := newSpyStorage(t)
	commits := []cloud.Commit{cloudCommit(t, 1, "a"), cloudCommit(t, 2, "b")}

	done, err := runBatch(t, st, encryption.Passthrough{}, commits, []byte("2"))
	require.NoError(t, err)
	assert.True(t, done)

	token, terr := st.GetSyncMetadata(context.Background(), model.PositionTokenKey)
	require.NoError(t, terr)
	assert.Equal(t, []byte("2"), token)

	heads, herr := st.GetHeadCommits(context.Background())
	require.NoError(t, herr)
	assert.Len(t, heads, 2)
}

func TestBatchDownload_EmptyPositionSkipsCheckpoint(t *testing.T) {
	st := newSpyStorage(t)

	done, err := runBatch(t, st, encryption.Passthrough{}, []cloud.Commit{cloudCommit(t, 1, "a")}, nil)
	require.NoError(t, err)
	assert.True(t, done)

	_, terr := st.GetSyncMetadata(context.Background(), model.PositionTokenKey)
	assert.Equal(t, errors.ErrCodeMetadataNotFound, errors.GetCode(terr))
}

func TestBatchDownload_DecryptFailureTouchesNothing(t *testing.T) {
	st := newSpyStorage(t)
	commits := []cloud.Commit{cloudCommit(t, 1, "good"), {ID: "poisoned", Data: []byte("poison")}}

	done, err := runBatch(t, st, failingDecrypt{poison: "poison"}, commits, []byte("2"))
	assert.False(t, done)
	assert.Equal(t, errors.ErrCodeDecryptionFailed, errors.GetCode(err))

	// One undecryptable commit must keep the whole batch, including the
	// commits that did decrypt, out of storage.
	addSync, setMeta := st.calls()
	assert.Zero(t, addSync)
	assert.Zero(t, setMeta)
}

func TestBatchDownload_StorageFailureSkipsCheckpoint(t *testing.T) {
	st := newSpyStorage(t)
	st.failAddSync = fmt.Errorf("disk gone")

	done, err := runBatch(t, st, encryption.Passthrough{}, []cloud.Commit{cloudCommit(t, 1, "a")}, []byte("1"))
	assert.False(t, done)
	assert.Equal(t, errors.ErrCodeStorageFailed, errors.GetCode(err))

	_, setMeta := st.calls()
	assert.Zero(t, setMeta)
}

func TestBatchDownload_CorruptCommitKeepsStorageCode(t *testing.T) {
	st := newSpyStorage(t)
	commits := []cloud.Commit{{ID: "corrupt", Data: []byte("not a commit")}}

	done, err := runBatch(t, st, encryption.Passthrough{}, commits, []byte("1"))
	assert.False(t, done)
	assert.Equal(t, errors.ErrCodeCorruptedCommit, errors.GetCode(err))

	_, setMeta := st.calls()
	assert.Zero(t, setMeta)
}

func TestBatchDownload_CheckpointFailureReported(t *testing.T) {
	st := newSpyStorage(t)
	st.failSetMeta = fmt.Errorf("disk gone")

	done, err := runBatch(t, st, encryption.Passthrough{}, []cloud.Commit{cloudCommit(t, 1, "a")}, []byte("1"))
	assert.False(t, done)
	assert.Equal(t, errors.ErrCodeStorageFailed, errors.GetCode(err))
}

func TestBatchDownload_StartTwicePanics(t *testing.T) {
	batch := ledgersync.NewBatchDownload(newSpyStorage(t), encryption.Passthrough{},
		nil, nil, nil, nil, nil, zap.NewNop())
	batch.Start(context.Background())
	assert.Panics(t, func() { batch.Start(context.Background()) })
}

func TestNewBatchDownload_NilStoragePanics(t *testing.T) {
	assert.Panics(t, func() {
		ledgersync.NewBatchDownload(nil, encryption.Passthrough{}, nil, nil, nil, nil, nil, zap.NewNop())
	})
}
