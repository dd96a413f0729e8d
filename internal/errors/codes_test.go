package errors_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tidemark/ledger/internal/errors"
)

func TestGetCode(t *testing.T) {
	assert.Equal(t, errors.ErrCodeCommitNotFound, errors.GetCode(errors.CommitNotFound("c1")))
	assert.Equal(t, errors.ErrCodeMetadataNotFound, errors.GetCode(errors.MetadataNotFound("timestamp")))

	wrapped := fmt.Errorf("outer: %w", errors.StorageFailed("write failed", nil))
	assert.Equal(t, errors.ErrCodeStorageFailed, errors.GetCode(wrapped))

	assert.Equal(t, errors.ErrCodeInternal, errors.GetCode(fmt.Errorf("plain")))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, errors.IsNotFound(errors.CommitNotFound("c1")))
	assert.True(t, errors.IsNotFound(errors.MetadataNotFound("k")))
	assert.False(t, errors.IsNotFound(errors.InternalError("boom", nil)))
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network unavailable", errors.NetworkUnavailable("down", nil), true},
		{"cloud disconnected", errors.CloudDisconnected("gone", nil), true},
		{"decryption failure is sticky", errors.DecryptionFailed(nil), false},
		{"corrupted commit is sticky", errors.CorruptedCommit("c1", nil), false},
		{"grpc unavailable", status.Error(codes.Unavailable, "down"), true},
		{"grpc deadline exceeded", status.Error(codes.DeadlineExceeded, "slow"), true},
		{"grpc invalid argument", status.Error(codes.InvalidArgument, "bad"), false},
		{"plain error", fmt.Errorf("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errors.IsTransient(tt.err))
		})
	}
}

func TestToGRPCStatus(t *testing.T) {
	st := errors.DecryptionFailed(nil).ToGRPCStatus()
	assert.Equal(t, codes.DataLoss, st.Code())

	st = errors.NetworkUnavailable("down", nil).ToGRPCStatus()
	assert.Equal(t, codes.Unavailable, st.Code())

	st = errors.CommitNotFound("c1").ToGRPCStatus()
	assert.Equal(t, codes.NotFound, st.Code())
}

func TestIsSyncError(t *testing.T) {
	assert.True(t, errors.IsSyncError(errors.CorruptedCommit("c1", nil)))
	assert.True(t, errors.IsSyncError(fmt.Errorf("outer: %w", errors.InternalError("inner", nil))))
	assert.False(t, errors.IsSyncError(fmt.Errorf("plain")))
	assert.False(t, errors.IsSyncError(nil))
}

func TestSyncError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := errors.StorageFailed("persisting batch", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "persisting batch")
	assert.Contains(t, err.Error(), "root cause")
}
