package errors

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for sync operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client/caller errors
	ErrCodeInvalidArgument  ErrorCode = 1000
	ErrCodeCommitNotFound   ErrorCode = 1001
	ErrCodeMetadataNotFound ErrorCode = 1002

	// Transient errors, safe to retry with backoff
	ErrCodeNetworkUnavailable ErrorCode = 2000
	ErrCodeCloudDisconnected  ErrorCode = 2001

	// Permanent errors
	ErrCodeInternal             ErrorCode = 3000
	ErrCodeDecryptionFailed     ErrorCode = 3001
	ErrCodeEncryptionFailed     ErrorCode = 3002
	ErrCodeCorruptedCommit      ErrorCode = 3003
	ErrCodeStorageFailed        ErrorCode = 3004
	ErrCodeResolverDisconnected ErrorCode = 3005
)

// SyncError represents a structured error with code and context
type SyncError struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// Error implements the error interface
func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *SyncError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts SyncError to gRPC status
func (e *SyncError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *SyncError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument:
		return codes.InvalidArgument
	case ErrCodeCommitNotFound, ErrCodeMetadataNotFound:
		return codes.NotFound
	case ErrCodeNetworkUnavailable, ErrCodeCloudDisconnected:
		return codes.Unavailable
	case ErrCodeDecryptionFailed, ErrCodeCorruptedCommit:
		return codes.DataLoss
	case ErrCodeResolverDisconnected:
		return codes.Aborted
	default:
		return codes.Internal
	}
}

// NewSyncError creates a new SyncError
func NewSyncError(code ErrorCode, message string, cause error) *SyncError {
	return &SyncError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Convenience constructors for common errors

func InvalidArgument(message string) *SyncError {
	return NewSyncError(ErrCodeInvalidArgument, message, nil)
}

func CommitNotFound(id string) *SyncError {
	return NewSyncError(ErrCodeCommitNotFound, fmt.Sprintf("commit not found: %s", id), nil)
}

func MetadataNotFound(key string) *SyncError {
	return NewSyncError(ErrCodeMetadataNotFound, fmt.Sprintf("sync metadata not found: %s", key), nil)
}

func NetworkUnavailable(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeNetworkUnavailable, message, cause)
}

func CloudDisconnected(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeCloudDisconnected, message, cause)
}

func DecryptionFailed(cause error) *SyncError {
	return NewSyncError(ErrCodeDecryptionFailed, "failed to decrypt commit", cause)
}

func EncryptionFailed(cause error) *SyncError {
	return NewSyncError(ErrCodeEncryptionFailed, "failed to encrypt commit", cause)
}

func CorruptedCommit(id string, cause error) *SyncError {
	return NewSyncError(ErrCodeCorruptedCommit, fmt.Sprintf("corrupted commit: %s", id), cause)
}

func StorageFailed(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeStorageFailed, message, cause)
}

func ResolverDisconnected(cause error) *SyncError {
	return NewSyncError(ErrCodeResolverDisconnected, "conflict resolver disconnected", cause)
}

func InternalError(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeInternal, message, cause)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// IsSyncError reports whether err already carries a SyncError in its chain.
// Callers use it to avoid re-wrapping an error whose code is the one that
// must reach classification.
func IsSyncError(err error) bool {
	var se *SyncError
	return errors.As(err, &se)
}

// IsNotFound reports whether the error is a not-found condition rather than
// a failure.
func IsNotFound(err error) bool {
	code := GetCode(err)
	return code == ErrCodeCommitNotFound || code == ErrCodeMetadataNotFound
}

// IsTransient reports whether an error is worth retrying with backoff.
// SyncError codes carry the decision directly; errors crossing a gRPC
// boundary are classified by their status code.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *SyncError
	if errors.As(err, &se) {
		switch se.Code {
		case ErrCodeNetworkUnavailable, ErrCodeCloudDisconnected:
			return true
		default:
			return false
		}
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
			return true
		}
	}
	return false
}
