package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CommitID is a content-derived identifier of a commit.
type CommitID string

// Commit is an immutable node in a page's history DAG. Generation is
// max(parent generations)+1, 0 for a root commit.
type Commit struct {
	ID         CommitID   `json:"-"`
	Parents    []CommitID `json:"parents"`
	Generation uint64     `json:"generation"`
	Timestamp  int64      `json:"timestamp"`
	Payload    []byte     `json:"payload"`
}

// CommitIDAndBytes pairs a commit id with its serialized storage bytes.
// Used transiently while a downloaded batch moves through decryption into
// storage.
type CommitIDAndBytes struct {
	ID    CommitID
	Bytes []byte
}

// ChangeSource identifies where a commit entered local storage from.
type ChangeSource int

const (
	ChangeSourceLocal ChangeSource = iota
	ChangeSourceCloud
	ChangeSourceP2P
)

func (s ChangeSource) String() string {
	switch s {
	case ChangeSourceLocal:
		return "local"
	case ChangeSourceCloud:
		return "cloud"
	case ChangeSourceP2P:
		return "p2p"
	default:
		return "unknown"
	}
}

// PositionTokenKey is the reserved sync-metadata key under which the opaque
// cloud position token is checkpointed.
const PositionTokenKey = "timestamp"

// MarshalCommit serializes a commit into its storage byte form. The id is
// not part of the serialized form; it is derived from the bytes.
func MarshalCommit(c Commit) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal commit: %w", err)
	}
	return data, nil
}

// UnmarshalCommit parses storage bytes produced by MarshalCommit. The
// caller supplies the id the bytes were addressed under.
func UnmarshalCommit(id CommitID, data []byte) (Commit, error) {
	var c Commit
	if err := json.Unmarshal(data, &c); err != nil {
		return Commit{}, fmt.Errorf("failed to unmarshal commit %s: %w", id, err)
	}
	c.ID = id
	return c, nil
}

// DeriveCommitID hashes serialized commit bytes into a commit id.
func DeriveCommitID(data []byte) CommitID {
	sum := sha256.Sum256(data)
	return CommitID(hex.EncodeToString(sum[:]))
}
