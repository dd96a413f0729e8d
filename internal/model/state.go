package model

// DownloadState is the externally visible download state of one page sync.
// Higher values take priority when states are aggregated.
type DownloadState int

const (
	DownloadIdle DownloadState = iota
	DownloadWaitRemoteDownload
	DownloadInProgress
	DownloadError
)

func (s DownloadState) String() string {
	switch s {
	case DownloadIdle:
		return "idle"
	case DownloadWaitRemoteDownload:
		return "wait_remote_download"
	case DownloadInProgress:
		return "in_progress"
	case DownloadError:
		return "error"
	default:
		return "unknown"
	}
}

// UploadState is the externally visible upload state of one page sync.
// Higher values take priority when states are aggregated.
type UploadState int

const (
	UploadIdle UploadState = iota
	UploadPending
	UploadWaitRemoteDownload
	UploadInProgress
	UploadError
)

func (s UploadState) String() string {
	switch s {
	case UploadIdle:
		return "idle"
	case UploadPending:
		return "pending"
	case UploadWaitRemoteDownload:
		return "wait_remote_download"
	case UploadInProgress:
		return "in_progress"
	case UploadError:
		return "error"
	default:
		return "unknown"
	}
}

// SyncState is the user-visible state of one page sync, or the aggregate
// over all page syncs of a ledger.
type SyncState struct {
	Download DownloadState
	Upload   UploadState
}

// CommitComparison is the outcome of a common-ancestor query over two
// commits.
type CommitComparison int

const (
	// Unordered means the commits diverge; neither history contains the
	// other.
	Unordered CommitComparison = iota
	// LeftSubsetOfRight means the left commit is an ancestor of the right
	// one.
	LeftSubsetOfRight
	// RightSubsetOfLeft means the right commit is an ancestor of the left
	// one.
	RightSubsetOfLeft
	// Equivalent means both sides are the same commit.
	Equivalent
)

func (c CommitComparison) String() string {
	switch c {
	case Unordered:
		return "unordered"
	case LeftSubsetOfRight:
		return "left_subset_of_right"
	case RightSubsetOfLeft:
		return "right_subset_of_left"
	case Equivalent:
		return "equivalent"
	default:
		return "unknown"
	}
}

// CompareByGeneration orders commits newest-first: higher generation wins,
// ties broken by id so the order is deterministic. Returns true when a
// sorts before b.
func CompareByGeneration(a, b Commit) bool {
	if a.Generation != b.Generation {
		return a.Generation > b.Generation
	}
	return a.ID < b.ID
}
