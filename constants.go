package alpha

import "github.com/wrm-go/alpha/internal/constants"

// Re-export the protocol constants for external callers that only need
// the public API surface.
const (
	LabelMapIO          = constants.LabelMapIO
	LabelAttachInt      = constants.LabelAttachInt
	LabelDetachInt      = constants.LabelDetachInt
	LabelGetNamedMem    = constants.LabelGetNamedMem
	LabelCreateThread   = constants.LabelCreateThread
	LabelRegisterThread = constants.LabelRegisterThread
	LabelGetThreadID    = constants.LabelGetThreadID
	LabelAppThreads     = constants.LabelAppThreads
	LabelGetUsualMem    = constants.LabelGetUsualMem

	PageSize         = constants.PageSize
	MaxThreadsPerApp = constants.MaxThreadsPerApp
	MaxPriority      = constants.MaxPriority
)
