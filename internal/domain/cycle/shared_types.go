package cycle

// Status is the lifecycle stage of a daily cycle. Idle is the absence of a cycle.
type Status string

const (
	StatusAnnounced  Status = "ANNOUNCED"
	StatusCollecting Status = "COLLECTING"
	StatusResolved   Status = "RESOLVED"
	StatusDispatched Status = "DISPATCHED"
)

// Open reports whether the cycle still accepts responses.
func (s Status) Open() bool {
	return s == StatusAnnounced || s == StatusCollecting
}

// ResolutionKind records which trigger closed the collection window.
type ResolutionKind string

const (
	ResolutionNone          ResolutionKind = ""
	ResolutionEarlyComplete ResolutionKind = "EARLY_COMPLETE"
	ResolutionTimedOut      ResolutionKind = "TIMED_OUT"
	ResolutionEmpty         ResolutionKind = "EMPTY"
)

// EditIntent marks a member whose next message replaces the accepted response.
type EditIntent string

const (
	EditIntentNone    EditIntent = "NONE"
	EditIntentReplace EditIntent = "REPLACE"
)

// SubmissionKind classifies a raw submission kept in the history table.
type SubmissionKind string

const (
	SubmissionAnswer    SubmissionKind = "ANSWER"
	SubmissionEdit      SubmissionKind = "EDIT"
	SubmissionDuplicate SubmissionKind = "DUPLICATE"
)
