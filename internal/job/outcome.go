package job

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/hbomb79/Harmony/internal/ledger"
)

type OutcomeKind int

const (
	OutcomeAccepted OutcomeKind = iota
	OutcomeSucceeded
	OutcomeFailed
	OutcomeRejected
)

func (kind OutcomeKind) String() string {
	switch kind {
	case OutcomeAccepted:
		return "ACCEPTED"
	case OutcomeSucceeded:
		return "SUCCEEDED"
	case OutcomeFailed:
		return "FAILED"
	case OutcomeRejected:
		return "REJECTED"
	}

	return fmt.Sprintf("UNKNOWN[%d]", kind)
}

// Outcome is what the gateway receives in response to a submission. A
// submission synchronously produces Accepted or Rejected. Accepted jobs later
// produce exactly one of Succeeded or Failed.
//
// Rejected is only produced by checks that need no execution (authorization
// and media type). A duplicate can only be detected once the tool has reported
// the title, so DuplicateArtifact, ResultNotFound, Timeout and tool errors are
// always reported as Failed outcomes of an accepted job.
type Outcome struct {
	Kind  OutcomeKind
	JobID uuid.UUID
	// Record is set for Succeeded outcomes
	Record    *ledger.UploadRecord
	Secondary []string
	// Err is set for Failed and Rejected outcomes
	Err *Error
}

func (outcome Outcome) String() string {
	switch outcome.Kind {
	case OutcomeAccepted:
		return fmt.Sprintf("Accepted(%s)", outcome.JobID)
	case OutcomeSucceeded:
		return fmt.Sprintf("Succeeded(%s)", outcome.Record)
	case OutcomeFailed:
		return fmt.Sprintf("Failed(%s)", outcome.Err)
	case OutcomeRejected:
		return fmt.Sprintf("Rejected(%s)", outcome.Err)
	}

	return outcome.Kind.String()
}
