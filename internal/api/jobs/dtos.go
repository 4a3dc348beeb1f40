package jobs

import (
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Harmony/internal/api/uploads"
	"github.com/hbomb79/Harmony/internal/job"
)

type (
	// SubmitRequest is the JSON body accepted when submitting a job
	// by link, or by an attachment hosted elsewhere (e.g. a chat CDN).
	SubmitRequest struct {
		Link          string `json:"link" validate:"required_without=AttachmentURL,excluded_with=AttachmentURL"`
		AttachmentURL string `json:"attachment_url" validate:"omitempty,url"`
		Filename      string `json:"filename" validate:"required_with=AttachmentURL"`
	}

	ErrorDto struct {
		Kind     string `json:"kind"`
		Detail   string `json:"detail"`
		ExitCode int    `json:"exit_code,omitempty"`
	}

	// Dto is the response used by endpoints that return jobs
	Dto struct {
		ID           uuid.UUID    `json:"id"`
		RequesterID  string       `json:"requester_id"`
		Source       string       `json:"source"`
		ProviderKind string       `json:"provider_kind"`
		Status       string       `json:"status"`
		CreatedAt    time.Time    `json:"created_at"`
		StartedAt    *time.Time   `json:"started_at"`
		CompletedAt  *time.Time   `json:"completed_at"`
		Deadline     time.Time    `json:"deadline"`
		Error        *ErrorDto    `json:"error,omitempty"`
		Upload       *uploads.Dto `json:"upload,omitempty"`
		Secondary    []string     `json:"secondary,omitempty"`
		Discarded    []string     `json:"discarded,omitempty"`
	}

	// OutcomeDto is returned from a submission
	OutcomeDto struct {
		Outcome string    `json:"outcome"`
		JobID   uuid.UUID `json:"job_id"`
		Job     *Dto      `json:"job,omitempty"`
	}
)

func NewDto(j job.Job) Dto {
	dto := Dto{
		ID:           j.ID,
		RequesterID:  string(j.RequesterID),
		Source:       j.Target.Source(),
		ProviderKind: j.Kind.String(),
		Status:       j.Status.String(),
		CreatedAt:    j.CreatedAt,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
		Deadline:     j.Deadline,
		Secondary:    j.Secondary,
		Discarded:    j.Discarded,
	}

	if j.Err != nil {
		dto.Error = NewErrorDto(j.Err)
	}
	if j.Record != nil {
		upload := uploads.NewDto(j.Record)
		dto.Upload = &upload
	}

	return dto
}

func NewErrorDto(err *job.Error) *ErrorDto {
	return &ErrorDto{Kind: err.Kind.String(), Detail: err.Detail, ExitCode: err.ExitCode}
}
