package job

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/hbomb79/Harmony/internal/access"
	"github.com/hbomb79/Harmony/internal/dispatch"
	"github.com/hbomb79/Harmony/internal/ledger"
	"github.com/hbomb79/Harmony/internal/resolve"
	"github.com/hbomb79/Harmony/internal/tool"
	"github.com/stretchr/testify/assert"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind ErrorKind
	}{
		{"not owner", access.ErrNotOwner, NotOwner},
		{"not whitelisted", fmt.Errorf("%w: db down", access.ErrNotWhitelisted), NotWhitelisted},
		{"media type", fmt.Errorf("%w: 'a.wav'", dispatch.ErrUnsupportedMediaType), UnsupportedMediaType},
		{"timeout", tool.ErrTimeout, Timeout},
		{"deadline", context.DeadlineExceeded, Timeout},
		{"cancelled", tool.ErrCancelled, Cancelled},
		{"result not found", fmt.Errorf("%w: nothing", resolve.ErrResultNotFound), ResultNotFound},
		{"duplicate", fmt.Errorf("%w: a.mp3", resolve.ErrDuplicateArtifact), DuplicateArtifact},
		{"persistence", fmt.Errorf("%w: %w", ledger.ErrPersistence, errors.New("disk full")), PersistenceError},
		{"other", errors.New("mkdir failed"), Internal},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			classified := classifyError(test.err)
			assert.Equal(t, test.kind, classified.Kind)
			assert.ErrorIs(t, classified, test.err)
		})
	}
}

func TestClassifyError_ToolFailure(t *testing.T) {
	classified := classifyError(&tool.FailureError{ExitCode: 1, StderrExcerpt: "auth required"})

	assert.Equal(t, ExternalToolFailure, classified.Kind)
	assert.Equal(t, 1, classified.ExitCode)
	assert.Equal(t, "auth required", classified.Detail)
	assert.Equal(t, "EXTERNAL_TOOL_FAILURE (exit code 1): auth required", classified.Error())
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, canTransition(Pending, Running))
	assert.True(t, canTransition(Running, Succeeded))
	assert.True(t, canTransition(Running, Failed))

	assert.False(t, canTransition(Pending, Succeeded))
	assert.False(t, canTransition(Pending, Failed))
	assert.False(t, canTransition(Succeeded, Failed))
	assert.False(t, canTransition(Failed, Running))
	assert.False(t, canTransition(Running, Pending))
}
