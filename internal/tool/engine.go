package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/hbomb79/Harmony/internal/dispatch"
	"github.com/hbomb79/Harmony/pkg/logger"
)

var log = logger.Get("ToolEngine")

var (
	ErrTimeout   = errors.New("external tool exceeded its deadline")
	ErrCancelled = errors.New("external tool was cancelled")
)

const truncationMarker = "…"

type (
	Config struct {
		OutputCeilingBytes int           `yaml:"output_ceiling_bytes" env:"TOOL_OUTPUT_CEILING_BYTES" env-default:"4194304"`
		ExcerptLength      int           `yaml:"stderr_excerpt_length" env:"TOOL_STDERR_EXCERPT_LENGTH" env-default:"1500"`
		KillGracePeriod    time.Duration `yaml:"kill_grace_period" env:"TOOL_KILL_GRACE_PERIOD" env-default:"2s"`
	}

	// ExecutionResult is the captured outcome of an external tool which
	// ran to completion (successfully or otherwise).
	ExecutionResult struct {
		ExitCode        int
		Stdout          []byte
		Stderr          []byte
		StdoutTruncated bool
		StderrTruncated bool
		// MetadataDocs are the structured documents the tool emitted on stdout (one
		// per item, in the order they were printed), if the plan expected them.
		MetadataDocs []map[string]any
		Elapsed     time.Duration
	}

	// FailureError is returned when the tool exits with a non-zero status (or
	// could not be started at all, in which case the exit code is -1).
	FailureError struct {
		ExitCode      int
		StderrExcerpt string
	}

	Engine struct {
		config Config
	}
)

func (err *FailureError) Error() string {
	return fmt.Sprintf("external tool failed with exit code %d: %s", err.ExitCode, err.StderrExcerpt)
}

func New(config Config) *Engine {
	if config.OutputCeilingBytes <= 0 {
		config.OutputCeilingBytes = 4 * 1024 * 1024
	}
	if config.ExcerptLength <= 0 {
		config.ExcerptLength = 1500
	}
	if config.KillGracePeriod <= 0 {
		config.KillGracePeriod = 2 * time.Second
	}

	return &Engine{config: config}
}

// Run executes the plan's tool as a child process inside the working directory provided. The
// process (and any children it spawns) are killed if the context is cancelled, or if the timeout
// elapses (a non-positive timeout imposes no additional deadline).
//
// A non-zero exit status is returned as a *FailureError, expiry of a deadline
// as ErrTimeout, and cancellation as ErrCancelled. In the failure case, the
// result is still returned alongside the error so the output can be inspected.
func (engine *Engine) Run(ctx context.Context, plan dispatch.ExecutionPlan, workDir string, timeout time.Duration) (*ExecutionResult, error) {
	if !plan.RequiresExecution() {
		return nil, fmt.Errorf("plan for %s does not require execution", plan.Kind)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	stdout := newBoundedBuffer(engine.config.OutputCeilingBytes)
	stderr := newBoundedBuffer(engine.config.OutputCeilingBytes)

	argv := plan.Argv(workDir)
	cmd := exec.CommandContext(ctx, plan.Binary, argv...)
	cmd.Dir = workDir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = engine.config.KillGracePeriod
	isolateProcessGroup(cmd)

	log.Emit(logger.DEBUG, "Executing %s %v in %s\n", plan.Binary, argv, workDir)
	started := time.Now()
	runErr := cmd.Run()

	result := &ExecutionResult{
		ExitCode:        cmd.ProcessState.ExitCode(),
		Stdout:          stdout.Bytes(),
		Stderr:          stderr.Bytes(),
		StdoutTruncated: stdout.truncated,
		StderrTruncated: stderr.truncated,
		Elapsed:         time.Since(started),
	}
	log.Verbosef("%s stdout:\n%s\n", plan.Binary, result.Stdout)
	log.Verbosef("%s stderr:\n%s\n", plan.Binary, result.Stderr)

	if ctxErr := ctx.Err(); ctxErr != nil {
		log.Warnf("Execution of %s interrupted after %s: %v\n", plan.Binary, result.Elapsed, ctxErr)
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return result, ErrTimeout
		}

		return result, ErrCancelled
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			// Tool could not be started (missing binary, bad working directory, etc)
			return result, &FailureError{ExitCode: -1, StderrExcerpt: Excerpt([]byte(runErr.Error()), engine.config.ExcerptLength)}
		}
	}

	if result.ExitCode != 0 {
		return result, &FailureError{ExitCode: result.ExitCode, StderrExcerpt: Excerpt(result.Stderr, engine.config.ExcerptLength)}
	}

	if plan.ExpectsInlineMetadata {
		result.MetadataDocs = decodeMetadataDocuments(result.Stdout)
	}

	log.Emit(logger.SUCCESS, "%s completed in %s\n", plan.Binary, result.Elapsed)
	return result, nil
}

// Excerpt returns the trimmed output, shortened to at most 'limit' bytes by
// discarding the start of the output (diagnostics are typically printed last).
func Excerpt(output []byte, limit int) string {
	excerpt := strings.TrimSpace(string(output))
	if limit <= 0 || len(excerpt) <= limit {
		return excerpt
	}

	tail := []byte(excerpt[len(excerpt)-limit:])
	// Avoid splitting a multi-byte rune
	for len(tail) > 0 && tail[0]&0xC0 == 0x80 {
		tail = tail[1:]
	}

	return truncationMarker + string(tail)
}

// decodeMetadataDocuments returns every line on stdout which decodes as a
// JSON object. Tools print one document per item, so a playlist yields several.
func decodeMetadataDocuments(stdout []byte) []map[string]any {
	var docs []map[string]any
	for _, line := range bytes.Split(stdout, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] != '{' {
			continue
		}

		var doc map[string]any
		if err := json.Unmarshal(line, &doc); err == nil {
			docs = append(docs, doc)
		}
	}

	return docs
}

// boundedBuffer retains at most 'limit' bytes of the data written to
// it; further writes are discarded and the truncation is recorded. Writes
// never fail, so the child process is never blocked by a full buffer.
type boundedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newBoundedBuffer(limit int) *boundedBuffer {
	return &boundedBuffer{limit: limit}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}

	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}

	b.buf.Write(p)
	return len(p), nil
}

func (b *boundedBuffer) Bytes() []byte {
	return b.buf.Bytes()
}
