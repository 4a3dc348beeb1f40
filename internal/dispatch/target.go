package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
)

var ErrEmptyTarget = errors.New("target must specify either a link or an attachment")

type (
	// Target is what a requester asked to acquire: either a link to
	// be fetched by an external tool, or an attachment whose bytes
	// were submitted directly.
	Target struct {
		Link       string
		Attachment *Attachment
	}

	// Attachment is a file submitted directly to the gateway. The
	// contents are fetched lazily by the job which processes it.
	Attachment struct {
		Filename string
		URL      string
		open     func(context.Context) (io.ReadCloser, error)
	}
)

// LinkTarget returns a Target for the link provided
func LinkTarget(link string) Target {
	return Target{Link: link}
}

// AttachmentTarget returns a Target for the attachment provided
func AttachmentTarget(attachment *Attachment) Target {
	return Target{Attachment: attachment}
}

// NewAttachment constructs an attachment whose contents are
// provided by the opener function.
func NewAttachment(filename string, url string, opener func(context.Context) (io.ReadCloser, error)) *Attachment {
	name := filepath.Base(filepath.Clean("/" + filename))
	if name == "/" {
		name = ""
	}

	return &Attachment{Filename: name, URL: url, open: opener}
}

// AttachmentFromBytes constructs an attachment whose contents are
// already held in memory.
func AttachmentFromBytes(filename string, data []byte) *Attachment {
	return NewAttachment(filename, "", func(context.Context) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	})
}

// AttachmentFromURL constructs an attachment whose contents are
// downloaded from the URL when opened.
func AttachmentFromURL(filename string, url string, client *http.Client) *Attachment {
	return NewAttachment(filename, url, func(ctx context.Context) (io.ReadCloser, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch attachment %s: %w", url, err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("failed to fetch attachment %s: unexpected status %s", url, resp.Status)
		}

		return resp.Body, nil
	})
}

// Open returns a reader over the attachments contents
func (attachment *Attachment) Open(ctx context.Context) (io.ReadCloser, error) {
	if attachment.open == nil {
		return nil, fmt.Errorf("attachment %s has no content", attachment.Filename)
	}

	return attachment.open(ctx)
}

// Source is the provenance recorded for this target: the link, or for
// attachments the URL the gateway received it from (falling back to the filename).
func (target Target) Source() string {
	if target.Attachment == nil {
		return target.Link
	}
	if target.Attachment.URL != "" {
		return target.Attachment.URL
	}

	return target.Attachment.Filename
}

func (target Target) Validate() error {
	if target.Attachment == nil && target.Link == "" {
		return ErrEmptyTarget
	}
	if target.Attachment != nil && target.Attachment.Filename == "" {
		return fmt.Errorf("%w: attachment filename is empty", ErrEmptyTarget)
	}

	return nil
}

func (target Target) String() string {
	if target.Attachment != nil {
		return fmt.Sprintf("Attachment{%s}", target.Attachment.Filename)
	}

	return fmt.Sprintf("Link{%s}", target.Link)
}
