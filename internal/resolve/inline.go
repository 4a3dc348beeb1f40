package resolve

import (
	"fmt"
	"strings"

	"github.com/hbomb79/Harmony/internal/media"
	"github.com/mitchellh/mapstructure"
)

// inlineDocument is the subset of the structured document emitted by
// single-item tools which is used for resolution. Numbers are weakly
// decoded as tools are inconsistent in whether they report ints or floats.
type inlineDocument struct {
	Title          string   `mapstructure:"title"`
	Duration       *float64 `mapstructure:"duration"`
	Filesize       *int64   `mapstructure:"filesize"`
	FilesizeApprox *int64   `mapstructure:"filesize_approx"`
}

func decodeInlineDocument(doc map[string]any) (*inlineDocument, error) {
	var decoded inlineDocument
	if err := mapstructure.WeakDecode(doc, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode inline metadata document: %w", err)
	}

	decoded.Title = strings.TrimSpace(decoded.Title)
	if decoded.Title == "" {
		return nil, fmt.Errorf("inline metadata document does not specify a title")
	}

	return &decoded, nil
}

// metadata returns the normalized metadata described by the document. The
// exact file size is preferred to the tool's approximation.
func (doc *inlineDocument) metadata() media.Metadata {
	size := doc.Filesize
	if size == nil {
		size = doc.FilesizeApprox
	}

	return media.Metadata{Title: doc.Title, SizeBytes: size, DurationSeconds: doc.Duration}
}
