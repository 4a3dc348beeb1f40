package media

import (
	"path/filepath"
	"strings"
)

var (
	// attachmentExtensions is the allow-list applied to files submitted directly
	attachmentExtensions = map[string]struct{}{"mp3": {}, "aac": {}, "opus": {}}

	// audioExtensions are the extensions recognised when searching for
	// the artifacts produced by an external tool
	audioExtensions = map[string]struct{}{"mp3": {}, "aac": {}, "opus": {}, "m4a": {}, "ogg": {}, "flac": {}}
)

// Extension returns the lower-cased extension of the name provided, without the leading dot.
func Extension(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}

func IsAllowedAttachment(name string) bool {
	_, ok := attachmentExtensions[Extension(name)]
	return ok
}

func IsAudioFile(name string) bool {
	_, ok := audioExtensions[Extension(name)]
	return ok
}

// AttachmentExtensions returns the allowed attachment extensions in a stable order
func AttachmentExtensions() []string {
	return []string{"mp3", "aac", "opus"}
}
