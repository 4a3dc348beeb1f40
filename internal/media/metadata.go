package media

import (
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
)

// UnknownLabel is rendered in place of a duration or size which was not
// reported. Zero is a legitimate value, so it is never used to mean 'unknown'.
const UnknownLabel = "unknown"

var (
	secondsPerMinute = decimal.NewFromInt(60)
	bytesPerMegabyte = decimal.NewFromInt(1024 * 1024)
)

// Metadata is the normalized description of an acquired artifact. Size and
// duration are optional as not every acquisition path reports them.
type Metadata struct {
	Title           string
	SizeBytes       *int64
	DurationSeconds *float64
}

func (meta Metadata) DurationLabel() string { return DurationLabel(meta.DurationSeconds) }
func (meta Metadata) SizeLabel() string     { return SizeLabel(meta.SizeBytes) }

// DurationLabel renders a duration in seconds as minutes, rounded
// to two decimal places (e.g. 215 -> "3.58 min").
func DurationLabel(seconds *float64) string {
	if seconds == nil {
		return UnknownLabel
	}

	return decimal.NewFromFloat(*seconds).Div(secondsPerMinute).StringFixed(2) + " min"
}

// SizeLabel renders a size in bytes as megabytes, rounded
// to two decimal places (e.g. 3250000 -> "3.10 MB").
func SizeLabel(bytes *int64) string {
	if bytes == nil {
		return UnknownLabel
	}

	return decimal.NewFromInt(*bytes).Div(bytesPerMegabyte).StringFixed(2) + " MB"
}

// Title derives a title from a filename by stripping any directory
// and the extension.
func TitleFromFilename(name string) string {
	base := filepath.Base(name)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// NormalizeTitle returns the comparison key used when checking whether
// two titles refer to the same artifact.
func NormalizeTitle(title string) string {
	return strings.ToLower(strings.TrimSpace(title))
}

// FilenameCandidates returns the filenames (without directory) an external
// tool may have used when writing an artifact with the title and extension provided.
// The raw title is always first; sanitised variants follow.
func FilenameCandidates(title string, ext string) []string {
	variants := []string{
		title,
		// yt-dlp substitutes look-alike glyphs for characters which are illegal in paths
		strings.NewReplacer("/", "⧸", "\\", "⧹", ":", "：", "?", "？", "\"", "＂", "*", "＊", "|", "｜", "<", "＜", ">", "＞").Replace(title),
		strings.NewReplacer("/", "_", "\\", "_", "\x00", "_").Replace(title),
	}

	seen := make(map[string]struct{}, len(variants))
	candidates := make([]string, 0, len(variants))
	for _, v := range variants {
		name := v + "." + ext
		if _, ok := seen[name]; ok || strings.TrimSpace(v) == "" {
			continue
		}

		seen[name] = struct{}{}
		candidates = append(candidates, name)
	}

	return candidates
}

func Int64(v int64) *int64       { return &v }
func Float64(v float64) *float64 { return &v }
