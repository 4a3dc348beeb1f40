package dispatch

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/hbomb79/Harmony/internal/media"
	"github.com/hbomb79/Harmony/pkg/logger"
)

var log = logger.Get("Dispatch")

var ErrUnsupportedMediaType = errors.New("unsupported media type")

type ProviderKind int

const (
	GenericMedia ProviderKind = iota
	StreamingCollection
	DirectAttachment
)

const (
	TargetPlaceholder  = "{target}"
	WorkDirPlaceholder = "{workdir}"
)

func (kind ProviderKind) String() string {
	switch kind {
	case GenericMedia:
		return "GENERIC_MEDIA"
	case StreamingCollection:
		return "STREAMING_COLLECTION"
	case DirectAttachment:
		return "DIRECT_ATTACHMENT"
	}

	return fmt.Sprintf("UNKNOWN[%d]", kind)
}

type (
	// ToolConfig describes how to invoke one family of external
	// acquisition tool. Args may contain the {target} and {workdir}
	// placeholders, which are substituted when the plan is executed.
	ToolConfig struct {
		Binary      string   `yaml:"binary"`
		Args        []string `yaml:"args"`
		CookiesFlag string   `yaml:"cookies_flag"`
	}

	Config struct {
		// StreamingMarkers are the domains which identify a link as belonging
		// to a streaming collection provider.
		StreamingMarkers []string   `yaml:"streaming_markers" env:"DISPATCH_STREAMING_MARKERS" env-separator:"," env-default:"spotify.com"`
		CookiesPath      string     `yaml:"cookies_path" env:"COOKIES_PATH"`
		InlineExtension  string     `yaml:"inline_extension" env:"DISPATCH_INLINE_EXTENSION" env-default:"mp3"`
		Collection       ToolConfig `yaml:"collection_tool"`
		Single           ToolConfig `yaml:"single_tool"`
		// Playlist is used for links to playlists hosted by a generic provider
		// (a 'list' query parameter, or a 'playlist' path segment).
		Playlist ToolConfig `yaml:"playlist_tool"`
	}

	// ExecutionPlan is the result of dispatching a target: which tool to run, with
	// which arguments, and how the result of that tool should be resolved.
	ExecutionPlan struct {
		Kind                  ProviderKind
		ToolID                string
		Binary                string
		ArgvTemplate          []string
		ExpectsInlineMetadata bool
		InlineExtension       string
		Target                Target
	}

	Dispatcher struct {
		config Config
	}
)

// DefaultCollectionTool invokes spotdl, whose output naming is opaque
func DefaultCollectionTool() ToolConfig {
	return ToolConfig{
		Binary:      "spotdl",
		Args:        []string{"download", TargetPlaceholder, "--output", WorkDirPlaceholder, "--log-level", "DEBUG"},
		CookiesFlag: "--cookie-file",
	}
}

// DefaultSingleTool invokes yt-dlp, printing the item metadata as JSON on stdout
// while still performing the download and audio extraction.
func DefaultSingleTool() ToolConfig {
	return ToolConfig{
		Binary:      "yt-dlp",
		Args:        []string{"-j", "--no-simulate", "--no-playlist", "-x", "--audio-format", "mp3", "-o", WorkDirPlaceholder + "/%(title)s.%(ext)s", TargetPlaceholder},
		CookiesFlag: "--cookies",
	}
}

// DefaultPlaylistTool invokes yt-dlp for every item of a playlist. One
// document is printed per item, each naming the file it was written to.
func DefaultPlaylistTool() ToolConfig {
	return ToolConfig{
		Binary:      "yt-dlp",
		Args:        []string{"-j", "--no-simulate", "--yes-playlist", "-x", "--audio-format", "mp3", "-o", WorkDirPlaceholder + "/%(title)s.%(ext)s", TargetPlaceholder},
		CookiesFlag: "--cookies",
	}
}

func (tool ToolConfig) withDefaults(dflt ToolConfig) ToolConfig {
	if tool.Binary == "" {
		tool.Binary = dflt.Binary
	}
	if len(tool.Args) == 0 {
		tool.Args = dflt.Args
	}
	if tool.CookiesFlag == "" {
		tool.CookiesFlag = dflt.CookiesFlag
	}

	return tool
}

func New(config Config) *Dispatcher {
	config.Collection = config.Collection.withDefaults(DefaultCollectionTool())
	config.Single = config.Single.withDefaults(DefaultSingleTool())
	config.Playlist = config.Playlist.withDefaults(DefaultPlaylistTool())
	if len(config.StreamingMarkers) == 0 {
		config.StreamingMarkers = []string{"spotify.com"}
	}
	if config.InlineExtension == "" {
		config.InlineExtension = "mp3"
	}

	return &Dispatcher{config: config}
}

// Classify determines the provider kind for the target. Classification
// is total: targets which match nothing else are GenericMedia.
func (dispatcher *Dispatcher) Classify(target Target) ProviderKind {
	if target.Attachment != nil {
		return DirectAttachment
	}

	if dispatcher.isStreamingLink(target.Link) || isPlaylistLink(target.Link) {
		return StreamingCollection
	}

	return GenericMedia
}

// BuildPlan constructs the execution plan for a classified target. Attachments
// are validated against the allowed extensions here, before any work is performed.
func (dispatcher *Dispatcher) BuildPlan(kind ProviderKind, target Target) (ExecutionPlan, error) {
	plan := ExecutionPlan{Kind: kind, Target: target}
	switch kind {
	case DirectAttachment:
		if target.Attachment == nil {
			return ExecutionPlan{}, fmt.Errorf("%w: no attachment provided", ErrUnsupportedMediaType)
		}
		if !media.IsAllowedAttachment(target.Attachment.Filename) {
			return ExecutionPlan{}, fmt.Errorf("%w: '%s' is not one of %v", ErrUnsupportedMediaType, target.Attachment.Filename, media.AttachmentExtensions())
		}

		return plan, nil
	case StreamingCollection:
		if !dispatcher.isStreamingLink(target.Link) && isPlaylistLink(target.Link) {
			plan.ToolID = "playlist"
			plan.Binary = dispatcher.config.Playlist.Binary
			plan.ArgvTemplate = dispatcher.argsWithCookies(dispatcher.config.Playlist)
			plan.ExpectsInlineMetadata = true
			plan.InlineExtension = dispatcher.config.InlineExtension
			break
		}

		plan.ToolID = "collection"
		plan.Binary = dispatcher.config.Collection.Binary
		plan.ArgvTemplate = dispatcher.argsWithCookies(dispatcher.config.Collection)
	case GenericMedia:
		plan.ToolID = "single"
		plan.Binary = dispatcher.config.Single.Binary
		plan.ArgvTemplate = dispatcher.argsWithCookies(dispatcher.config.Single)
		plan.ExpectsInlineMetadata = true
		plan.InlineExtension = dispatcher.config.InlineExtension
	default:
		return ExecutionPlan{}, fmt.Errorf("cannot build plan for unknown provider kind %s", kind)
	}

	if target.Link == "" {
		return ExecutionPlan{}, ErrEmptyTarget
	}

	return plan, nil
}

// Dispatch classifies the target and builds the plan for it
func (dispatcher *Dispatcher) Dispatch(target Target) (ExecutionPlan, error) {
	if err := target.Validate(); err != nil {
		return ExecutionPlan{}, err
	}

	kind := dispatcher.Classify(target)
	log.Debugf("Classified %s as %s\n", target, kind)

	return dispatcher.BuildPlan(kind, target)
}

// RequiresExecution returns true if the plan must run an external tool
func (plan ExecutionPlan) RequiresExecution() bool {
	return plan.Kind != DirectAttachment
}

// Argv expands the argument template, substituting the placeholders for
// the target link and the working directory of the execution.
func (plan ExecutionPlan) Argv(workDir string) []string {
	replacer := strings.NewReplacer(TargetPlaceholder, plan.Target.Link, WorkDirPlaceholder, workDir)
	argv := make([]string, 0, len(plan.ArgvTemplate))
	for _, arg := range plan.ArgvTemplate {
		argv = append(argv, replacer.Replace(arg))
	}

	return argv
}

func (dispatcher *Dispatcher) argsWithCookies(tool ToolConfig) []string {
	args := append([]string{}, tool.Args...)

	cookies := dispatcher.config.CookiesPath
	if cookies == "" || tool.CookiesFlag == "" {
		return args
	}

	if _, err := os.Stat(cookies); err != nil {
		log.Debugf("Cookies file %s is unavailable, omitting %s: %v\n", cookies, tool.CookiesFlag, err)
		return args
	}

	return append(args, tool.CookiesFlag, cookies)
}

// isStreamingLink returns true if the host of the link is (or is a
// subdomain of) one of the configured streaming markers. Links which cannot be
// parsed are matched by substring.
func (dispatcher *Dispatcher) isStreamingLink(link string) bool {
	host := ""
	if parsed, err := url.Parse(strings.TrimSpace(link)); err == nil {
		host = strings.ToLower(parsed.Hostname())
	}

	for _, marker := range dispatcher.config.StreamingMarkers {
		marker = strings.ToLower(strings.TrimSpace(marker))
		if marker == "" {
			continue
		}

		if host == "" {
			if strings.Contains(strings.ToLower(link), marker) {
				return true
			}
		} else if host == marker || strings.HasSuffix(host, "."+marker) {
			return true
		}
	}

	return false
}

// isPlaylistLink returns true for links which identify a playlist rather than
// a single item, such as youtube.com/playlist?list=... or watch?v=...&list=...
func isPlaylistLink(link string) bool {
	parsed, err := url.Parse(strings.TrimSpace(link))
	if err != nil || parsed.Host == "" {
		return false
	}

	if parsed.Query().Get("list") != "" {
		return true
	}

	for _, segment := range strings.Split(parsed.Path, "/") {
		if strings.EqualFold(segment, "playlist") {
			return true
		}
	}

	return false
}
