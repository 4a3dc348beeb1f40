package resolve

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"
	"github.com/hbomb79/Harmony/internal/dispatch"
	"github.com/hbomb79/Harmony/internal/media"
	"github.com/hbomb79/Harmony/internal/tool"
	"github.com/hbomb79/Harmony/pkg/logger"
)

var log = logger.Get("Resolver")

var (
	ErrResultNotFound    = errors.New("no artifact was produced")
	ErrDuplicateArtifact = errors.New("artifact already exists in the library")
)

type Strategy int

const (
	InlineMetadata Strategy = iota
	SnapshotDiff
)

func (s Strategy) String() string {
	switch s {
	case InlineMetadata:
		return "INLINE_METADATA"
	case SnapshotDiff:
		return "SNAPSHOT_DIFF"
	}

	return fmt.Sprintf("UNKNOWN[%d]", s)
}

type (
	Config struct {
		LibraryDir          string  `yaml:"library_dir" env:"LIBRARY_DIR" env-required:"true"`
		SimilarityThreshold float64 `yaml:"similarity_warning_threshold" env:"SIMILARITY_WARNING_THRESHOLD" env-default:"0.85"`
		// IndexRefreshInterval bounds how long files added to the library by
		// something other than the resolver can go unnoticed by the duplicate
		// check. Zero never re-walks the library once it has been indexed.
		IndexRefreshInterval time.Duration `yaml:"index_refresh_interval" env:"LIBRARY_INDEX_REFRESH_INTERVAL" env-default:"10m"`
	}

	// Artifact is a file which has been published in to the library
	Artifact struct {
		// Filename is the path of the artifact relative to the library directory, as
		// returned by the publish operation.
		Filename string
		Path     string
		Metadata media.Metadata
	}

	// Resolution describes the artifacts produced by a single job. Collections
	// may produce several artifacts; the first (in sorted order) is the Primary.
	Resolution struct {
		Strategy  Strategy
		Primary   Artifact
		Secondary []Artifact
		// Discarded holds the staged filenames of secondary artifacts which
		// collided with existing library entries.
		Discarded []string
	}

	Resolver struct {
		config Config
		prober Prober
		metric strutil.StringMetric

		// publishMu serialises the duplicate check and publication of
		// artifacts so the check cannot be invalidated before the move. It
		// also guards the library index.
		publishMu sync.Mutex
		library   libraryIndex
		indexedAt time.Time
	}

	stagedArtifact struct {
		rel      string
		metadata media.Metadata
	}
)

// New constructs a resolver which publishes to the configured library. The
// prober is optional; when nil, unknown durations remain unknown.
func New(config Config, prober Prober) (*Resolver, error) {
	if config.LibraryDir == "" {
		return nil, errors.New("library directory must be specified")
	}
	if err := os.MkdirAll(config.LibraryDir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("library directory %s could not be created: %w", config.LibraryDir, err)
	}
	if config.SimilarityThreshold <= 0 {
		config.SimilarityThreshold = 0.85
	}

	return &Resolver{config: config, prober: prober, metric: metrics.NewLevenshtein()}, nil
}

func (resolver *Resolver) LibraryDir() string {
	return resolver.config.LibraryDir
}

// Resolve determines which artifact(s) the execution produced inside the staging directory,
// derives their metadata and publishes them to the library.
//
// When the plan expects inline metadata and the tool emitted exactly one document, the
// artifact path is derived from the reported title. If no such file exists, no document
// is available, or the tool reported several items (a playlist), the staging directory
// is diffed against the 'before' snapshot and every new audio file is published.
//
// An artifact whose title already exists in the library results in ErrDuplicateArtifact,
// and nothing is published. The caller owns the staging directory and is
// responsible for removing it (and anything left inside it).
func (resolver *Resolver) Resolve(plan dispatch.ExecutionPlan, result *tool.ExecutionResult, stagingDir string, before Snapshot) (*Resolution, error) {
	var docs []*inlineDocument
	if plan.ExpectsInlineMetadata && result != nil {
		for _, raw := range result.MetadataDocs {
			decoded, err := decodeInlineDocument(raw)
			if err != nil {
				log.Warnf("Ignoring inline metadata for %s: %v\n", plan.Target, err)
				continue
			}

			docs = append(docs, decoded)
		}
	}

	strategy, staged, err := resolver.locate(plan, docs, stagingDir, before)
	if err != nil {
		return nil, err
	}

	for i := range staged {
		resolver.completeMetadata(stagingDir, &staged[i])
	}

	return resolver.publishAll(strategy, stagingDir, staged)
}

// locate finds the staged artifacts, first using the inline strategy (if a single document
// is available) before falling back to diffing the staging directory.
func (resolver *Resolver) locate(plan dispatch.ExecutionPlan, docs []*inlineDocument, stagingDir string, before Snapshot) (Strategy, []stagedArtifact, error) {
	if len(docs) == 1 {
		doc := docs[0]
		if candidate, ok := findCandidate(stagingDir, doc.Title, plan.InlineExtension); ok {
			return InlineMetadata, []stagedArtifact{{rel: candidate, metadata: doc.metadata()}}, nil
		}

		log.Warnf("Inline metadata for %s reported title '%s', but no matching file exists. Falling back to directory diff\n", plan.Target, doc.Title)
	} else if len(docs) > 1 {
		log.Infof("Tool reported %d items for %s, resolving as a collection\n", len(docs), plan.Target)
	}

	after, err := TakeSnapshot(stagingDir)
	if err != nil {
		return SnapshotDiff, nil, err
	}

	newEntries := before.NewEntries(after)
	staged := make([]stagedArtifact, 0, len(newEntries))
	for _, entry := range newEntries {
		if media.IsAudioFile(entry) {
			staged = append(staged, stagedArtifact{rel: entry, metadata: media.Metadata{Title: media.TitleFromFilename(entry)}})
		}
	}

	if len(staged) == 0 {
		return SnapshotDiff, nil, fmt.Errorf("%w: staging directory gained %d entries (%v), none of which are audio", ErrResultNotFound, len(newEntries), newEntries)
	}

	switch {
	case len(docs) == 1 && len(staged) == 1:
		// A single-item tool which reported metadata produced exactly one item: keep
		// the reported metadata, even though the file was named differently.
		staged[0].metadata = docs[0].metadata()
	case len(docs) > 1:
		for i := range staged {
			if doc := matchDocument(docs, staged[i].rel, plan.InlineExtension); doc != nil {
				staged[i].metadata = doc.metadata()
			}
		}
	}

	return SnapshotDiff, staged, nil
}

// findCandidate returns the staged filename which the title would have been written as
func findCandidate(stagingDir string, title string, ext string) (string, bool) {
	for _, candidate := range media.FilenameCandidates(title, ext) {
		if info, err := os.Stat(filepath.Join(stagingDir, candidate)); err == nil && info.Mode().IsRegular() {
			return candidate, true
		}
	}

	return "", false
}

// matchDocument finds the document whose title would produce the staged file
func matchDocument(docs []*inlineDocument, rel string, ext string) *inlineDocument {
	name := filepath.Base(rel)
	for _, doc := range docs {
		for _, candidate := range media.FilenameCandidates(doc.Title, ext) {
			if candidate == name {
				return doc
			}
		}
	}

	return nil
}

// completeMetadata fills in any size or duration which the
// tool did not report by inspecting the staged file.
func (resolver *Resolver) completeMetadata(stagingDir string, artifact *stagedArtifact) {
	path := filepath.Join(stagingDir, artifact.rel)
	if artifact.metadata.SizeBytes == nil {
		if info, err := os.Stat(path); err == nil {
			artifact.metadata.SizeBytes = media.Int64(info.Size())
		} else {
			log.Warnf("Failed to stat staged artifact %s: %v\n", path, err)
		}
	}

	if artifact.metadata.DurationSeconds == nil && resolver.prober != nil {
		if duration, err := resolver.prober.ProbeDuration(path); err == nil {
			artifact.metadata.DurationSeconds = media.Float64(duration)
		} else {
			log.Warnf("Unable to probe duration of %s, duration will be unknown: %v\n", path, err)
		}
	}
}

// publishAll checks the primary artifact for duplicates and then publishes every
// staged artifact. Secondary artifacts which collide are discarded.
func (resolver *Resolver) publishAll(strategy Strategy, stagingDir string, staged []stagedArtifact) (*Resolution, error) {
	resolver.publishMu.Lock()
	defer resolver.publishMu.Unlock()

	library, err := resolver.indexLocked()
	if err != nil {
		return nil, err
	}

	primary := staged[0]
	if existing, ok := resolver.lookupLocked(primary); ok {
		return nil, fmt.Errorf("%w: '%s' matches existing file %s", ErrDuplicateArtifact, primary.metadata.Title, existing)
	}
	resolver.warnIfSimilar(primary.metadata.Title, library)

	published, err := publish(filepath.Join(stagingDir, primary.rel), resolver.config.LibraryDir, primary.rel)
	if err != nil {
		if errors.Is(err, errPublishCollision) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateArtifact, primary.rel)
		}

		return nil, err
	}
	log.Emit(logger.SUCCESS, "Published %s to %s\n", primary.rel, published)

	resolution := &Resolution{
		Strategy: strategy,
		Primary:  Artifact{Filename: resolver.relative(published), Path: published, Metadata: primary.metadata},
	}
	library.add(primary, resolution.Primary.Filename)

	for _, secondary := range staged[1:] {
		if existing, ok := resolver.lookupLocked(secondary); ok {
			log.Warnf("Discarding %s from collection as it matches existing file %s\n", secondary.rel, existing)
			resolution.Discarded = append(resolution.Discarded, secondary.rel)
			continue
		}

		path, err := publish(filepath.Join(stagingDir, secondary.rel), resolver.config.LibraryDir, secondary.rel)
		if err != nil {
			log.Warnf("Discarding %s from collection as it could not be published: %v\n", secondary.rel, err)
			resolution.Discarded = append(resolution.Discarded, secondary.rel)
			continue
		}

		artifact := Artifact{Filename: resolver.relative(path), Path: path, Metadata: secondary.metadata}
		library.add(secondary, artifact.Filename)
		resolution.Secondary = append(resolution.Secondary, artifact)
	}

	return resolution, nil
}

// indexLocked returns the library index, walking the library only when
// no index exists yet or the refresh interval has elapsed.
func (resolver *Resolver) indexLocked() (libraryIndex, error) {
	interval := resolver.config.IndexRefreshInterval
	if resolver.library != nil && (interval <= 0 || time.Since(resolver.indexedAt) < interval) {
		return resolver.library, nil
	}

	index, err := resolver.libraryTitles()
	if err != nil {
		return nil, err
	}

	log.Verbosef("Indexed %d titles in library %s\n", len(index), resolver.config.LibraryDir)
	resolver.library = index
	resolver.indexedAt = time.Now()
	return index, nil
}

// lookupLocked finds the library file matching the artifact. Entries whose
// file has since been removed from the library are dropped from the index.
func (resolver *Resolver) lookupLocked(artifact stagedArtifact) (string, bool) {
	for {
		existing, ok := resolver.library.find(artifact)
		if !ok {
			return "", false
		}

		if _, err := os.Stat(filepath.Join(resolver.config.LibraryDir, existing)); !errors.Is(err, fs.ErrNotExist) {
			return existing, true
		}

		log.Debugf("Library file %s no longer exists, removing it from the index\n", existing)
		resolver.library.remove(existing)
	}
}

func (resolver *Resolver) warnIfSimilar(title string, library libraryIndex) {
	for existingTitle, existingFile := range library {
		similarity := strutil.Similarity(title, existingTitle, resolver.metric)
		if similarity >= resolver.config.SimilarityThreshold {
			log.Warnf("'%s' is similar to existing file %s (similarity %.2f), it may be a near-duplicate\n", title, existingFile, similarity)
		}
	}
}

func (resolver *Resolver) relative(path string) string {
	if rel, err := filepath.Rel(resolver.config.LibraryDir, path); err == nil {
		return rel
	}

	return filepath.Base(path)
}

// libraryIndex maps the normalized title of every audio file in the
// library to its path (relative to the library).
type libraryIndex map[string]string

func (resolver *Resolver) libraryTitles() (libraryIndex, error) {
	root := resolver.config.LibraryDir
	index := make(libraryIndex)
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		// Hidden directories hold staging areas and temporary files
		if path != root && strings.HasPrefix(entry.Name(), ".") {
			if entry.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if entry.Type().IsRegular() && media.IsAudioFile(entry.Name()) {
			rel, _ := filepath.Rel(root, path)
			index[media.NormalizeTitle(media.TitleFromFilename(entry.Name()))] = rel
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to index library %s: %w", root, err)
	}

	return index, nil
}

// find returns the existing library entry matching either the artifacts
// title or the name it was staged under.
func (index libraryIndex) find(artifact stagedArtifact) (string, bool) {
	for _, key := range []string{artifact.metadata.Title, media.TitleFromFilename(artifact.rel)} {
		if existing, ok := index[media.NormalizeTitle(key)]; ok {
			return existing, true
		}
	}

	return "", false
}

func (index libraryIndex) add(artifact stagedArtifact, rel string) {
	index[media.NormalizeTitle(artifact.metadata.Title)] = rel
	index[media.NormalizeTitle(media.TitleFromFilename(rel))] = rel
}

func (index libraryIndex) remove(rel string) {
	for title, existing := range index {
		if existing == rel {
			delete(index, title)
		}
	}
}
