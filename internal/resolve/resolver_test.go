package resolve_test

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hbomb79/Harmony/internal/dispatch"
	"github.com/hbomb79/Harmony/internal/resolve"
	"github.com/hbomb79/Harmony/internal/tool"
	"github.com/hbomb79/Harmony/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.SetMinLoggingLevel(logger.VERBOSE.Level())
}

type stubProber struct {
	mu       sync.Mutex
	duration float64
	err      error
	probed   []string
}

func (p *stubProber) ProbeDuration(path string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.probed = append(p.probed, filepath.Base(path))
	return p.duration, p.err
}

func newResolver(t *testing.T, prober resolve.Prober) (*resolve.Resolver, string) {
	library := t.TempDir()
	resolver, err := resolve.New(resolve.Config{LibraryDir: library, SimilarityThreshold: 0.9}, prober)
	require.NoError(t, err)

	return resolver, library
}

func singlePlan() dispatch.ExecutionPlan {
	return dispatch.ExecutionPlan{
		Kind:                  dispatch.GenericMedia,
		ToolID:                "yt-dlp",
		ExpectsInlineMetadata: true,
		InlineExtension:       "mp3",
		Target:                dispatch.LinkTarget("https://video.example/watch?v=1"),
	}
}

func collectionPlan() dispatch.ExecutionPlan {
	return dispatch.ExecutionPlan{
		Kind:   dispatch.StreamingCollection,
		ToolID: "spotdl",
		Target: dispatch.LinkTarget("https://open.spotify.com/playlist/abc"),
	}
}

func writeFile(t *testing.T, dir string, name string, contents string) {
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), os.ModePerm))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func snapshot(t *testing.T, dir string) resolve.Snapshot {
	snap, err := resolve.TakeSnapshot(dir)
	require.NoError(t, err)
	return snap
}

func TestResolve_InlineMetadata(t *testing.T) {
	prober := &stubProber{duration: 99}
	resolver, library := newResolver(t, prober)
	staging := t.TempDir()
	before := snapshot(t, staging)

	writeFile(t, staging, "Song A.mp3", "audio")
	result := &tool.ExecutionResult{MetadataDocs: []map[string]any{{"title": "Song A", "duration": 215.0, "filesize": float64(3_250_000)}}}

	resolution, err := resolver.Resolve(singlePlan(), result, staging, before)
	require.NoError(t, err)

	assert.Equal(t, resolve.InlineMetadata, resolution.Strategy)
	assert.Equal(t, "Song A.mp3", resolution.Primary.Filename)
	assert.Equal(t, "Song A", resolution.Primary.Metadata.Title)
	assert.Equal(t, "3.58 min", resolution.Primary.Metadata.DurationLabel())
	assert.Equal(t, "3.10 MB", resolution.Primary.Metadata.SizeLabel())
	assert.Empty(t, prober.probed, "duration reported by tool must not be probed")

	assert.FileExists(t, filepath.Join(library, "Song A.mp3"))
	assert.NoFileExists(t, filepath.Join(staging, "Song A.mp3"))
}

func TestResolve_InlineMetadataWithSanitizedFilename(t *testing.T) {
	resolver, library := newResolver(t, nil)
	staging := t.TempDir()
	before := snapshot(t, staging)

	writeFile(t, staging, "AC⧸DC - Thunder.mp3", "audio")
	result := &tool.ExecutionResult{MetadataDocs: []map[string]any{{"title": "AC/DC - Thunder"}}}

	resolution, err := resolver.Resolve(singlePlan(), result, staging, before)
	require.NoError(t, err)

	assert.Equal(t, resolve.InlineMetadata, resolution.Strategy)
	assert.Equal(t, "AC/DC - Thunder", resolution.Primary.Metadata.Title)
	assert.FileExists(t, filepath.Join(library, "AC⧸DC - Thunder.mp3"))
}

func TestResolve_InlineFallsBackToDiff(t *testing.T) {
	prober := &stubProber{duration: 60}
	resolver, library := newResolver(t, prober)
	staging := t.TempDir()
	before := snapshot(t, staging)

	// Tool reported a title which does not match the file it wrote
	writeFile(t, staging, "Renamed Output.mp3", "audio")
	result := &tool.ExecutionResult{MetadataDocs: []map[string]any{{"title": "Song B"}}}

	resolution, err := resolver.Resolve(singlePlan(), result, staging, before)
	require.NoError(t, err)

	assert.Equal(t, resolve.SnapshotDiff, resolution.Strategy)
	assert.Equal(t, "Renamed Output.mp3", resolution.Primary.Filename)
	assert.Equal(t, "Song B", resolution.Primary.Metadata.Title)
	assert.Equal(t, "1.00 min", resolution.Primary.Metadata.DurationLabel())
	assert.Equal(t, int64(5), *resolution.Primary.Metadata.SizeBytes)
	assert.FileExists(t, filepath.Join(library, "Renamed Output.mp3"))
}

func TestResolve_SeveralInlineDocumentsPublishEveryItem(t *testing.T) {
	resolver, library := newResolver(t, nil)
	staging := t.TempDir()
	before := snapshot(t, staging)

	writeFile(t, staging, "Track One.mp3", "one")
	writeFile(t, staging, "Track Two.mp3", "two")
	result := &tool.ExecutionResult{MetadataDocs: []map[string]any{
		{"title": "Track One", "duration": 60},
		{"title": "Track Two", "duration": 120},
	}}

	resolution, err := resolver.Resolve(singlePlan(), result, staging, before)
	require.NoError(t, err)

	assert.Equal(t, resolve.SnapshotDiff, resolution.Strategy)
	assert.Equal(t, "Track One.mp3", resolution.Primary.Filename)
	assert.Equal(t, "1.00 min", resolution.Primary.Metadata.DurationLabel())
	require.Len(t, resolution.Secondary, 1)
	assert.Equal(t, "Track Two.mp3", resolution.Secondary[0].Filename)
	assert.Equal(t, "2.00 min", resolution.Secondary[0].Metadata.DurationLabel())
	assert.Empty(t, resolution.Discarded)

	assert.FileExists(t, filepath.Join(library, "Track One.mp3"))
	assert.FileExists(t, filepath.Join(library, "Track Two.mp3"))
}

func TestResolve_NoInlineDocumentUsesDiff(t *testing.T) {
	resolver, _ := newResolver(t, &stubProber{err: errors.New("ffprobe missing")})
	staging := t.TempDir()
	writeFile(t, staging, "preexisting.mp3", "old")
	before := snapshot(t, staging)

	writeFile(t, staging, "new song.mp3", "audio")
	writeFile(t, staging, "new song.log", "log output")

	resolution, err := resolver.Resolve(singlePlan(), &tool.ExecutionResult{}, staging, before)
	require.NoError(t, err)

	assert.Equal(t, resolve.SnapshotDiff, resolution.Strategy)
	assert.Equal(t, "new song.mp3", resolution.Primary.Filename)
	assert.Equal(t, "new song", resolution.Primary.Metadata.Title)
	assert.Nil(t, resolution.Primary.Metadata.DurationSeconds, "failed probe must leave duration unknown")
	assert.Equal(t, "unknown", resolution.Primary.Metadata.DurationLabel())
}

func TestResolve_NothingProduced(t *testing.T) {
	resolver, library := newResolver(t, nil)
	staging := t.TempDir()
	before := snapshot(t, staging)

	writeFile(t, staging, "tool.log", "nothing useful")

	_, err := resolver.Resolve(collectionPlan(), &tool.ExecutionResult{}, staging, before)
	assert.ErrorIs(t, err, resolve.ErrResultNotFound)

	entries, err := os.ReadDir(library)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestResolve_DuplicateRejected(t *testing.T) {
	resolver, library := newResolver(t, nil)
	writeFile(t, library, "Song A.mp3", "original")

	staging := t.TempDir()
	before := snapshot(t, staging)
	writeFile(t, staging, "song a.mp3", "the same song")
	result := &tool.ExecutionResult{MetadataDocs: []map[string]any{{"title": "song a"}}}

	_, err := resolver.Resolve(singlePlan(), result, staging, before)
	assert.ErrorIs(t, err, resolve.ErrDuplicateArtifact)

	contents, err := os.ReadFile(filepath.Join(library, "Song A.mp3"))
	require.NoError(t, err)
	assert.Equal(t, "original", string(contents), "existing artifact must not be replaced")
	assert.NoFileExists(t, filepath.Join(library, "song a.mp3"))
}

func TestResolve_DuplicateCheckIgnoresStagingAreas(t *testing.T) {
	resolver, library := newResolver(t, nil)
	writeFile(t, library, ".staging/other-job/Song A.mp3", "in flight")

	staging := t.TempDir()
	before := snapshot(t, staging)
	writeFile(t, staging, "Song A.mp3", "audio")

	resolution, err := resolver.Resolve(singlePlan(), &tool.ExecutionResult{}, staging, before)
	require.NoError(t, err)
	assert.Equal(t, "Song A.mp3", resolution.Primary.Filename)
}

func TestResolve_CollectionPublishesSecondaries(t *testing.T) {
	prober := &stubProber{duration: 120}
	resolver, library := newResolver(t, prober)
	writeFile(t, library, "Track 2.mp3", "already have this one")

	staging := t.TempDir()
	before := snapshot(t, staging)
	writeFile(t, staging, "Track 3.mp3", "three")
	writeFile(t, staging, "Track 1.mp3", "one")
	writeFile(t, staging, "Track 2.mp3", "two")
	writeFile(t, staging, "cover.jpg", "image")

	resolution, err := resolver.Resolve(collectionPlan(), &tool.ExecutionResult{}, staging, before)
	require.NoError(t, err)

	assert.Equal(t, "Track 1.mp3", resolution.Primary.Filename)
	require.Len(t, resolution.Secondary, 1)
	assert.Equal(t, "Track 3.mp3", resolution.Secondary[0].Filename)
	assert.Equal(t, []string{"Track 2.mp3"}, resolution.Discarded)
	assert.ElementsMatch(t, []string{"Track 1.mp3", "Track 2.mp3", "Track 3.mp3"}, prober.probed)
	assert.Equal(t, "2.00 min", resolution.Secondary[0].Metadata.DurationLabel())

	contents, err := os.ReadFile(filepath.Join(library, "Track 2.mp3"))
	require.NoError(t, err)
	assert.Equal(t, "already have this one", string(contents))
	assert.FileExists(t, filepath.Join(library, "Track 3.mp3"))
}

func TestResolve_CollectionWithNestedOutput(t *testing.T) {
	resolver, library := newResolver(t, nil)
	staging := t.TempDir()
	before := snapshot(t, staging)
	writeFile(t, staging, "Album/01 Intro.mp3", "intro")

	resolution, err := resolver.Resolve(collectionPlan(), &tool.ExecutionResult{}, staging, before)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join("Album", "01 Intro.mp3"), resolution.Primary.Filename)
	assert.Equal(t, "01 Intro", resolution.Primary.Metadata.Title)
	assert.FileExists(t, filepath.Join(library, "Album", "01 Intro.mp3"))
}

func TestResolve_ConcurrentJobsDoNotMisattribute(t *testing.T) {
	resolver, library := newResolver(t, nil)

	const jobs = 8
	stagingDirs := make([]string, jobs)
	befores := make([]resolve.Snapshot, jobs)
	for i := range jobs {
		stagingDirs[i] = t.TempDir()
		befores[i] = snapshot(t, stagingDirs[i])
		writeFile(t, stagingDirs[i], fmt.Sprintf("Job %d Output.mp3", i), fmt.Sprintf("job-%d", i))
	}

	var wg sync.WaitGroup
	resolutions := make([]*resolve.Resolution, jobs)
	errs := make([]error, jobs)
	for i := range jobs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resolutions[i], errs[i] = resolver.Resolve(collectionPlan(), &tool.ExecutionResult{}, stagingDirs[i], befores[i])
		}(i)
	}
	wg.Wait()

	for i := range jobs {
		require.NoError(t, errs[i])
		expected := fmt.Sprintf("Job %d Output.mp3", i)
		assert.Equal(t, expected, resolutions[i].Primary.Filename)

		contents, err := os.ReadFile(filepath.Join(library, expected))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("job-%d", i), string(contents))
	}
}

func TestResolve_ConcurrentDuplicatesPublishOnce(t *testing.T) {
	resolver, library := newResolver(t, nil)

	const jobs = 4
	stagingDirs := make([]string, jobs)
	befores := make([]resolve.Snapshot, jobs)
	for i := range jobs {
		stagingDirs[i] = t.TempDir()
		befores[i] = snapshot(t, stagingDirs[i])
		writeFile(t, stagingDirs[i], "Same Song.mp3", "audio")
	}

	var wg sync.WaitGroup
	errs := make([]error, jobs)
	for i := range jobs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = resolver.Resolve(singlePlan(), &tool.ExecutionResult{}, stagingDirs[i], befores[i])
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, resolve.ErrDuplicateArtifact)
		}
	}

	assert.Equal(t, 1, succeeded)
	assert.FileExists(t, filepath.Join(library, "Same Song.mp3"))
}

func TestResolve_LibraryIndexDropsRemovedFiles(t *testing.T) {
	resolver, library := newResolver(t, nil)

	staging := t.TempDir()
	before := snapshot(t, staging)
	writeFile(t, staging, "Song A.mp3", "first")
	_, err := resolver.Resolve(singlePlan(), &tool.ExecutionResult{}, staging, before)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(library, "Song A.mp3")))

	staging = t.TempDir()
	before = snapshot(t, staging)
	writeFile(t, staging, "Song A.mp3", "second")
	resolution, err := resolver.Resolve(singlePlan(), &tool.ExecutionResult{}, staging, before)
	require.NoError(t, err, "a removed library file must not be reported as a duplicate")

	contents, err := os.ReadFile(resolution.Primary.Path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(contents))
}

func TestResolve_LibraryIndexRefreshes(t *testing.T) {
	library := t.TempDir()
	resolver, err := resolve.New(resolve.Config{LibraryDir: library, IndexRefreshInterval: 20 * time.Millisecond}, nil)
	require.NoError(t, err)

	staging := t.TempDir()
	before := snapshot(t, staging)
	writeFile(t, staging, "Song A.mp3", "audio")
	_, err = resolver.Resolve(singlePlan(), &tool.ExecutionResult{}, staging, before)
	require.NoError(t, err)

	// Added to the library without going through the resolver
	writeFile(t, library, "Existing Song.mp3", "external")
	time.Sleep(50 * time.Millisecond)

	staging = t.TempDir()
	before = snapshot(t, staging)
	writeFile(t, staging, "existing song.mp3", "audio")
	_, err = resolver.Resolve(singlePlan(), &tool.ExecutionResult{}, staging, before)
	assert.ErrorIs(t, err, resolve.ErrDuplicateArtifact)
}

func TestSnapshot_NewEntries(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.mp3", "a")
	before := snapshot(t, dir)

	writeFile(t, dir, "c.mp3", "c")
	writeFile(t, dir, "b/nested.mp3", "b")

	assert.Equal(t, []string{"b/nested.mp3", "c.mp3"}, before.NewEntries(snapshot(t, dir)))

	missing, err := resolve.TakeSnapshot(filepath.Join(dir, "does-not-exist"))
	require.NoError(t, err)
	assert.Empty(t, missing)
}
