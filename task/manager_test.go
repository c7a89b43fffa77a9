package task

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"avmerge/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockEngine substitutes the ffmpeg runner. Probe durations are keyed by
// input path; Encode writes a fake artifact unless told to fail.
type mockEngine struct {
	durations   map[string]float64
	probeErr    error
	renderErr   error
	encodeErr   error
	resourceErr error
}

func (e *mockEngine) CheckResources() error {
	return e.resourceErr
}

func (e *mockEngine) Probe(ctx context.Context, path string) (float64, error) {
	if e.probeErr != nil {
		return 0, e.probeErr
	}
	return e.durations[path], nil
}

func (e *mockEngine) RenderAudio(ctx context.Context, inPath string, loops int, target float64, outPath string) error {
	if e.renderErr != nil {
		return e.renderErr
	}
	return os.WriteFile(outPath, []byte("aac"), 0o644)
}

func (e *mockEngine) Encode(ctx context.Context, videoPath, audioPath string, videoLoops int, target float64, outPath string) error {
	if e.encodeErr != nil {
		return e.encodeErr
	}
	return os.WriteFile(outPath, []byte("encoded output"), 0o644)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		TempDir:        t.TempDir(),
		OutputDir:      t.TempDir(),
		FFTimeout:      10 * time.Second,
		MaxConcurrency: 1,
		MaxOutputFiles: 10,
	}
}

// writeInputs drops fake uploaded temp files and returns their paths.
func writeInputs(t *testing.T, dir string) (videoPath, audioPath string) {
	t.Helper()
	videoPath = filepath.Join(dir, "video_in.mp4")
	audioPath = filepath.Join(dir, "audio_in.mp3")
	require.NoError(t, os.WriteFile(videoPath, []byte("v"), 0o644))
	require.NoError(t, os.WriteFile(audioPath, []byte("a"), 0o644))
	return videoPath, audioPath
}

func startManager(t *testing.T, cfg *config.Config, engine Engine) (*Manager, *Store, *Retention) {
	t.Helper()
	store := NewStore(NewMemoryBackend())
	retention := NewRetention(cfg.OutputDir, store, cfg.MaxOutputFiles)
	mgr := NewManager(cfg, store, retention, engine)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	mgr.Start(ctx)
	return mgr, store, retention
}

func waitForTerminal(t *testing.T, store *Store, id string) *Task {
	t.Helper()
	var got *Task
	require.Eventually(t, func() bool {
		tk, ok := store.Get(id)
		if !ok || !tk.Status.Terminal() {
			return false
		}
		got = tk
		return true
	}, 2*time.Second, 10*time.Millisecond)
	return got
}

func TestManager_SubmitCreatesPendingTask(t *testing.T) {
	cfg := testConfig(t)
	engine := &mockEngine{durations: map[string]float64{}}
	store := NewStore(NewMemoryBackend())
	retention := NewRetention(cfg.OutputDir, store, cfg.MaxOutputFiles)
	mgr := NewManager(cfg, store, retention, engine)
	// Not started: the task must sit in pending.

	videoPath, audioPath := writeInputs(t, cfg.TempDir)
	tk, err := mgr.Submit(KindMerge, "clip.mp4", "song.mp3", videoPath, audioPath)
	require.NoError(t, err)
	assert.NotEmpty(t, tk.ID)
	assert.Equal(t, StatusPending, tk.Status)
	assert.Equal(t, "clip.mp4", tk.VideoFilename)
	assert.Equal(t, "song.mp3", tk.AudioFilename)

	stored, ok := store.Get(tk.ID)
	require.True(t, ok)
	assert.Equal(t, StatusPending, stored.Status)
}

func TestManager_SuccessfulCombine(t *testing.T) {
	cfg := testConfig(t)
	videoPath, audioPath := writeInputs(t, cfg.TempDir)
	engine := &mockEngine{durations: map[string]float64{
		videoPath: 10,
		audioPath: 25,
	}}
	mgr, store, _ := startManager(t, cfg, engine)

	tk, err := mgr.Submit(KindMerge, "clip.mp4", "song.mp3", videoPath, audioPath)
	require.NoError(t, err)

	done := waitForTerminal(t, store, tk.ID)
	assert.Equal(t, StatusSuccess, done.Status)
	assert.Equal(t, fmt.Sprintf("merged_%s.mp4", tk.ID), done.OutputFile)
	assert.Equal(t, int64(len("encoded output")), done.FileSize)
	assert.Empty(t, done.Error)

	// The artifact exists and the temp inputs are gone.
	_, err = os.Stat(filepath.Join(cfg.OutputDir, done.OutputFile))
	assert.NoError(t, err)
	assert.Eventually(t, func() bool {
		_, errV := os.Stat(videoPath)
		_, errA := os.Stat(audioPath)
		return os.IsNotExist(errV) && os.IsNotExist(errA)
	}, time.Second, 10*time.Millisecond)

	// The intermediate audio file never outlives the encode.
	entries, err := os.ReadDir(cfg.TempDir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), "temp-audio")
	}
}

func TestManager_ReplaceAudioKind(t *testing.T) {
	cfg := testConfig(t)
	videoPath, audioPath := writeInputs(t, cfg.TempDir)
	engine := &mockEngine{durations: map[string]float64{
		videoPath: 30,
		audioPath: 10,
	}}
	mgr, store, _ := startManager(t, cfg, engine)

	tk, err := mgr.Submit(KindReplaceAudio, "clip.mp4", "song.mp3", videoPath, audioPath)
	require.NoError(t, err)

	done := waitForTerminal(t, store, tk.ID)
	assert.Equal(t, StatusSuccess, done.Status)
	assert.Equal(t, fmt.Sprintf("replaced_audio_%s.mp4", tk.ID), done.OutputFile)
}

func TestManager_EngineFailureMarksFailed(t *testing.T) {
	cfg := testConfig(t)
	videoPath, audioPath := writeInputs(t, cfg.TempDir)
	engine := &mockEngine{
		durations: map[string]float64{videoPath: 10, audioPath: 20},
		encodeErr: errors.New("ffmpeg failed: exit status 1"),
	}
	mgr, store, _ := startManager(t, cfg, engine)

	tk, err := mgr.Submit(KindMerge, "clip.mp4", "song.mp3", videoPath, audioPath)
	require.NoError(t, err)

	done := waitForTerminal(t, store, tk.ID)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Equal(t, "ffmpeg failed: exit status 1", done.Error)
	assert.Empty(t, done.OutputFile)

	// No artifact, and the temp inputs are still cleaned up.
	entries, err := os.ReadDir(cfg.OutputDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Eventually(t, func() bool {
		_, errV := os.Stat(videoPath)
		return os.IsNotExist(errV)
	}, time.Second, 10*time.Millisecond)
}

func TestManager_ProbeFailure(t *testing.T) {
	cfg := testConfig(t)
	videoPath, audioPath := writeInputs(t, cfg.TempDir)
	engine := &mockEngine{probeErr: errors.New("moov atom not found")}
	mgr, store, _ := startManager(t, cfg, engine)

	tk, err := mgr.Submit(KindMerge, "clip.mp4", "song.mp3", videoPath, audioPath)
	require.NoError(t, err)

	done := waitForTerminal(t, store, tk.ID)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Contains(t, done.Error, "moov atom not found")
}

func TestManager_ZeroDurationRejected(t *testing.T) {
	cfg := testConfig(t)
	videoPath, audioPath := writeInputs(t, cfg.TempDir)
	engine := &mockEngine{durations: map[string]float64{
		videoPath: 0,
		audioPath: 20,
	}}
	mgr, store, _ := startManager(t, cfg, engine)

	tk, err := mgr.Submit(KindMerge, "clip.mp4", "song.mp3", videoPath, audioPath)
	require.NoError(t, err)

	done := waitForTerminal(t, store, tk.ID)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Contains(t, done.Error, "invalid clip durations")
}

func TestManager_ResourceThrottle(t *testing.T) {
	cfg := testConfig(t)
	videoPath, audioPath := writeInputs(t, cfg.TempDir)
	engine := &mockEngine{resourceErr: errors.New("not enough free memory")}
	mgr, store, _ := startManager(t, cfg, engine)

	tk, err := mgr.Submit(KindMerge, "clip.mp4", "song.mp3", videoPath, audioPath)
	require.NoError(t, err)

	done := waitForTerminal(t, store, tk.ID)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Contains(t, done.Error, "insufficient system resources")
}

func TestManager_RetentionRunsAfterSuccess(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxOutputFiles = 2

	store := NewStore(NewMemoryBackend())
	retention := NewRetention(cfg.OutputDir, store, cfg.MaxOutputFiles)

	// Pre-existing old artifacts with records, over the limit once the new
	// task's artifact lands.
	for i := 0; i < 2; i++ {
		id := fmt.Sprintf("old%d", i)
		path := filepath.Join(cfg.OutputDir, fmt.Sprintf("merged_%s.mp4", id))
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
		ts := time.Now().Add(-time.Duration(i+1) * time.Hour)
		require.NoError(t, os.Chtimes(path, ts, ts))
		require.NoError(t, store.Create(newTestTask(id, KindMerge)))
	}

	videoPath, audioPath := writeInputs(t, cfg.TempDir)
	engine := &mockEngine{durations: map[string]float64{videoPath: 5, audioPath: 5}}
	mgr := NewManager(cfg, store, retention, engine)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	mgr.Start(ctx)

	tk, err := mgr.Submit(KindMerge, "clip.mp4", "song.mp3", videoPath, audioPath)
	require.NoError(t, err)

	done := waitForTerminal(t, store, tk.ID)
	require.Equal(t, StatusSuccess, done.Status)

	// The oldest artifact and its record are evicted; the new one survives.
	assert.Eventually(t, func() bool {
		entries, err := os.ReadDir(cfg.OutputDir)
		return err == nil && len(entries) == 2
	}, 2*time.Second, 10*time.Millisecond)

	_, ok := store.Get("old1")
	assert.False(t, ok)
	_, ok = store.Get(tk.ID)
	assert.True(t, ok)
}

// successWriteFailBackend rejects writes of success records, simulating a
// storage failure at the terminal transition.
type successWriteFailBackend struct {
	*MemoryBackend
}

func (b *successWriteFailBackend) Write(t *Task) error {
	if t.Status == StatusSuccess {
		return errors.New("disk full")
	}
	return b.MemoryBackend.Write(t)
}

// logCapture is a concurrency-safe sink for the global logger.
type logCapture struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *logCapture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *logCapture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func TestManager_TerminalWriteFailureIsLogged(t *testing.T) {
	captured := &logCapture{}
	log.SetOutput(captured)
	defer log.SetOutput(os.Stderr)

	cfg := testConfig(t)
	videoPath, audioPath := writeInputs(t, cfg.TempDir)
	engine := &mockEngine{durations: map[string]float64{videoPath: 10, audioPath: 10}}

	store := NewStore(&successWriteFailBackend{MemoryBackend: NewMemoryBackend()})
	retention := NewRetention(cfg.OutputDir, store, cfg.MaxOutputFiles)
	mgr := NewManager(cfg, store, retention, engine)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	mgr.Start(ctx)

	tk, err := mgr.Submit(KindMerge, "clip.mp4", "song.mp3", videoPath, audioPath)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return strings.Contains(captured.String(), "failed to persist completion")
	}, 2*time.Second, 10*time.Millisecond)

	// The record never claims a success that could not be persisted.
	got, ok := store.Get(tk.ID)
	require.True(t, ok)
	assert.Equal(t, StatusProcessing, got.Status)

	// The artifact itself was still written.
	_, err = os.Stat(filepath.Join(cfg.OutputDir, fmt.Sprintf("merged_%s.mp4", tk.ID)))
	assert.NoError(t, err)
}

func TestManager_StatusNeverRegresses(t *testing.T) {
	cfg := testConfig(t)
	videoPath, audioPath := writeInputs(t, cfg.TempDir)
	engine := &mockEngine{durations: map[string]float64{videoPath: 10, audioPath: 10}}
	mgr, store, _ := startManager(t, cfg, engine)

	tk, err := mgr.Submit(KindMerge, "clip.mp4", "song.mp3", videoPath, audioPath)
	require.NoError(t, err)

	rank := map[Status]int{
		StatusPending:    0,
		StatusProcessing: 1,
		StatusSuccess:    2,
		StatusFailed:     2,
	}

	last := -1
	require.Eventually(t, func() bool {
		got, ok := store.Get(tk.ID)
		if !ok {
			return false
		}
		r := rank[got.Status]
		require.GreaterOrEqual(t, r, last, "status regressed")
		last = r
		return got.Status.Terminal()
	}, 2*time.Second, 5*time.Millisecond)
}
