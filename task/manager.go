package task

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"avmerge/config"
	"avmerge/ffmpeg"
	"github.com/lithammer/shortuuid/v4"
)

// Engine is the external media engine as the combiner sees it: probe, render,
// encode. The real implementation shells out to ffmpeg; tests substitute it.
type Engine interface {
	CheckResources() error
	Probe(ctx context.Context, path string) (float64, error)
	RenderAudio(ctx context.Context, inPath string, loops int, target float64, outPath string) error
	Encode(ctx context.Context, videoPath, audioPath string, videoLoops int, target float64, outPath string) error
}

// job is one queued combine: the task ID plus the temp input paths the HTTP
// layer wrote. Paths are ID-namespaced, so concurrent jobs never collide.
type job struct {
	taskID    string
	kind      Kind
	videoPath string
	audioPath string
}

// Manager creates task records and drives their combine work on a bounded
// worker pool. The submitting request returns immediately; results are
// observed by polling the store.
type Manager struct {
	cfg       *config.Config
	store     *Store
	retention *Retention
	engine    Engine
	queue     chan job
	sem       chan struct{}
}

func NewManager(cfg *config.Config, store *Store, retention *Retention, engine Engine) *Manager {
	return &Manager{
		cfg:       cfg,
		store:     store,
		retention: retention,
		engine:    engine,
		queue:     make(chan job, 100),
		sem:       make(chan struct{}, cfg.MaxConcurrency),
	}
}

func (m *Manager) Start(ctx context.Context) {
	log.Println("Task manager started. Concurrency limit:", m.cfg.MaxConcurrency)
	go m.workerLoop(ctx)
}

func (m *Manager) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Println("Worker loop shutting down.")
			return
		case j := <-m.queue:
			m.sem <- struct{}{}
			go func(j job) {
				defer func() { <-m.sem }()
				m.process(ctx, j)
			}(j)
		}
	}
}

// Submit creates the pending record and schedules the combine. It returns a
// snapshot of the freshly created task.
func (m *Manager) Submit(kind Kind, videoFilename, audioFilename, videoPath, audioPath string) (*Task, error) {
	now := time.Now()
	t := &Task{
		ID:            shortuuid.New(),
		Kind:          kind,
		Status:        StatusPending,
		Message:       "Task created, waiting to start processing",
		VideoFilename: videoFilename,
		AudioFilename: audioFilename,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := m.store.Create(t); err != nil {
		return nil, err
	}

	m.queue <- job{taskID: t.ID, kind: kind, videoPath: videoPath, audioPath: audioPath}
	log.Printf("Task %s (%s) submitted to queue.", t.ID, kind)
	return t, nil
}

func policyFor(kind Kind) ffmpeg.Policy {
	switch kind {
	case KindReplaceAudio:
		return ffmpeg.PolicyReplace
	case KindLoopVideo:
		return ffmpeg.PolicyLoopExact
	default:
		return ffmpeg.PolicyMerge
	}
}

// process runs one task end to end. Every engine failure is converted into a
// terminal failed record; nothing may escape this goroutine, there is no
// caller waiting on it. Temp inputs are removed on all exit paths.
func (m *Manager) process(parentCtx context.Context, j job) {
	defer m.removeTempInputs(j)

	ctx, cancel := context.WithTimeout(parentCtx, m.cfg.FFTimeout)
	defer cancel()

	log.Printf("Task %s: processing started", j.taskID)

	if err := m.engine.CheckResources(); err != nil {
		m.fail(j.taskID, fmt.Errorf("insufficient system resources: %w", err))
		return
	}

	m.progress(j.taskID, "Loading video and audio files")

	videoDur, err := m.engine.Probe(ctx, j.videoPath)
	if err != nil {
		m.fail(j.taskID, err)
		return
	}
	audioDur, err := m.engine.Probe(ctx, j.audioPath)
	if err != nil {
		m.fail(j.taskID, err)
		return
	}
	log.Printf("Task %s: video duration %.3fs, audio duration %.3fs", j.taskID, videoDur, audioDur)

	// Degenerate inputs never reach the engine's transform primitives.
	if videoDur <= 0 || audioDur <= 0 {
		m.fail(j.taskID, fmt.Errorf("invalid clip durations: video %.3fs, audio %.3fs", videoDur, audioDur))
		return
	}

	plan, err := ffmpeg.BuildPlan(videoDur, audioDur, policyFor(j.kind))
	if err != nil {
		m.fail(j.taskID, err)
		return
	}
	m.progress(j.taskID, planMessage(plan, videoDur, audioDur))
	if plan.VideoLoops > 1 {
		log.Printf("Task %s: looping video %d times to match audio duration", j.taskID, plan.VideoLoops)
	}
	if plan.AudioLoops > 1 {
		log.Printf("Task %s: looping audio %d times to match video duration", j.taskID, plan.AudioLoops)
	}

	// The audio track goes through an intermediate file that is removed after
	// encoding regardless of outcome.
	tempAudio := filepath.Join(m.cfg.TempDir, fmt.Sprintf("temp-audio_%s.m4a", j.taskID))
	defer os.Remove(tempAudio)

	if err := m.engine.RenderAudio(ctx, j.audioPath, plan.AudioLoops, plan.Target, tempAudio); err != nil {
		m.fail(j.taskID, err)
		return
	}

	m.progress(j.taskID, "Writing combined video file")

	outputFile := fmt.Sprintf("%s_%s.mp4", j.kind.OutputPrefix(), j.taskID)
	outputPath := filepath.Join(m.cfg.OutputDir, outputFile)

	if err := m.engine.Encode(ctx, j.videoPath, tempAudio, plan.VideoLoops, plan.Target, outputPath); err != nil {
		m.fail(j.taskID, err)
		return
	}

	var fileSize int64
	if info, err := os.Stat(outputPath); err == nil {
		fileSize = info.Size()
	}

	if err := m.store.Update(j.taskID, func(t *Task) {
		t.Status = StatusSuccess
		t.Message = "Combine completed successfully"
		t.OutputFile = outputFile
		t.FileSize = fileSize
	}); err != nil {
		log.Printf("Task %s: failed to persist completion: %v", j.taskID, err)
	}
	log.Printf("Task %s: completed successfully (%s, %d bytes)", j.taskID, outputFile, fileSize)

	m.retention.Enforce()
}

func planMessage(plan ffmpeg.Plan, videoDur, audioDur float64) string {
	switch {
	case plan.VideoLoops > 1:
		return "Audio is longer - looping video to match"
	case plan.AudioLoops > 1:
		return "Video is longer - looping audio to match"
	case plan.VideoChanged(videoDur):
		return "Video is longer - trimming to match audio"
	default:
		return "Video and audio durations match"
	}
}

func (m *Manager) progress(id, message string) {
	if err := m.store.Update(id, func(t *Task) {
		t.Status = StatusProcessing
		t.Message = message
	}); err != nil {
		log.Printf("Task %s: failed to persist progress: %v", id, err)
	}
}

func (m *Manager) fail(id string, cause error) {
	log.Printf("Task %s: failed: %v", id, cause)
	if err := m.store.Update(id, func(t *Task) {
		t.Status = StatusFailed
		t.Message = "Error processing task: " + cause.Error()
		t.Error = cause.Error()
	}); err != nil {
		log.Printf("Task %s: failed to persist failure: %v", id, err)
	}
}

func (m *Manager) removeTempInputs(j job) {
	for _, path := range []string{j.videoPath, j.audioPath} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("Task %s: error cleaning up temp file %s: %v", j.taskID, path, err)
		}
	}
}
