package api

import (
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"avmerge/config"
	"avmerge/task"
	"github.com/gin-gonic/gin"
	"github.com/lithammer/shortuuid/v4"
	"github.com/shirou/gopsutil/v3/disk"
)

// uploadChunkSize is the copy buffer for streaming multipart bodies to disk.
const uploadChunkSize = 1 << 20

type Handler struct {
	manager   *task.Manager
	store     *task.Store
	retention *task.Retention
	cfg       *config.Config
}

func NewHandler(m *task.Manager, store *task.Store, retention *task.Retention, cfg *config.Config) *Handler {
	return &Handler{
		manager:   m,
		store:     store,
		retention: retention,
		cfg:       cfg,
	}
}

// upload is one validated input file ready to be written to temp storage.
type upload struct {
	header   *multipart.FileHeader
	filename string
	ext      string
}

// resolveUploads pulls the two multipart files out of the request and applies
// extension policy. When coerce is set (the /merge route), missing or
// unsupported extensions fall back to the defaults instead of rejecting;
// the other routes reject outright.
func (h *Handler) resolveUploads(c *gin.Context, coerce bool) (video, audio upload, ok bool) {
	videoHeader, err := c.FormFile("video_file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "video_file is required"})
		return upload{}, upload{}, false
	}
	audioHeader, err := c.FormFile("audio_file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "audio_file is required"})
		return upload{}, upload{}, false
	}

	video = upload{header: videoHeader, filename: videoHeader.Filename}
	audio = upload{header: audioHeader, filename: audioHeader.Filename}

	if coerce {
		video.filename, video.ext = normalizeFilename(video.filename, "video", videoExtensions, defaultVideoExt)
		audio.filename, audio.ext = normalizeFilename(audio.filename, "audio", audioExtensions, defaultAudioExt)
	} else {
		video.ext, ok = requireExt(video.filename, videoExtensions)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Unsupported video format. Supported formats: %v", videoExtensions)})
			return upload{}, upload{}, false
		}
		audio.ext, ok = requireExt(audio.filename, audioExtensions)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Unsupported audio format. Supported formats: %v", audioExtensions)})
			return upload{}, upload{}, false
		}
	}

	// The coercing path can still end up unsupported only through a bug in
	// the defaults; reject rather than hand ffmpeg an unknown container.
	if !extSupported(video.ext, videoExtensions) {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Unsupported video format. Supported formats: %v", videoExtensions)})
		return upload{}, upload{}, false
	}
	if !extSupported(audio.ext, audioExtensions) {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Unsupported audio format. Supported formats: %v", audioExtensions)})
		return upload{}, upload{}, false
	}

	return video, audio, true
}

// saveUpload streams a multipart file to dst in fixed-size chunks, enforcing
// the configured input size cap.
func (h *Handler) saveUpload(header *multipart.FileHeader, dst string) error {
	src, err := header.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	limited := io.LimitReader(src, h.cfg.MaxInputSize+1)
	written, err := io.CopyBuffer(out, limited, make([]byte, uploadChunkSize))
	if err != nil {
		return err
	}
	if written > h.cfg.MaxInputSize {
		return fmt.Errorf("input file exceeds size limit of %d bytes", h.cfg.MaxInputSize)
	}
	return out.Close()
}

// createTask is the shared body of the three combine routes.
func (h *Handler) createTask(c *gin.Context, kind task.Kind, coerce bool) {
	video, audio, ok := h.resolveUploads(c, coerce)
	if !ok {
		return
	}

	// Temp inputs are namespaced by a fresh ID so concurrent requests never
	// collide on disk.
	uploadID := shortuuid.New()
	videoPath := filepath.Join(h.cfg.TempDir, fmt.Sprintf("video_%s%s", uploadID, video.ext))
	audioPath := filepath.Join(h.cfg.TempDir, fmt.Sprintf("audio_%s%s", uploadID, audio.ext))

	cleanup := func() {
		os.Remove(videoPath)
		os.Remove(audioPath)
	}

	if err := h.saveUpload(video.header, videoPath); err != nil {
		cleanup()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error creating task: " + err.Error()})
		return
	}
	if err := h.saveUpload(audio.header, audioPath); err != nil {
		cleanup()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error creating task: " + err.Error()})
		return
	}

	t, err := h.manager.Submit(kind, video.filename, audio.filename, videoPath, audioPath)
	if err != nil {
		cleanup()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error creating task: " + err.Error()})
		return
	}

	log.Printf("Task %s (%s) created for video %q, audio %q", t.ID, kind, video.filename, audio.filename)

	c.JSON(http.StatusOK, gin.H{
		"task_id":    t.ID,
		"status":     t.Status,
		"message":    "Task created successfully. Use /task/{task_id}/status to check progress.",
		"created_at": t.CreatedAt,
	})
}

func (h *Handler) handleMerge(c *gin.Context) {
	h.createTask(c, task.KindMerge, true)
}

func (h *Handler) handleReplaceAudio(c *gin.Context) {
	h.createTask(c, task.KindReplaceAudio, false)
}

func (h *Handler) handleLoopVideo(c *gin.Context) {
	h.createTask(c, task.KindLoopVideo, false)
}

func (h *Handler) handleTaskStatus(c *gin.Context) {
	t, ok := h.store.Get(c.Param("taskId"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}
	c.JSON(http.StatusOK, t)
}

// handleDownload serves the artifact when the task succeeded, otherwise the
// status projection, so callers can poll one endpoint until the file arrives.
func (h *Handler) handleDownload(c *gin.Context) {
	t, ok := h.store.Get(c.Param("taskId"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}

	if t.Status != task.StatusSuccess {
		c.JSON(http.StatusOK, t)
		return
	}
	if t.OutputFile == "" {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Output file not recorded on task"})
		return
	}

	outputPath := filepath.Join(h.cfg.OutputDir, filepath.Base(t.OutputFile))
	if _, err := os.Stat(outputPath); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Output file not found on disk"})
		return
	}

	c.Header("Content-Type", "video/mp4")
	c.FileAttachment(outputPath, t.OutputFile)
}

func (h *Handler) handleListTasks(c *gin.Context) {
	limit := 10
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	status := task.Status(c.Query("status"))
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status filter"})
		return
	}

	tasks, err := h.store.List(limit, status)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list tasks: " + err.Error()})
		return
	}

	all, err := h.store.List(0, status)
	if err != nil {
		log.Printf("Failed to count tasks for listing: %v", err)
	}
	c.JSON(http.StatusOK, gin.H{
		"tasks":         tasks,
		"total":         len(all),
		"limit":         limit,
		"filter_status": status,
	})
}

func (h *Handler) handleCleanup(c *gin.Context) {
	before, err := h.retention.Count()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Cleanup failed: " + err.Error()})
		return
	}

	deleted := h.retention.Enforce()

	c.JSON(http.StatusOK, gin.H{
		"status":          "success",
		"message":         "Cleanup completed successfully",
		"files_before":    before,
		"files_after":     before - deleted,
		"files_deleted":   deleted,
		"max_files_limit": h.retention.Limit(),
		"timestamp":       time.Now(),
	})
}

// handleMaxFiles updates the retention bound in place. A lower bound than the
// current artifact count triggers immediate enforcement; an internal error
// rolls the bound back.
func (h *Handler) handleMaxFiles(c *gin.Context) {
	raw := c.Query("max_files")
	maxFiles, err := strconv.Atoi(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "max_files must be an integer"})
		return
	}
	if maxFiles < task.MinOutputFiles {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("max_files must be at least %d", task.MinOutputFiles)})
		return
	}
	if maxFiles > task.MaxOutputFiles {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("max_files cannot exceed %d", task.MaxOutputFiles)})
		return
	}

	oldLimit := h.retention.SetLimit(maxFiles)

	current, err := h.retention.Count()
	if err != nil {
		h.retention.SetLimit(oldLimit)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update limit: " + err.Error()})
		return
	}

	cleanupTriggered := current > maxFiles
	if cleanupTriggered {
		deleted := h.retention.Enforce()
		current -= deleted
	}

	log.Printf("Updated max output files from %d to %d", oldLimit, maxFiles)

	c.JSON(http.StatusOK, gin.H{
		"status":            "success",
		"message":           fmt.Sprintf("Maximum files limit updated from %d to %d", oldLimit, maxFiles),
		"old_limit":         oldLimit,
		"new_limit":         maxFiles,
		"current_files":     current,
		"cleanup_triggered": cleanupTriggered,
		"timestamp":         time.Now(),
	})
}

func (h *Handler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"message":   "API is running",
		"timestamp": time.Now(),
	})
}

func (h *Handler) handleInfo(c *gin.Context) {
	outputFiles, err := h.retention.Count()
	if err != nil {
		log.Printf("Failed to count output files for stats: %v", err)
	}
	tempFiles := countFiles(h.cfg.TempDir)

	statusCounts := map[task.Status]int{
		task.StatusPending:    0,
		task.StatusProcessing: 0,
		task.StatusSuccess:    0,
		task.StatusFailed:     0,
	}
	all, err := h.store.List(0, "")
	if err != nil {
		log.Printf("Failed to load task records for stats: %v", err)
	}
	for _, t := range all {
		statusCounts[t.Status]++
	}

	info := gin.H{
		"api":                     "Video Audio Merger API",
		"temp_files":              tempFiles,
		"output_files":            outputFiles,
		"max_output_files":        h.retention.Limit(),
		"storage_status":          fmt.Sprintf("%d/%d files", outputFiles, h.retention.Limit()),
		"total_tasks":             len(all),
		"task_status_counts":      statusCounts,
		"supported_video_formats": videoExtensions,
		"supported_audio_formats": audioExtensions,
	}
	if usage, err := disk.Usage(h.cfg.OutputDir); err == nil {
		info["disk_free_bytes"] = usage.Free
		info["disk_used_percent"] = usage.UsedPercent
	}

	c.JSON(http.StatusOK, info)
}

func (h *Handler) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "Video Audio Merger API is running!",
		"endpoints": gin.H{
			"merge":         "POST /merge - Merge video and audio files (smart duration matching)",
			"merge_replace": "POST /merge-replace-audio - Replace audio in video (smart duration matching)",
			"loop_video":    "POST /loop-video-to-audio - Loop video to match audio duration exactly",
			"task_status":   "GET /task/{task_id}/status - Get task status",
			"task_download": "GET /task/{task_id}/download - Download completed video",
			"list_tasks":    "GET /tasks - List recent tasks",
			"cleanup":       "POST /cleanup - Manually clean up old files",
			"config":        "POST /config/max-files - Update retention limit",
			"health":        "GET /health - Health check",
			"info":          "GET /info - API information and statistics",
		},
	})
}

func countFiles(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() {
			n++
		}
	}
	return n
}
