package task

import (
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Valid reports whether s is one of the known status values.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

// Kind identifies which combine operation a task performs.
type Kind string

const (
	KindMerge        Kind = "merge"
	KindReplaceAudio Kind = "replace_audio"
	KindLoopVideo    Kind = "loop_video"
)

// OutputPrefix returns the filename prefix used for this kind's artifacts.
func (k Kind) OutputPrefix() string {
	switch k {
	case KindReplaceAudio:
		return "replaced_audio"
	case KindLoopVideo:
		return "looped"
	default:
		return "merged"
	}
}

// Task is one unit of asynchronous combine work. The record is created in
// pending state by the manager, mutated only by the processing pipeline, and
// removed only by retention enforcement.
type Task struct {
	ID            string    `json:"task_id"`
	Kind          Kind      `json:"type"`
	Status        Status    `json:"status"`
	Message       string    `json:"message,omitempty"`
	VideoFilename string    `json:"video_filename,omitempty"`
	AudioFilename string    `json:"audio_filename,omitempty"`
	OutputFile    string    `json:"output_file,omitempty"`
	FileSize      int64     `json:"file_size,omitempty"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// clone returns a copy so callers never share the store's instance.
func (t *Task) clone() *Task {
	c := *t
	return &c
}
