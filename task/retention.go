package task

import (
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Retention bound limits, matching the runtime reconfiguration contract.
const (
	MinOutputFiles = 1
	MaxOutputFiles = 100
)

var outputPrefixes = []string{
	KindMerge.OutputPrefix() + "_",
	KindReplaceAudio.OutputPrefix() + "_",
	KindLoopVideo.OutputPrefix() + "_",
}

// Retention enforces the bounded artifact count: whenever the output
// directory holds more than the configured number of files, the oldest
// artifacts and their task records are deleted. It owns the mutable bound;
// all reads and writes go through its accessors.
type Retention struct {
	mu       sync.Mutex
	maxFiles int

	outputDir string
	store     *Store
}

func NewRetention(outputDir string, store *Store, maxFiles int) *Retention {
	if maxFiles < MinOutputFiles || maxFiles > MaxOutputFiles {
		maxFiles = 10
	}
	return &Retention{
		maxFiles:  maxFiles,
		outputDir: outputDir,
		store:     store,
	}
}

func (r *Retention) Limit() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxFiles
}

// SetLimit updates the bound and returns the previous value. The caller
// validates the range; out-of-range values are rejected there so the old
// limit stays observable for the rollback path.
func (r *Retention) SetLimit(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.maxFiles
	r.maxFiles = n
	return old
}

type outputFile struct {
	name    string
	modTime time.Time
}

// Count returns the current number of output artifacts.
func (r *Retention) Count() (int, error) {
	files, err := r.listOutputs()
	return len(files), err
}

func (r *Retention) listOutputs() ([]outputFile, error) {
	entries, err := os.ReadDir(r.outputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	files := make([]outputFile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, outputFile{name: e.Name(), modTime: info.ModTime()})
	}
	return files, nil
}

// Enforce deletes every artifact beyond the newest maxFiles, along with each
// deleted artifact's task record. Deletions are best-effort: one failure is
// logged and the rest still proceed. Returns the number of artifacts deleted.
// Calling with nothing over the limit is a no-op.
func (r *Retention) Enforce() int {
	limit := r.Limit()
	files, err := r.listOutputs()
	if err != nil {
		log.Printf("Retention: cannot read output directory %s: %v", r.outputDir, err)
		return 0
	}
	if len(files) <= limit {
		log.Printf("Retention: no cleanup needed, %d/%d files", len(files), limit)
		return 0
	}

	// Newest first; everything past the limit goes.
	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.After(files[j].modTime)
	})

	deleted := 0
	for _, f := range files[limit:] {
		path := filepath.Join(r.outputDir, f.name)
		if err := os.Remove(path); err != nil {
			log.Printf("Retention: failed to delete %s: %v", f.name, err)
			continue
		}
		deleted++
		log.Printf("Retention: deleted old output file %s", f.name)

		if id, ok := taskIDFromOutput(f.name); ok {
			if err := r.store.Delete(id); err != nil {
				log.Printf("Retention: failed to delete task record %s: %v", id, err)
			} else {
				log.Printf("Retention: deleted task record %s", id)
			}
		}
	}

	log.Printf("Retention: cleanup done, kept %d newest files, deleted %d", limit, deleted)
	return deleted
}

// taskIDFromOutput recovers the task ID from an artifact filename of the form
// {prefix}_{task_id}.{ext}.
func taskIDFromOutput(name string) (string, bool) {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	for _, prefix := range outputPrefixes {
		if strings.HasPrefix(stem, prefix) {
			return strings.TrimPrefix(stem, prefix), true
		}
	}
	return "", false
}
