package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"avmerge/config"
	"github.com/google/shlex"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Runner drives the ffmpeg/ffprobe binaries. All codec, container and
// signal-processing work happens inside them; the runner only builds argument
// lists and supervises the processes.
type Runner struct {
	cfg       *config.Config
	extraArgs []string
}

func NewRunner(cfg *config.Config) (*Runner, error) {
	if _, err := exec.LookPath(cfg.FFBin); err != nil {
		return nil, fmt.Errorf("ffmpeg binary not found in PATH: %s", cfg.FFBin)
	}
	if _, err := exec.LookPath(cfg.FFProbeBin); err != nil {
		return nil, fmt.Errorf("ffprobe binary not found in PATH: %s", cfg.FFProbeBin)
	}

	// Extra encoder flags are split without a shell, so metacharacters in the
	// config value are never interpreted.
	extraArgs, err := shlex.Split(cfg.FFExtraArgs)
	if err != nil {
		return nil, fmt.Errorf("invalid FF_EXTRA_ARGS: %w", err)
	}

	return &Runner{cfg: cfg, extraArgs: extraArgs}, nil
}

// Probe returns the container duration of the media file in seconds.
func (r *Runner) Probe(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, r.cfg.FFProbeBin,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed for %s: %w", path, err)
	}

	dur, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable ffprobe duration %q: %w", strings.TrimSpace(string(out)), err)
	}
	return dur, nil
}

// RenderAudio encodes the audio input to an intermediate AAC file, looped to
// loops total plays and trimmed to target seconds.
func (r *Runner) RenderAudio(ctx context.Context, inPath string, loops int, target float64, outPath string) error {
	args := []string{"-y"}
	if loops > 1 {
		args = append(args, "-stream_loop", strconv.Itoa(loops-1))
	}
	args = append(args,
		"-i", inPath,
		"-t", formatSeconds(target),
		"-vn",
		"-c:a", "aac",
		"-b:a", "192k",
		outPath,
	)
	return r.run(ctx, args)
}

// Encode loops/trims the video input, attaches the already-rendered audio
// track and writes the final artifact. The audio stream is copied as-is; it
// was encoded to the output profile by RenderAudio.
func (r *Runner) Encode(ctx context.Context, videoPath, audioPath string, videoLoops int, target float64, outPath string) error {
	args := []string{"-y"}
	if videoLoops > 1 {
		args = append(args, "-stream_loop", strconv.Itoa(videoLoops-1))
	}
	args = append(args,
		"-i", videoPath,
		"-i", audioPath,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-t", formatSeconds(target),
		"-c:v", "libx264",
		"-c:a", "copy",
		"-movflags", "+faststart",
	)
	args = append(args, r.extraArgs...)
	args = append(args, outPath)

	if err := r.run(ctx, args); err != nil {
		// A failed encode leaves a partial artifact; don't let retention or
		// downloads ever see it.
		os.Remove(outPath)
		return err
	}
	return nil
}

// CheckResources verifies the host has enough headroom to start an encode.
func (r *Runner) CheckResources() error {
	p, err := cpu.Percent(time.Second, false)
	if err != nil {
		log.Printf("Warning: could not get CPU usage: %v", err)
	} else if len(p) > 0 && p[0] > (100.0-r.cfg.ThrottleCPU) {
		return fmt.Errorf("not enough idle CPU: usage %.1f%%, required idle %.1f%%", p[0], r.cfg.ThrottleCPU)
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		log.Printf("Warning: could not get memory usage: %v", err)
	} else if vm.Available < uint64(r.cfg.ThrottleMem) {
		return fmt.Errorf("not enough free memory: available %d, required %d", vm.Available, r.cfg.ThrottleMem)
	}

	d, err := disk.Usage(r.cfg.OutputDir)
	if err != nil {
		log.Printf("Warning: could not get disk usage for %s: %v", r.cfg.OutputDir, err)
	} else if d.Free < uint64(r.cfg.ThrottleDisk) {
		return fmt.Errorf("not enough free disk space: available %d, required %d", d.Free, r.cfg.ThrottleDisk)
	}
	return nil
}

func (r *Runner) run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, r.cfg.FFBin, args...)
	var outputBuf bytes.Buffer
	cmd.Stdout = &outputBuf
	cmd.Stderr = &outputBuf

	log.Printf("Executing: %s %s", r.cfg.FFBin, strings.Join(args, " "))

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg failed: %w: %s", err, tail(outputBuf.String(), 400))
	}
	return nil
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}

// tail returns the last n bytes of s; ffmpeg puts the useful diagnostics at
// the end of its output.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
