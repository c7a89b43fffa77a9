package api

import (
	"path/filepath"
	"strings"
)

var (
	videoExtensions = []string{".mp4", ".avi", ".mov", ".mkv", ".wmv", ".flv"}
	audioExtensions = []string{".mp3", ".wav", ".aac", ".m4a", ".ogg", ".flac"}
)

const (
	defaultVideoExt = ".mp4"
	defaultAudioExt = ".mp3"
)

func extSupported(ext string, allowed []string) bool {
	for _, a := range allowed {
		if ext == a {
			return true
		}
	}
	return false
}

// normalizeFilename coerces a missing or unsupported extension to the
// default: "clip" becomes "clip.mp4", "clip.xyz" becomes "clip.mp4". Only the
// /merge route uses this lenient path.
func normalizeFilename(name, fallbackStem string, allowed []string, defaultExt string) (filename, ext string) {
	if name == "" {
		name = fallbackStem
	}
	ext = strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return name + defaultExt, defaultExt
	}
	if !extSupported(ext, allowed) {
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		return stem + defaultExt, defaultExt
	}
	return name, ext
}

// requireExt validates strictly: the extension must be on the allow-list.
func requireExt(name string, allowed []string) (ext string, ok bool) {
	ext = strings.ToLower(filepath.Ext(name))
	return ext, extSupported(ext, allowed)
}
