package tui

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// videoExtensions lists the container formats offered for batch
// processing when a directory is selected.
var videoExtensions = map[string]bool{
	".mp4":  true,
	".avi":  true,
	".mov":  true,
	".wmv":  true,
	".flv":  true,
	".mkv":  true,
	".webm": true,
	".m4v":  true,
	".3gp":  true,
}

func IsVideoFile(path string) bool {
	return videoExtensions[strings.ToLower(filepath.Ext(path))]
}

// ScanVideos resolves a user-entered path into the list of video files
// to process. A file path yields itself; a directory is walked
// recursively and the matches returned in stable order.
func ScanVideos(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("input path: %w", err)
	}

	if !info.IsDir() {
		if !IsVideoFile(path) {
			return nil, fmt.Errorf("not a recognized video file: %s", filepath.Base(path))
		}
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, werr error) error {
		if werr != nil {
			return werr
		}
		if !d.IsDir() && IsVideoFile(p) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan directory: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no video files found under %s", path)
	}
	sort.Strings(files)
	return files, nil
}

// outputStem derives the transcript base name from the video filename.
func outputStem(videoPath string) string {
	base := filepath.Base(videoPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
