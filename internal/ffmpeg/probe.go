package ffmpeg

import (
	"context"
	"strconv"
	"strings"
)

// fallbackDurationSeconds is assumed when a file cannot be probed, so a
// batch estimate stays usable.
const fallbackDurationSeconds = 300

// ProbeDuration returns the media duration in seconds via ffprobe.
func (e *Extractor) ProbeDuration(ctx context.Context, path string) (float64, error) {
	result, err := e.runner.Run(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(result.Stdout), 64)
}

// EstimateBatchSeconds sums the durations of the given files, assuming
// processing runs at roughly 3x real time. Unprobeable files count as
// five minutes.
func (e *Extractor) EstimateBatchSeconds(ctx context.Context, paths []string) float64 {
	var total float64
	for _, p := range paths {
		d, err := e.ProbeDuration(ctx, p)
		if err != nil || d <= 0 {
			d = fallbackDurationSeconds
		}
		total += d
	}
	return total / 3
}
