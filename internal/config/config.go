package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// DevicePolicy controls what happens when GPU acceleration is requested.
type DevicePolicy string

const (
	// PolicyAuto falls back to CPU when no GPU is available. The
	// downgrade is logged, never silent.
	PolicyAuto DevicePolicy = "auto"
	// PolicyRequire fails transcription when no GPU is available.
	PolicyRequire DevicePolicy = "require"
	// PolicyCPU never touches the GPU.
	PolicyCPU DevicePolicy = "cpu"
)

type Config struct {
	Host              string
	Port              int
	OutputDir         string
	TempDir           string
	FFmpegPath        string // explicit override, empty = auto-discover
	FFmpegDownloadURL string
	ModelSize         string
	DevicePolicy      DevicePolicy
	MaxWorkers        int
	QueueSize         int
	MaxUploadBytes    int64
	ExtractTimeout    time.Duration
	CORSOrigins       []string
	RateLimit         int
	RateWindow        time.Duration
}

// defaultFFmpegDownloadURL points at the BtbN static builds used as the
// last-resort ffmpeg source when nothing is installed locally.
const defaultFFmpegDownloadURL = "https://github.com/BtbN/FFmpeg-Builds/releases/download/latest/ffmpeg-master-latest-win64-gpl.zip"

func Load() *Config {
	// .env is optional; real env always wins.
	if err := godotenv.Load(); err == nil {
		logrus.Debug("loaded configuration from .env")
	}

	port, _ := strconv.Atoi(getEnv("PORT", "8000"))
	dataDir := getEnv("DATA_DIR", ".")

	policy := DevicePolicy(strings.ToLower(getEnv("DEVICE_POLICY", string(PolicyAuto))))
	switch policy {
	case PolicyAuto, PolicyRequire, PolicyCPU:
	default:
		logrus.WithField("device_policy", policy).Warn("unknown DEVICE_POLICY, using auto")
		policy = PolicyAuto
	}

	maxWorkers, _ := strconv.Atoi(getEnv("MAX_WORKERS", "2"))
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	queueSize, _ := strconv.Atoi(getEnv("QUEUE_SIZE", "8"))
	if queueSize < 0 {
		queueSize = 0
	}
	maxUploadMB, _ := strconv.ParseInt(getEnv("MAX_UPLOAD_MB", "2048"), 10, 64)

	extractTimeout := 300 * time.Second
	if v := os.Getenv("EXTRACT_TIMEOUT_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			extractTimeout = time.Duration(secs) * time.Second
		}
	}

	corsOrigins := []string{"*"}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		origins := strings.Split(v, ",")
		corsOrigins = make([]string, 0, len(origins))
		for _, o := range origins {
			o = strings.TrimSpace(o)
			if o != "" {
				corsOrigins = append(corsOrigins, o)
			}
		}
	}

	rateLimit, _ := strconv.Atoi(getEnv("RATE_LIMIT", "30"))
	rateWindow := time.Minute
	if v := os.Getenv("RATE_WINDOW_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			rateWindow = time.Duration(secs) * time.Second
		}
	}

	return &Config{
		Host:              getEnv("HOST", "0.0.0.0"),
		Port:              port,
		OutputDir:         getEnv("OUTPUT_DIR", filepath.Join(dataDir, "output")),
		TempDir:           getEnv("TEMP_DIR", filepath.Join(dataDir, "temp")),
		FFmpegPath:        os.Getenv("FFMPEG_PATH"),
		FFmpegDownloadURL: getEnv("FFMPEG_DOWNLOAD_URL", defaultFFmpegDownloadURL),
		ModelSize:         getEnv("MODEL_SIZE", "base"),
		DevicePolicy:      policy,
		MaxWorkers:        maxWorkers,
		QueueSize:         queueSize,
		MaxUploadBytes:    maxUploadMB * 1024 * 1024,
		ExtractTimeout:    extractTimeout,
		CORSOrigins:       corsOrigins,
		RateLimit:         rateLimit,
		RateWindow:        rateWindow,
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
