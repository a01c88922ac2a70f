package ffmpeg

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// downloadPrebuilt fetches a prebuilt ffmpeg archive, extracts the
// binary, and installs it under destDir for reuse by later runs.
func downloadPrebuilt(ctx context.Context, url, destDir string) (string, error) {
	if destDir == "" {
		destDir = "."
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}

	binName := "ffmpeg"
	if runtime.GOOS == "windows" {
		binName = "ffmpeg.exe"
	}
	target := filepath.Join(destDir, binName)

	// A previous run may already have installed the binary.
	if _, err := os.Stat(target); err == nil {
		return target, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download ffmpeg: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download ffmpeg: unexpected status %s", resp.Status)
	}

	archivePath := filepath.Join(destDir, "ffmpeg-download.zip")
	out, err := os.Create(archivePath)
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}
	written, err := io.Copy(out, resp.Body)
	closeErr := out.Close()
	if err != nil {
		os.Remove(archivePath)
		return "", fmt.Errorf("write archive: %w", err)
	}
	if closeErr != nil {
		os.Remove(archivePath)
		return "", fmt.Errorf("write archive: %w", closeErr)
	}
	logrus.WithFields(logrus.Fields{
		"bytes": written,
		"path":  archivePath,
	}).Info("ffmpeg archive downloaded")

	defer os.Remove(archivePath)

	if err := extractBinaryFromZip(archivePath, binName, target); err != nil {
		return "", err
	}
	return target, nil
}

// extractBinaryFromZip finds the named executable anywhere inside the
// archive and writes it to target with execute permission.
func extractBinaryFromZip(archivePath, binName, target string) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer reader.Close()

	for _, f := range reader.File {
		if f.FileInfo().IsDir() || filepath.Base(f.Name) != binName {
			continue
		}
		// Reject entries escaping the archive root.
		if strings.Contains(f.Name, "..") {
			continue
		}

		src, err := f.Open()
		if err != nil {
			return fmt.Errorf("open archive entry: %w", err)
		}
		dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0755)
		if err != nil {
			src.Close()
			return fmt.Errorf("create binary: %w", err)
		}
		_, err = io.Copy(dst, src)
		src.Close()
		if closeErr := dst.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			os.Remove(target)
			return fmt.Errorf("extract binary: %w", err)
		}
		return nil
	}

	return fmt.Errorf("archive does not contain %s", binName)
}
