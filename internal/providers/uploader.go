package providers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Uploader stores generated artifacts and returns their URL.
type Uploader interface {
	UploadBytes(ctx context.Context, objectPath string, contentType string, data []byte) (string, error)
}

type localUploader struct {
	rootDir string
}

func NewLocalUploader(rootDir string) Uploader {
	return &localUploader{rootDir: rootDir}
}

func (u *localUploader) UploadBytes(ctx context.Context, objectPath string, contentType string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	clean := filepath.Clean("/" + objectPath)
	if clean == "/" || strings.HasSuffix(objectPath, "/") {
		return "", fmt.Errorf("invalid object path %q", objectPath)
	}
	dst := filepath.Join(u.rootDir, clean)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("publish artifact: %w", err)
	}
	abs, _ := filepath.Abs(dst)
	return "file://" + abs, nil
}
