package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
)

// LocalStorage copies finished results from the runner's temporary URLs
// into a directory served under baseURL.
type LocalStorage struct {
	root    string
	baseURL string
	maxSize int64
	http    *http.Client
	logger  *zap.Logger
}

func NewLocalStorage(root, baseURL string, maxSize int64, logger *zap.Logger) (*LocalStorage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxSize <= 0 {
		maxSize = 2 << 30
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &LocalStorage{
		root:    root,
		baseURL: strings.TrimRight(baseURL, "/"),
		maxSize: maxSize,
		http:    http.DefaultClient,
		logger:  logger,
	}, nil
}

func (s *LocalStorage) Root() string { return s.root }

// Persist downloads externalRef and returns the permanent reference.
func (s *LocalStorage) Persist(ctx context.Context, taskID, externalRef string) (string, error) {
	if taskID == "" || strings.ContainsAny(taskID, `/\.`) {
		return "", fmt.Errorf("invalid task id %q", taskID)
	}
	if !strings.HasPrefix(externalRef, "http://") && !strings.HasPrefix(externalRef, "https://") {
		return "", fmt.Errorf("unsupported artifact reference %q", externalRef)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, externalRef, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("download artifact: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to download artifact, status: %s", resp.Status)
	}

	tmp, err := os.CreateTemp(s.root, taskID+"_*.part")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	// Use a LimitedReader to enforce the artifact size limit
	limited := &io.LimitedReader{R: resp.Body, N: s.maxSize + 1}
	written, err := io.Copy(tmp, limited)
	if err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if written > s.maxSize {
		return "", fmt.Errorf("artifact size exceeds limit of %d bytes", s.maxSize)
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	mt, err := mimetype.DetectReader(tmp)
	if err != nil {
		return "", fmt.Errorf("detect artifact type: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	name := taskID + mt.Extension()
	if err := os.Rename(tmp.Name(), filepath.Join(s.root, name)); err != nil {
		return "", fmt.Errorf("store artifact: %w", err)
	}
	s.logger.Info("artifact stored",
		zap.String("task_id", taskID),
		zap.String("mime", mt.String()),
		zap.Int64("bytes", written))
	return s.baseURL + "/" + name, nil
}
