package weights

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/inpaint-labs/inpaint-runner/pkg/logging"
)

// ErrOfflineOnly indicates that a weight artifact is absent from the local
// store and the runner is configured to never touch the network.
var ErrOfflineOnly = errors.New("weights not cached locally and offline-only mode is set")

// ErrWeightsNotFound indicates that an artifact exists neither locally nor in
// the configured registry.
var ErrWeightsNotFound = errors.New("weights not found")

// Store resolves auxiliary weight artifacts (LoRA adapters and ControlNet
// conditioning models) to local file paths, fetching them from a registry on
// first use unless offline-only mode forbids it. The checkpoint store itself
// is managed by the catalog; this store covers only the small side artifacts.
type Store struct {
	// log is the associated logger.
	log logging.Logger
	// root is the artifact cache directory.
	root string
	// client fetches artifacts on cache miss; nil means offline operation
	// regardless of the per-call flag.
	client *Client
}

// NewStore creates an artifact store rooted at root.
func NewStore(log logging.Logger, root string, client *Client) *Store {
	return &Store{log: log, root: root, client: client}
}

// localPath maps an artifact identifier to its cache path. Identifiers are
// registry-style references ("vendor/lcm-lora-sdv1-5"); path separators are
// flattened so the cache stays a single directory level.
func (s *Store) localPath(id string) string {
	flat := strings.NewReplacer("/", "_", ":", "_", "@", "_").Replace(id)
	return filepath.Join(s.root, flat+".safetensors")
}

// Cached reports whether the artifact is already resident, with its path.
func (s *Store) Cached(id string) (string, bool) {
	path := s.localPath(id)
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		return path, true
	}
	return "", false
}

// Resolve returns a local path for the artifact, fetching on miss. With
// offlineOnly set, a miss returns ErrOfflineOnly without touching the network.
func (s *Store) Resolve(ctx context.Context, id string, offlineOnly bool) (string, error) {
	if path, ok := s.Cached(id); ok {
		return path, nil
	}
	if offlineOnly || s.client == nil {
		return "", fmt.Errorf("%w: %s", ErrOfflineOnly, id)
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return "", fmt.Errorf("creating weights cache %s: %w", s.root, err)
	}
	path := s.localPath(id)
	if err := s.client.Pull(ctx, id, path); err != nil {
		return "", fmt.Errorf("pulling %s: %w", id, err)
	}
	s.log.Infof("Cached weights for %s at %s", id, path)
	return path, nil
}
