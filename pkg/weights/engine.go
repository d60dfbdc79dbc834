package weights

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/platforms"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	// engineMediaType is the layer media type carrying a native engine
	// library build.
	engineMediaType = "application/vnd.inpaint.engine.v1.library"
	// enginePlatformAnnotation names the layer annotation carrying the
	// platform a build targets ("linux/amd64", "darwin/arm64", ...).
	enginePlatformAnnotation = "io.inpaint.engine.platform"
	// defaultEngineRef is the multi-platform engine artifact reference.
	defaultEngineRef = "engine/sdcpp:latest"
)

// engineLibraryPath maps the host platform to the engine library cache path.
func (s *Store) engineLibraryPath() string {
	spec := platforms.DefaultSpec()
	flat := strings.ReplaceAll(platforms.Format(spec), "/", "-")
	return filepath.Join(s.root, "engine", "libsd-"+flat)
}

// EngineLibrary returns a local path to the native engine library for the
// host platform, fetching the engine artifact on first use. The artifact is a
// multi-platform OCI image with one library layer per supported platform;
// the layer matching the host is selected by annotation.
func (s *Store) EngineLibrary(ctx context.Context, offlineOnly bool) (string, error) {
	path := s.engineLibraryPath()
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		return path, nil
	}
	if offlineOnly || s.client == nil {
		return "", fmt.Errorf("%w: engine library", ErrOfflineOnly)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating engine cache: %w", err)
	}
	if err := s.client.PullEngine(ctx, defaultEngineRef, path); err != nil {
		return "", fmt.Errorf("pulling engine library: %w", err)
	}
	s.log.Infof("Cached engine library at %s", path)
	return path, nil
}

// PullEngine fetches the engine library layer matching the host platform from
// the multi-platform artifact referenced by id.
func (c *Client) PullEngine(ctx context.Context, id, destination string) error {
	ref, err := name.ParseReference(id, name.WithDefaultRegistry(defaultRegistry))
	if err != nil {
		return fmt.Errorf("parsing reference %q: %w", id, err)
	}
	opts := c.remoteOptions(ctx)
	return c.withRetry(ctx, id, func() error {
		return c.pullEngineOnce(ref, destination, opts)
	})
}

func (c *Client) pullEngineOnce(ref name.Reference, destination string, opts []remote.Option) error {
	img, err := remote.Image(ref, opts...)
	if err != nil {
		return fmt.Errorf("resolving manifest: %w", err)
	}
	manifest, err := img.Manifest()
	if err != nil {
		return fmt.Errorf("reading manifest: %w", err)
	}
	if mt := string(manifest.MediaType); mt != "" && mt != ocispec.MediaTypeImageManifest {
		return fmt.Errorf("unexpected manifest media type %s for %s", mt, ref)
	}

	host := platforms.DefaultSpec()
	matcher := platforms.Only(host)
	for _, desc := range manifest.Layers {
		if string(desc.MediaType) != engineMediaType {
			continue
		}
		target, err := platforms.Parse(desc.Annotations[enginePlatformAnnotation])
		if err != nil {
			c.log.Warnf("Skipping engine layer with bad platform annotation %q: %v",
				desc.Annotations[enginePlatformAnnotation], err)
			continue
		}
		if !matcher.Match(target) {
			continue
		}
		layer, err := img.LayerByDigest(desc.Digest)
		if err != nil {
			return fmt.Errorf("resolving engine layer: %w", err)
		}
		return c.downloadLayer(layer, destination)
	}
	return fmt.Errorf("%w: no engine build for %s in %s", ErrWeightsNotFound, platforms.Format(host), ref)
}
