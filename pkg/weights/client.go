package weights

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/opencontainers/go-digest"

	"github.com/inpaint-labs/inpaint-runner/pkg/logging"
)

const (
	// defaultUserAgent identifies the runner to registries.
	defaultUserAgent = "inpaint-runner"
	// defaultRegistry hosts weight artifacts referenced without a registry.
	defaultRegistry = "registry.inpaint-labs.io"
	// weightsMediaType is the layer media type carrying safetensors blobs.
	weightsMediaType = "application/vnd.inpaint.weights.v1.safetensors"
	// pullAttempts bounds retries for transient registry failures.
	pullAttempts = 4
	// pullRetryInterval is the base delay between pull retries.
	pullRetryInterval = 2 * time.Second
)

// Client pulls weight artifacts from an OCI registry. Artifacts are published
// as single-layer images whose layer blob is the safetensors file.
type Client struct {
	log       logging.Logger
	transport http.RoundTripper
	userAgent string
	keychain  authn.Keychain
	auth      authn.Authenticator
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTransport overrides the HTTP transport.
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(c *Client) {
		if rt != nil {
			c.transport = rt
		}
	}
}

// WithAuthConfig sets static basic credentials instead of the keychain.
func WithAuthConfig(username, password string) ClientOption {
	return func(c *Client) {
		if username != "" && password != "" {
			c.auth = &authn.Basic{Username: username, Password: password}
		}
	}
}

// NewClient creates a registry client.
func NewClient(log logging.Logger, opts ...ClientOption) *Client {
	client := &Client{
		log:       log,
		transport: remote.DefaultTransport,
		userAgent: defaultUserAgent,
		keychain:  authn.DefaultKeychain,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// remoteOptions assembles the remote access options shared by all pulls.
func (c *Client) remoteOptions(ctx context.Context) []remote.Option {
	opts := []remote.Option{
		remote.WithContext(ctx),
		remote.WithTransport(c.transport),
		remote.WithUserAgent(c.userAgent),
	}
	if c.auth != nil {
		return append(opts, remote.WithAuth(c.auth))
	}
	return append(opts, remote.WithAuthFromKeychain(c.keychain))
}

// withRetry runs fn up to pullAttempts times with a linear backoff, giving up
// early on terminal errors.
func (c *Client) withRetry(ctx context.Context, what string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < pullAttempts; attempt++ {
		if attempt > 0 {
			c.log.Warnf("Retrying pull of %s after error: %v", what, lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pullRetryInterval * time.Duration(attempt)):
			}
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			break
		}
	}
	return lastErr
}

// Pull fetches the artifact referenced by id into destination, verifying the
// layer digest against the manifest.
func (c *Client) Pull(ctx context.Context, id, destination string) error {
	ref, err := name.ParseReference(id, name.WithDefaultRegistry(defaultRegistry))
	if err != nil {
		return fmt.Errorf("parsing reference %q: %w", id, err)
	}
	opts := c.remoteOptions(ctx)
	return c.withRetry(ctx, id, func() error {
		return c.pullOnce(ref, destination, opts)
	})
}

func (c *Client) pullOnce(ref name.Reference, destination string, opts []remote.Option) error {
	img, err := remote.Image(ref, opts...)
	if err != nil {
		return fmt.Errorf("resolving manifest: %w", err)
	}
	layer, err := weightsLayer(img)
	if err != nil {
		return err
	}
	return c.downloadLayer(layer, destination)
}

// downloadLayer streams a layer blob to destination, verifying it against the
// manifest digest before the file becomes visible.
func (c *Client) downloadLayer(layer v1.Layer, destination string) error {
	expected, err := layer.Digest()
	if err != nil {
		return fmt.Errorf("reading layer digest: %w", err)
	}

	blob, err := layer.Compressed()
	if err != nil {
		return fmt.Errorf("opening layer blob: %w", err)
	}
	defer blob.Close()

	tmp, err := os.CreateTemp(filepath.Dir(destination), ".pull-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	verifier := digest.Digest(expected.String()).Verifier()
	if _, err := io.Copy(io.MultiWriter(tmp, verifier), blob); err != nil {
		tmp.Close()
		return fmt.Errorf("downloading blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if !verifier.Verified() {
		return fmt.Errorf("digest mismatch (want %s)", expected)
	}
	return os.Rename(tmp.Name(), destination)
}

// weightsLayer picks the safetensors layer from the artifact, preferring the
// declared media type and falling back to the only layer for artifacts
// published by older tooling.
func weightsLayer(img v1.Image) (v1.Layer, error) {
	layers, err := img.Layers()
	if err != nil {
		return nil, fmt.Errorf("reading layers: %w", err)
	}
	for _, layer := range layers {
		mt, err := layer.MediaType()
		if err != nil {
			continue
		}
		if string(mt) == weightsMediaType {
			return layer, nil
		}
	}
	if len(layers) == 1 {
		return layers[0], nil
	}
	return nil, fmt.Errorf("%w: no weights layer in artifact", ErrWeightsNotFound)
}

// retryable reports whether a pull error is worth retrying. Authentication
// and not-found failures are terminal; transport hiccups are not.
func retryable(err error) bool {
	var terr *transport.Error
	if errors.As(err, &terr) {
		return terr.StatusCode >= 500
	}
	return true
}
