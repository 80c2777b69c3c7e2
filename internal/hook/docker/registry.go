package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/forgehook/forgehook/internal/common/logger"
)

const (
	defaultAuthBase     = "https://auth.docker.io"
	defaultRegistryBase = "https://registry-1.docker.io"

	manifestAccept = "application/vnd.docker.distribution.manifest.v2+json," +
		"application/vnd.docker.distribution.manifest.list.v2+json," +
		"application/vnd.oci.image.manifest.v1+json," +
		"application/vnd.oci.image.index.v1+json"
)

// RegistryClient resolves image manifest digests against a Docker Registry v2
// API without pulling the image.
type RegistryClient struct {
	authBase     string
	registryBase string
	httpClient   *http.Client
	group        singleflight.Group
	logger       *logger.Logger
}

// NewRegistryClient creates a registry client against Docker Hub.
func NewRegistryClient(log *logger.Logger) *RegistryClient {
	return &RegistryClient{
		authBase:     defaultAuthBase,
		registryBase: defaultRegistryBase,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		logger:       log,
	}
}

// NewRegistryClientWithBases creates a registry client against explicit auth
// and registry endpoints. Used by tests.
func NewRegistryClientWithBases(authBase, registryBase string, log *logger.Logger) *RegistryClient {
	c := NewRegistryClient(log)
	c.authBase = authBase
	c.registryBase = registryBase
	return c
}

// ManifestDigest returns the registry digest for repo:tag. Concurrent lookups
// for the same ref share one request.
func (r *RegistryClient) ManifestDigest(ctx context.Context, repo, tag string) (string, error) {
	if tag == "" {
		tag = "latest"
	}
	key := repo + ":" + tag

	digest, err, _ := r.group.Do(key, func() (any, error) {
		return r.fetchDigest(ctx, repo, tag)
	})
	if err != nil {
		return "", err
	}
	return digest.(string), nil
}

func (r *RegistryClient) fetchDigest(ctx context.Context, repo, tag string) (string, error) {
	name := normalizeRepo(repo)

	token, err := r.fetchToken(ctx, name)
	if err != nil {
		return "", err
	}

	manifestURL := fmt.Sprintf("%s/v2/%s/manifests/%s", r.registryBase, name, tag)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build manifest request: %w", err)
	}
	req.Header.Set("Accept", manifestAccept)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("manifest request failed for %s:%s: %w", name, tag, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("manifest request for %s:%s returned %d", name, tag, resp.StatusCode)
	}

	digest := resp.Header.Get("Docker-Content-Digest")
	if digest == "" {
		return "", fmt.Errorf("registry returned no digest for %s:%s", name, tag)
	}

	r.logger.Debug("Resolved manifest digest",
		zap.String("repo", name),
		zap.String("tag", tag),
		zap.String("digest", digest))
	return digest, nil
}

func (r *RegistryClient) fetchToken(ctx context.Context, name string) (string, error) {
	tokenURL := fmt.Sprintf("%s/token?service=registry.docker.io&scope=%s",
		r.authBase, url.QueryEscape("repository:"+name+":pull"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token request returned %d", resp.StatusCode)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	return body.Token, nil
}

// normalizeRepo expands bare Docker Hub names to the library namespace.
func normalizeRepo(repo string) string {
	if !strings.Contains(repo, "/") {
		return "library/" + repo
	}
	return repo
}
