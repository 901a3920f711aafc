// Package secretstore resolves credentials the controller needs at runtime
// (LLM API keys) from GCP Secret Manager when a project
// is configured, following the same fetch-then-fall-back-to-env pattern the
// controller's agentium ancestor used for its own secrets.
package secretstore

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"

	"github.com/agentium/controller/internal/config"
)

// Store resolves a named secret to its value.
type Store interface {
	Get(ctx context.Context, name string) (string, error)
	Close() error
}

// New builds the controller's secret store. With cfg.Project empty it
// resolves every name straight from the environment; otherwise it tries
// Secret Manager first and falls back to the environment if that lookup
// fails, so a misconfigured or unreachable Secret Manager never leaves the
// controller unable to start.
func New(ctx context.Context, cfg config.CloudConfig) (Store, error) {
	if cfg.Project == "" {
		return envStore{}, nil
	}

	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("secretstore: new secret manager client: %w", err)
	}
	return &gcpStore{client: client, project: cfg.Project, fallback: envStore{}}, nil
}

// envStore reads secrets straight from environment variables, using name
// as-is (e.g. "ANTHROPIC_API_KEY").
type envStore struct{}

func (envStore) Get(_ context.Context, name string) (string, error) {
	if v := os.Getenv(name); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("secretstore: %s is not set", name)
}

func (envStore) Close() error { return nil }

// gcpStore fetches secrets from GCP Secret Manager, accepting either a bare
// secret name (resolved against the configured project, latest version) or
// a fully qualified "projects/P/secrets/S" or "projects/P/secrets/S/versions/V"
// path.
type gcpStore struct {
	client   *secretmanager.Client
	project  string
	fallback envStore
}

func (g *gcpStore) Get(ctx context.Context, name string) (string, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	resp, err := g.client.AccessSecretVersion(fetchCtx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: g.normalize(name),
	})
	if err == nil {
		return string(resp.Payload.Data), nil
	}

	return g.fallback.Get(ctx, name)
}

func (g *gcpStore) normalize(name string) string {
	if strings.HasPrefix(name, "projects/") && strings.Contains(name, "/versions/") {
		return name
	}
	if strings.HasPrefix(name, "projects/") && strings.Contains(name, "/secrets/") {
		return name + "/versions/latest"
	}
	return fmt.Sprintf("projects/%s/secrets/%s/versions/latest", g.project, path.Base(name))
}

func (g *gcpStore) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

var (
	_ Store = envStore{}
	_ Store = (*gcpStore)(nil)
)
