// Package secrets provides integration with Google Secret Manager for fetching configuration.
package secrets

import (
	"context"
	"fmt"
	"os"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/api/option"

	"github.com/codeGROOVE-dev/hookrelay/pkg/logger"
)

// secretManagerTimeout prevents indefinite hangs when accessing secrets.
const secretManagerTimeout = 10 * time.Second

// Names are the relay settings that may live in Secret Manager. Each secret
// is named after its environment variable.
var Names = []string{"BOT_TOKEN", "GITHUB_WEBHOOK_SECRET", "WATCH_TOKEN"}

type accessFunc func(ctx context.Context, resourceName string) ([]byte, error)

// Manager handles fetching secrets from Google Secret Manager.
type Manager struct {
	access    accessFunc
	close     func() error
	getenv    func(string) string
	projectID string
}

// New creates a new secrets manager with optional credentials.
// If credentialsPath is empty, it uses Application Default Credentials.
func New(ctx context.Context, projectID, credentialsPath string) (*Manager, error) {
	var opts []option.ClientOption
	if credentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsPath))
	}

	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create secret manager client: %w", err)
	}

	access := func(ctx context.Context, name string) ([]byte, error) {
		result, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
		if err != nil {
			return nil, err
		}
		return result.GetPayload().GetData(), nil
	}
	return &Manager{access: access, close: client.Close, getenv: os.Getenv, projectID: projectID}, nil
}

// GetWithEnvOverride fetches a secret value from Google Secret Manager,
// but returns the environment variable value if it exists (env vars take precedence).
func (m *Manager) GetWithEnvOverride(ctx context.Context, envVar, secretName string) (string, error) {
	if value := m.getenv(envVar); value != "" {
		logger.Info(ctx, "using environment variable instead of secret", logger.Fields{"env_var": envVar})
		return value, nil
	}

	resourceName := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", m.projectID, secretName)

	timeoutCtx, cancel := context.WithTimeout(ctx, secretManagerTimeout)
	defer cancel()

	data, err := m.access(timeoutCtx, resourceName)
	if err != nil {
		logger.Error(ctx, "failed to access secret from Secret Manager", err, logger.Fields{
			"env_var":     envVar,
			"secret_name": secretName,
			"project_id":  m.projectID,
		})
		return "", fmt.Errorf("failed to access secret %s: %w", resourceName, err)
	}

	value := string(data)
	logger.Info(ctx, "fetched secret from Secret Manager", logger.Fields{
		"env_var":   envVar,
		"has_value": value != "",
	})
	return value, nil
}

// Getenv resolves names through GetWithEnvOverride and returns a lookup
// that serves them, falling back to the process environment for anything
// else. A secret that cannot be fetched is an error.
func (m *Manager) Getenv(ctx context.Context, names ...string) (func(string) string, error) {
	resolved := make(map[string]string, len(names))
	for _, name := range names {
		v, err := m.GetWithEnvOverride(ctx, name, name)
		if err != nil {
			return nil, err
		}
		resolved[name] = v
	}
	return func(key string) string {
		if v, ok := resolved[key]; ok {
			return v
		}
		return m.getenv(key)
	}, nil
}

// Close closes the Secret Manager client connection.
func (m *Manager) Close() error {
	if m.close != nil {
		return m.close()
	}
	return nil
}
