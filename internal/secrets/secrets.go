// Package secrets loads gateway secrets (admin password hash, credential
// encryption key, client API keys) from AWS Secrets Manager.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/felipepmaragno/gemini-gateway/internal/config"
)

var ErrSecretNotFound = errors.New("secret not found")

type SecretStore interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// Bundle is the JSON document kept under SECRETS_NAME. Empty fields leave
// the environment value in place.
type Bundle struct {
	AdminPasswordHash    string   `json:"admin_password_hash"`
	OperatorPasswordHash string   `json:"operator_password_hash"`
	EncryptionKey        string   `json:"encryption_key"`
	APIKeys              []string `json:"api_keys"`
}

func Load(ctx context.Context, store SecretStore, name string) (Bundle, error) {
	raw, err := store.GetSecret(ctx, name)
	if err != nil {
		return Bundle{}, err
	}
	var b Bundle
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return Bundle{}, fmt.Errorf("decode secret %s: %w", name, err)
	}
	return b, nil
}

// Apply overlays the bundle on cfg.
func (b Bundle) Apply(cfg *config.Config) {
	if b.AdminPasswordHash != "" {
		cfg.AdminPasswordHash = b.AdminPasswordHash
	}
	if b.OperatorPasswordHash != "" {
		cfg.OperatorPasswordHash = b.OperatorPasswordHash
	}
	if b.EncryptionKey != "" {
		cfg.EncryptionKey = b.EncryptionKey
	}
	if len(b.APIKeys) > 0 {
		cfg.APIKeys = b.APIKeys
	}
}

type secretsAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSSecretsManager caches values for a short TTL so a settings reload
// does not hit the API every time.
type AWSSecretsManager struct {
	client secretsAPI
	cache  map[string]cachedSecret
	mu     sync.RWMutex
	ttl    time.Duration
	now    func() time.Time
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

func NewAWSSecretsManager(ctx context.Context, region string) (*AWSSecretsManager, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewAWSSecretsManagerWithConfig(cfg), nil
}

func NewAWSSecretsManagerWithConfig(cfg aws.Config) *AWSSecretsManager {
	return newAWSSecretsManager(secretsmanager.NewFromConfig(cfg))
}

func newAWSSecretsManager(client secretsAPI) *AWSSecretsManager {
	return &AWSSecretsManager{
		client: client,
		cache:  make(map[string]cachedSecret),
		ttl:    5 * time.Minute,
		now:    time.Now,
	}
}

func (s *AWSSecretsManager) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	cached, ok := s.cache[name]
	s.mu.RUnlock()
	if ok && s.now().Before(cached.expiresAt) {
		return cached.value, nil
	}

	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", name, err)
	}
	if result.SecretString == nil {
		return "", fmt.Errorf("%w: %s has no string value", ErrSecretNotFound, name)
	}

	value := *result.SecretString
	s.mu.Lock()
	s.cache[name] = cachedSecret{value: value, expiresAt: s.now().Add(s.ttl)}
	s.mu.Unlock()

	return value, nil
}

type InMemorySecretStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func NewInMemorySecretStore() *InMemorySecretStore {
	return &InMemorySecretStore{secrets: make(map[string]string)}
}

func (s *InMemorySecretStore) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.secrets[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return value, nil
}

func (s *InMemorySecretStore) SetSecret(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[name] = value
}
