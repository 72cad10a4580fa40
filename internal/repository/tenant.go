package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/casarerpa/core/internal/model"
)

const keyPrefix = "crpa_"

// ErrInvalidAPIKey covers every authentication failure so callers leak
// nothing about which part of the key was wrong.
var ErrInvalidAPIKey = errors.New("invalid api key")

// TenantManager issues and validates tenant API keys.
type TenantManager struct {
	repo TenantRepository
}

// NewTenantManager wraps a tenant repository.
func NewTenantManager(repo TenantRepository) *TenantManager {
	return &TenantManager{repo: repo}
}

// CreateAPIKey mints a key with format crpa_<key_id>.<secret>. The key id
// is the lookup handle; only the secret is bcrypt-hashed. The full key is
// returned once and cannot be recovered later.
func (tm *TenantManager) CreateAPIKey(ctx context.Context, tenantID model.TenantID, name string) (*APIKey, string, error) {
	idBytes := make([]byte, 8)
	rand.Read(idBytes)
	keyID := hex.EncodeToString(idBytes)

	secretBytes := make([]byte, 24)
	rand.Read(secretBytes)
	secret := hex.EncodeToString(secretBytes)

	fullKey := fmt.Sprintf("%s%s.%s", keyPrefix, keyID, secret)

	secretHash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash api key secret: %w", err)
	}

	key := &APIKey{
		KeyID:     keyID,
		TenantID:  tenantID,
		Name:      name,
		KeyHash:   string(secretHash),
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	if err := tm.repo.CreateAPIKey(ctx, key); err != nil {
		return nil, "", fmt.Errorf("persist api key: %w", err)
	}
	return key, fullKey, nil
}

// ValidateAPIKey resolves a full key to its active tenant.
func (tm *TenantManager) ValidateAPIKey(ctx context.Context, fullKey string) (*Tenant, error) {
	if !strings.HasPrefix(fullKey, keyPrefix) {
		return nil, ErrInvalidAPIKey
	}
	parts := strings.Split(strings.TrimPrefix(fullKey, keyPrefix), ".")
	if len(parts) != 2 {
		return nil, ErrInvalidAPIKey
	}
	keyID, secret := parts[0], parts[1]

	key, err := tm.repo.GetAPIKey(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("api key lookup: %w", err)
	}
	if key == nil {
		return nil, ErrInvalidAPIKey
	}
	if err := bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(secret)); err != nil {
		return nil, ErrInvalidAPIKey
	}
	if !key.IsActive {
		return nil, ErrInvalidAPIKey
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	tenant, err := tm.repo.GetTenant(ctx, key.TenantID)
	if err != nil {
		return nil, fmt.Errorf("tenant lookup: %w", err)
	}
	if tenant == nil || tenant.Status != "ACTIVE" {
		return nil, ErrInvalidAPIKey
	}
	return tenant, nil
}
