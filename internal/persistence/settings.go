package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// settingsConfigKey is the settings row holding the automation config
// blob that policy paths resolve against.
const settingsConfigKey = "config"

// ErrTenantNotFound is returned for operations against an unknown tenant.
var ErrTenantNotFound = errors.New("tenant not found")

// Tenant is one onboarded tenant.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateTenant registers a tenant and seeds its settings from defaults.
// Defaults may be nil; the tenant then starts with every automation
// disabled, which is what fail-closed resolution yields for an empty
// config.
func (s *Store) CreateTenant(ctx context.Context, id, name string, defaults map[string]any) (*Tenant, error) {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	err := retryOnBusy(ctx, 3, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO tenants (id, name, created_at) VALUES (?, ?, ?);
		`, id, name, formatTime(now))
		return execErr
	})
	if err != nil {
		return nil, fmt.Errorf("create tenant: %w", err)
	}
	if defaults != nil {
		if err := s.SetTenantConfig(ctx, id, defaults); err != nil {
			return nil, err
		}
	}
	return &Tenant{ID: id, Name: name, CreatedAt: now}, nil
}

// GetTenant fetches one tenant.
func (s *Store) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	var t Tenant
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, created_at FROM tenants WHERE id = ?;
	`, id).Scan(&t.ID, &t.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	t.CreatedAt = parseTime(createdAt)
	return &t, nil
}

// TenantConfig returns the automation config blob, nil when the tenant
// has no config row. Satisfies policy.SettingsReader.
func (s *Store) TenantConfig(ctx context.Context, tenantID string) (map[string]any, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM tenant_settings WHERE tenant_id = ? AND key = ?;
	`, tenantID, settingsConfigKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tenant config: %w", err)
	}
	var config map[string]any
	if err := json.Unmarshal([]byte(raw), &config); err != nil {
		return nil, fmt.Errorf("decode tenant config: %w", err)
	}
	return config, nil
}

// SetTenantConfig replaces the whole automation config blob.
func (s *Store) SetTenantConfig(ctx context.Context, tenantID string, config map[string]any) error {
	raw, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("encode tenant config: %w", err)
	}
	err = retryOnBusy(ctx, 3, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO tenant_settings (tenant_id, key, value, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (tenant_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;
		`, tenantID, settingsConfigKey, string(raw), nowUTC())
		return execErr
	})
	if err != nil {
		return fmt.Errorf("write tenant config: %w", err)
	}
	return nil
}

// SetTenantConfigValue sets one dotted path inside the config blob,
// creating intermediate objects as needed. A path segment that exists
// with a non-object value is an error rather than a silent overwrite.
// Read and write share one transaction so concurrent single-path
// updates cannot lose each other.
func (s *Store) SetTenantConfigValue(ctx context.Context, tenantID, path string, value any) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("empty settings path")
	}
	keys := strings.Split(path, ".")

	return retryOnBusy(ctx, 3, func() error {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return txErr
		}
		defer func() { _ = tx.Rollback() }()

		var raw string
		scanErr := tx.QueryRowContext(ctx, `
			SELECT value FROM tenant_settings WHERE tenant_id = ? AND key = ?;
		`, tenantID, settingsConfigKey).Scan(&raw)
		if scanErr != nil && !errors.Is(scanErr, sql.ErrNoRows) {
			return fmt.Errorf("read tenant config: %w", scanErr)
		}
		config := make(map[string]any)
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &config); err != nil {
				return fmt.Errorf("decode tenant config: %w", err)
			}
		}

		node := config
		for _, key := range keys[:len(keys)-1] {
			child, ok := node[key]
			if !ok {
				next := make(map[string]any)
				node[key] = next
				node = next
				continue
			}
			childMap, ok := child.(map[string]any)
			if !ok {
				return fmt.Errorf("settings path %q collides with non-object value at %q", path, key)
			}
			node = childMap
		}
		node[keys[len(keys)-1]] = value

		encoded, encErr := json.Marshal(config)
		if encErr != nil {
			return fmt.Errorf("encode tenant config: %w", encErr)
		}
		if _, execErr := tx.ExecContext(ctx, `
			INSERT INTO tenant_settings (tenant_id, key, value, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (tenant_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;
		`, tenantID, settingsConfigKey, string(encoded), nowUTC()); execErr != nil {
			return fmt.Errorf("write tenant config: %w", execErr)
		}
		return tx.Commit()
	})
}
