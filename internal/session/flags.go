package session

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"

	"basil/core/internal/domain"
)

const (
	KeySelectedStoreID = "selected_store_id"
	KeyIsAdmin         = "is_admin"
	KeyTenantRole      = "tenant_role"
	KeyPermissions     = "tenant_permissions"
	KeyFeatures        = "features"
)

var sessionKeys = []string{KeySelectedStoreID, KeyIsAdmin, KeyTenantRole, KeyPermissions, KeyFeatures}

// ResolveStoreSelection applies the "local selection wins" rule: the
// persisted id when it is still in stores, else the backend default when it
// is, else the first store, else "".
func ResolveStoreSelection(persisted string, backendDefault string, stores []domain.Store) string {
	has := func(id string) bool {
		if id == "" {
			return false
		}
		for _, s := range stores {
			if s.ID == id {
				return true
			}
		}
		return false
	}

	switch {
	case has(persisted):
		return persisted
	case has(backendDefault):
		return backendDefault
	case len(stores) > 0:
		return stores[0].ID
	default:
		return ""
	}
}

func writeFlags(ctx context.Context, kv KeyValueStore, user domain.User, selected string) error {
	if selected == "" {
		if err := kv.Delete(ctx, KeySelectedStoreID); err != nil {
			return err
		}
	} else if err := kv.Set(ctx, KeySelectedStoreID, selected); err != nil {
		return err
	}

	if err := kv.Set(ctx, KeyIsAdmin, strconv.FormatBool(user.IsAdmin)); err != nil {
		return err
	}
	if err := kv.Set(ctx, KeyTenantRole, user.TenantRole); err != nil {
		return err
	}
	for key, value := range map[string]map[string]bool{KeyPermissions: user.Permissions, KeyFeatures: user.Features} {
		if value == nil {
			value = map[string]bool{}
		}
		payload, err := json.Marshal(value)
		if err != nil {
			return err
		}
		if err := kv.Set(ctx, key, string(payload)); err != nil {
			return err
		}
	}
	return nil
}

// ReadFlags loads the derived session values written by the bootstrapper.
// Missing keys read as zero values.
func ReadFlags(ctx context.Context, kv KeyValueStore) (domain.SessionFlags, error) {
	var flags domain.SessionFlags

	get := func(key string) (string, error) {
		val, _, err := kv.Get(ctx, key)
		return val, errors.Wrapf(err, "session: read %s", key)
	}

	var err error
	if flags.SelectedStoreID, err = get(KeySelectedStoreID); err != nil {
		return flags, err
	}
	if flags.TenantRole, err = get(KeyTenantRole); err != nil {
		return flags, err
	}
	admin, err := get(KeyIsAdmin)
	if err != nil {
		return flags, err
	}
	flags.IsAdmin, _ = strconv.ParseBool(admin)

	for key, dst := range map[string]*map[string]bool{KeyPermissions: &flags.Permissions, KeyFeatures: &flags.Features} {
		raw, err := get(key)
		if err != nil {
			return flags, err
		}
		if raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(raw), dst); err != nil {
			return flags, errors.Wrapf(err, "session: decode %s", key)
		}
	}
	return flags, nil
}
