// Package device provides the stable identity of this installation.
package device

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/readerkit/readsync/internal/store"
)

const metaKey = "device_id"

// ID returns the device id, generating and persisting one on first use.
// Concurrent first calls agree on a single id.
func ID(ctx context.Context, db *store.DB) (string, error) {
	id, err := db.GetMeta(ctx, metaKey)
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	id, err = db.SetMetaIfAbsent(ctx, metaKey, uuid.NewString())
	if err != nil {
		return "", fmt.Errorf("failed to persist device id: %w", err)
	}
	return id, nil
}

// Override pins the device id, for example when restoring a backup. The id
// must be non-empty.
func Override(ctx context.Context, db *store.DB, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("device id is required")
	}
	return db.SetMeta(ctx, metaKey, id)
}
