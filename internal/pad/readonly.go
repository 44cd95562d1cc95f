package pad

import (
	"context"
	"errors"
	"strings"

	"github.com/ottopad/ottopad/internal/store"
)

// ReadOnly maintains the two-way mapping between pad ids and their stable
// read-only ids ("r.<id>").
type ReadOnly struct {
	db store.Store
}

func NewReadOnly(db store.Store) *ReadOnly {
	return &ReadOnly{db: db}
}

// IsReadOnlyID reports whether id names a read-only view of a pad.
func IsReadOnlyID(id string) bool {
	return strings.HasPrefix(id, "r.")
}

// IDFor returns the read-only id of a pad, minting one on first request.
func (r *ReadOnly) IDFor(ctx context.Context, padID string) (string, error) {
	roID, err := r.db.Get(ctx, "pad2readonly:"+padID)
	if err == nil {
		return roID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	roID = "r." + randomID()
	if err := r.db.Set(ctx, "pad2readonly:"+padID, roID); err != nil {
		return "", err
	}
	if err := r.db.Set(ctx, "readonly2pad:"+roID, padID); err != nil {
		return "", err
	}
	return roID, nil
}

// PadFor resolves a read-only id back to its pad.
func (r *ReadOnly) PadFor(ctx context.Context, roID string) (string, error) {
	return r.db.Get(ctx, "readonly2pad:"+roID)
}

// Forget removes both directions of the mapping for a deleted pad.
func (r *ReadOnly) Forget(ctx context.Context, padID string) error {
	roID, err := r.db.Get(ctx, "pad2readonly:"+padID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := r.db.Remove(ctx, "readonly2pad:"+roID); err != nil {
		return err
	}
	return r.db.Remove(ctx, "pad2readonly:"+padID)
}
