package store

import (
	"context"
	"database/sql"

	"github.com/erazemk/najdeno/internal/model"
)

// Items adapts the package-level item functions to a repository value bound
// to one database handle.
type Items struct {
	DB *sql.DB
}

// Create inserts item and returns it as stored.
func (r *Items) Create(ctx context.Context, item model.Item, actorID string) (*model.Item, error) {
	return CreateItem(ctx, r.DB, item, actorID)
}

// Find lists items matching filter.
func (r *Items) Find(ctx context.Context, filter ItemFilter, order SortOrder) ([]model.Item, error) {
	return ListItems(ctx, r.DB, filter, order)
}

// Get returns the item with id or ErrNotFound.
func (r *Items) Get(ctx context.Context, id int64) (*model.Item, error) {
	item, err := GetItem(ctx, r.DB, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, ErrNotFound
	}
	return item, nil
}

// UpdateStatus is the compare-and-set status update.
func (r *Items) UpdateStatus(ctx context.Context, id int64, expected, next model.ItemStatus, actorID string) (*model.Item, error) {
	return UpdateItemStatus(ctx, r.DB, id, expected, next, actorID)
}

// History returns the transitions of an item.
func (r *Items) History(ctx context.Context, id int64) ([]model.Transition, error) {
	return GetItemHistory(ctx, r.DB, id)
}
