package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/erazemk/najdeno/internal/model"
)

// ErrNotFound is returned when the referenced item does not exist.
var ErrNotFound = errors.New("not found")

// StatusMismatchError is returned by UpdateItemStatus when the item exists
// but its status is not the expected one.
type StatusMismatchError struct {
	ItemID   int64
	Expected model.ItemStatus
	Current  model.ItemStatus
}

func (e *StatusMismatchError) Error() string {
	return fmt.Sprintf("item %d: status is %s, expected %s", e.ItemID, e.Current, e.Expected)
}

// SortOrder controls the creation-time ordering of item listings.
type SortOrder int

// Sort orders.
const (
	NewestFirst SortOrder = iota
	OldestFirst
)

// ItemFilter narrows ListItems. Zero fields match everything.
type ItemFilter struct {
	Status     model.ItemStatus
	ReporterID string
}

const itemColumns = `id, name, category, location, description, type, image, reporter_id, status, created_at, updated_at`

// CreateItem inserts a new item and records its initial status as the first
// transition, attributed to actorID.
func CreateItem(ctx context.Context, db *sql.DB, item model.Item, actorID string) (*model.Item, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`INSERT INTO items (name, category, location, description, type, image, reporter_id, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.Name, item.Category, item.Location, item.Description, string(item.Type),
		item.Image, item.ReporterID, string(item.Status), item.CreatedAt.UTC(), item.CreatedAt.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating item: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("getting item id: %w", err)
	}

	if err := recordTransition(ctx, tx, id, "", item.Status, actorID, item.CreatedAt); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing item: %w", err)
	}

	return GetItem(ctx, db, id)
}

// GetItem returns an item by ID, or nil if it does not exist.
func GetItem(ctx context.Context, db *sql.DB, id int64) (*model.Item, error) {
	row := db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting item: %w", err)
	}
	return item, nil
}

// ListItems returns the items matching filter ordered by creation time.
func ListItems(ctx context.Context, db *sql.DB, filter ItemFilter, order SortOrder) ([]model.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.ReporterID != "" {
		query += ` AND reporter_id = ?`
		args = append(args, filter.ReporterID)
	}

	if order == OldestFirst {
		query += ` ORDER BY created_at ASC, id ASC`
	} else {
		query += ` ORDER BY created_at DESC, id DESC`
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}
	defer rows.Close()

	var items []model.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// UpdateItemStatus moves an item from expected to next in a single
// conditional UPDATE. When no row matches, the item is looked up inside the
// same transaction to tell ErrNotFound from a *StatusMismatchError.
func UpdateItemStatus(ctx context.Context, db *sql.DB, id int64, expected, next model.ItemStatus, actorID string) (*model.Item, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx,
		`UPDATE items SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(next), now, id, string(expected),
	)
	if err != nil {
		return nil, fmt.Errorf("updating item status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking updated rows: %w", err)
	}

	if affected == 0 {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM items WHERE id = ?`, id).Scan(&current)
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("reading item status: %w", err)
		}
		return nil, &StatusMismatchError{ItemID: id, Expected: expected, Current: model.ItemStatus(current)}
	}

	if err := recordTransition(ctx, tx, id, expected, next, actorID, now); err != nil {
		return nil, err
	}

	row := tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
	item, err := scanItem(row)
	if err != nil {
		return nil, fmt.Errorf("reading updated item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing status update: %w", err)
	}
	return item, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*model.Item, error) {
	item := &model.Item{}
	var itemType, status string
	var image sql.NullString
	if err := row.Scan(&item.ID, &item.Name, &item.Category, &item.Location, &item.Description,
		&itemType, &image, &item.ReporterID, &status, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return nil, err
	}
	item.Type = model.ItemType(itemType)
	item.Status = model.ItemStatus(status)
	if image.Valid {
		item.Image = &image.String
	}
	return item, nil
}
