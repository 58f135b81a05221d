package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveMedia stores an image blob under id.
func SaveMedia(ctx context.Context, db *sql.DB, id, mime string, data []byte) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO media (id, mime, data, created_at) VALUES (?, ?, ?, ?)`,
		id, mime, data, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving media: %w", err)
	}
	return nil
}

// GetMedia returns a stored blob and its MIME type. Data is nil if the id is
// unknown.
func GetMedia(ctx context.Context, db *sql.DB, id string) ([]byte, string, error) {
	var data []byte
	var mime string
	err := db.QueryRowContext(ctx,
		`SELECT data, mime FROM media WHERE id = ?`, id,
	).Scan(&data, &mime)
	if err == sql.ErrNoRows {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("getting media: %w", err)
	}
	return data, mime, nil
}

// DeleteMedia removes a stored blob. Deleting an unknown id is not an error.
func DeleteMedia(ctx context.Context, db *sql.DB, id string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM media WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting media: %w", err)
	}
	return nil
}
