package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/erazemk/najdeno/internal/model"
)

// recordTransition appends a status change to the item's history. It must run
// inside the transaction that performed the change.
func recordTransition(ctx context.Context, tx *sql.Tx, itemID int64, from, to model.ItemStatus, actorID string, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO item_transitions (item_id, from_status, to_status, actor_id, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		itemID, string(from), string(to), actorID, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording transition: %w", err)
	}
	return nil
}

// GetItemHistory returns the status changes of an item, oldest first.
func GetItemHistory(ctx context.Context, db *sql.DB, itemID int64) ([]model.Transition, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, item_id, from_status, to_status, actor_id, created_at
		 FROM item_transitions
		 WHERE item_id = ?
		 ORDER BY id ASC`, itemID,
	)
	if err != nil {
		return nil, fmt.Errorf("getting item history: %w", err)
	}
	defer rows.Close()

	var transitions []model.Transition
	for rows.Next() {
		var t model.Transition
		var from, to string
		if err := rows.Scan(&t.ID, &t.ItemID, &from, &to, &t.ActorID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning transition: %w", err)
		}
		t.From = model.ItemStatus(from)
		t.To = model.ItemStatus(to)
		transitions = append(transitions, t)
	}
	return transitions, rows.Err()
}
