package media

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/erazemk/najdeno/internal/store"
)

// DBPrefix marks references to images kept in the database.
const DBPrefix = "db:"

// DBBackend keeps images as blobs in the media table.
type DBBackend struct {
	DB *sql.DB
}

func (b *DBBackend) Save(ctx context.Context, data []byte, mime string) (string, error) {
	id := uuid.NewString()
	if err := store.SaveMedia(ctx, b.DB, id, mime, data); err != nil {
		return "", err
	}
	return DBPrefix + id, nil
}

func (b *DBBackend) Remove(ctx context.Context, ref string) error {
	id, ok := strings.CutPrefix(ref, DBPrefix)
	if !ok {
		return fmt.Errorf("not a database media reference: %q", ref)
	}
	return store.DeleteMedia(ctx, b.DB, id)
}

// Open returns the bytes and MIME type of a stored image. Data is nil when
// id is unknown or not a valid id.
func (b *DBBackend) Open(ctx context.Context, id string) ([]byte, string, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, "", nil
	}
	return store.GetMedia(ctx, b.DB, id)
}
