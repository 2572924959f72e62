// Package backup archives logical database dumps to object storage as
// gzip blobs and fetches them back for restore.
package backup

import (
	"context"
	"fmt"
	"time"
)

// Store addresses dumps by string keys of the form
// backups/<db_id>/<YYYYMMDD_HHMMSS>.sql.gz. Implementations compress on
// the way in and decompress on the way out; callers only ever see raw SQL.
type Store interface {
	// Upload stores a dump and returns the generated key plus the
	// compressed size in bytes.
	Upload(ctx context.Context, dbID string, dump []byte) (key string, size int64, err error)
	// Download fetches the blob at key.
	Download(ctx context.Context, key string) ([]byte, error)
	// Exists reports whether a blob is present at key.
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes the blob at key. Deleting a missing blob succeeds.
	Delete(ctx context.Context, key string) error
}

// Key builds the object key for a dump taken at ts.
func Key(dbID string, ts time.Time) string {
	return fmt.Sprintf("backups/%s/%s.sql.gz", dbID, ts.UTC().Format("20060102_150405"))
}
