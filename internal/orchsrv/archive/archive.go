// Package archive stores backup payloads. The state store keeps the backup
// records; this package keeps the bytes they point at, addressed by an
// opaque key chosen by the backup engine.
package archive

import (
	"context"
	"net/http"

	"github.com/stackplane/stackplane-internal/internal/common/apperrors"
)

var (
	ErrArchive         apperrors.Error = apperrors.New("archive store error").SetStatusCode(http.StatusInternalServerError)
	ErrArchiveNotFound apperrors.Error = ErrArchive.New("archive object not found").SetStatusCode(http.StatusNotFound)
)

// Store is a write-once blob store for backup archives. Put returns the
// location a record should carry; Delete of a missing object is not an
// error so the retention sweep can retry safely.
type Store interface {
	Put(ctx context.Context, key string, data []byte) (location string, size int64, err apperrors.Error)
	Get(ctx context.Context, location string) ([]byte, apperrors.Error)
	Delete(ctx context.Context, location string) apperrors.Error
}
