package storage

import "context"

// ArchiveClient stores meal photos for later auditing. Uploads are best
// effort; a failed archive never blocks the turn.
type ArchiveClient interface {
	ArchiveMealPhoto(ctx context.Context, userID int64, imageData []byte) (string, error)
}
