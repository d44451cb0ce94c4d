package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Simulator returns deterministic archive URLs without touching any bucket.
// Used when no archive endpoint is configured and in tests.
type Simulator struct {
	bucket   string
	endpoint string
}

func NewSimulator(bucket, endpoint string) *Simulator {
	return &Simulator{
		bucket:   strings.TrimSpace(bucket),
		endpoint: strings.TrimSpace(endpoint),
	}
}

func (s *Simulator) ArchiveMealPhoto(_ context.Context, userID int64, imageData []byte) (string, error) {
	if len(imageData) == 0 {
		return "", fmt.Errorf("empty image data")
	}

	sum := sha256.Sum256(imageData)
	key := hex.EncodeToString(sum[:])

	ep := s.endpoint
	if ep == "" {
		ep = "https://archive.example.invalid"
	}
	bucket := s.bucket
	if bucket == "" {
		bucket = "meal-archive"
	}

	return fmt.Sprintf("%s/%s/meals/%d/%s.jpg", strings.TrimRight(ep, "/"), bucket, userID, key), nil
}
