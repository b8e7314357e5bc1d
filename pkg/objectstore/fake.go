package objectstore

import (
	"context"
	"strings"
	"sync"

	"github.com/armanisadeghi/matrx-sandbox/pkg/errdefs"
)

// Fake is an in-memory Gateway for tests. Objects live in a key→size
// map; error fields inject failures.
type Fake struct {
	mu      sync.Mutex
	objects map[string]int64

	EnsureErr  error
	HealthErr  error
	EnsureLog  []string
	CleanupLog []string
}

func NewFake() *Fake {
	return &Fake{objects: make(map[string]int64)}
}

// Put seeds an object directly, for test setup.
func (f *Fake) Put(key string, size int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = size
}

func (f *Fake) EnsureUserStorage(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.EnsureLog = append(f.EnsureLog, userID)
	if f.EnsureErr != nil {
		return f.EnsureErr
	}
	f.objects[tierPrefix(userID, TierHot)+keepMarker] = 0
	f.objects[tierPrefix(userID, TierCold)+keepMarker] = 0
	return nil
}

func (f *Fake) UserStorageStats(ctx context.Context, userID string) (StorageStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var stats StorageStats
	for key, size := range f.objects {
		if strings.HasSuffix(key, "/"+keepMarker) {
			continue
		}
		switch {
		case strings.HasPrefix(key, tierPrefix(userID, TierHot)):
			stats.Hot.Objects++
			stats.Hot.Bytes += size
		case strings.HasPrefix(key, tierPrefix(userID, TierCold)):
			stats.Cold.Objects++
			stats.Cold.Bytes += size
		}
	}
	return stats, nil
}

func (f *Fake) CleanupUserStorage(ctx context.Context, userID, tier string) (int64, error) {
	var prefix string
	switch tier {
	case TierHot, TierCold:
		prefix = tierPrefix(userID, tier)
	case TierAll:
		prefix = userPrefix(userID)
	default:
		return 0, errdefs.Validation("unknown storage tier %q", tier)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.CleanupLog = append(f.CleanupLog, userID+"/"+tier)
	var deleted int64
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) {
			delete(f.objects, key)
			deleted++
		}
	}
	return deleted, nil
}

func (f *Fake) HealthCheck(ctx context.Context) error {
	return f.HealthErr
}
