package feeds

import (
	"context"
	"sync"

	"github.com/willf/bloom"

	"github.com/chimerasec/chimera/idgen"
	"github.com/chimerasec/chimera/obs"
	"github.com/chimerasec/chimera/store"
)

// Ingestor writes parsed feed records to the store. A bloom filter in
// front of the upsert cheaply skips values this process has already
// ingested for a feed; false positives fall through to the database
// upsert, which is the source of truth for dedup.
type Ingestor struct {
	st    *store.Store
	newID idgen.Generator

	mu     sync.Mutex
	filter *bloom.BloomFilter
}

// NewIngestor sizes the bloom filter for the expected total indicator
// volume across all feeds.
func NewIngestor(st *store.Store) *Ingestor {
	return &Ingestor{
		st:     st,
		newID:  idgen.Prefixed("fi_", idgen.Default),
		filter: bloom.New(1_000_000, 5),
	}
}

// Ingest upserts one feed's parsed batch and returns the number of new
// (not previously seen) records.
func (in *Ingestor) Ingest(ctx context.Context, feedID string, batch []*store.FeedIndicator) (int64, error) {
	fresh := batch[:0:0]
	in.mu.Lock()
	for _, fi := range batch {
		key := feedID + "\x00" + string(fi.Type) + "\x00" + fi.Value
		if in.filter.TestAndAddString(key) {
			continue
		}
		fresh = append(fresh, fi)
	}
	in.mu.Unlock()

	if len(fresh) == 0 {
		return 0, nil
	}
	for _, fi := range fresh {
		fi.ID = in.newID()
		fi.FeedID = feedID
	}
	added, err := in.st.UpsertFeedIndicators(ctx, feedID, fresh)
	if err != nil {
		return 0, err
	}
	obs.FeedIndicatorsNew.Add(float64(added))
	return added, nil
}
