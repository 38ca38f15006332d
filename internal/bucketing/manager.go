package bucketing

import (
	"hash"
	"sync"

	"github.com/spaolacci/murmur3"

	"marketplace-identity/internal/models"
)

// BucketingManager spreads the sweep index across a fixed number of
// partitions. The same (account, category) always lands in the same bucket.
type BucketingManager struct {
	deadlineBuckets int
	hasherPool      sync.Pool
}

func NewBucketingManager(deadlineBuckets int) *BucketingManager {
	if deadlineBuckets < 1 {
		deadlineBuckets = 1
	}
	return &BucketingManager{
		deadlineBuckets: deadlineBuckets,
		hasherPool: sync.Pool{
			New: func() interface{} {
				return murmur3.New64()
			},
		},
	}
}

func (bm *BucketingManager) DeadlineBucket(accountID string, category models.Category) int {
	return bm.getBucket(accountID+"/"+string(category), bm.deadlineBuckets)
}

// DeadlineBuckets returns the number of deadline partitions a sweep must visit.
func (bm *BucketingManager) DeadlineBuckets() int {
	return bm.deadlineBuckets
}

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	return int(bm.getHash(key) % uint64(numBuckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
