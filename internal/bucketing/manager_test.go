package bucketing

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"marketplace-identity/internal/models"
)

func TestDeadlineBucketIsStableAndInRange(t *testing.T) {
	bm := NewBucketingManager(8)

	seen := make(map[int]bool)
	for i := 0; i < 200; i++ {
		account := fmt.Sprintf("acct-%d", i)
		b := bm.DeadlineBucket(account, models.CategoryHotels)
		assert.GreaterOrEqual(t, b, 0)
		assert.Less(t, b, 8)
		assert.Equal(t, b, bm.DeadlineBucket(account, models.CategoryHotels))
		seen[b] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestNonPositiveBucketCountFallsBackToOne(t *testing.T) {
	bm := NewBucketingManager(0)
	assert.Equal(t, 1, bm.DeadlineBuckets())
	assert.Equal(t, 0, bm.DeadlineBucket("a", models.CategoryJobs))
}
