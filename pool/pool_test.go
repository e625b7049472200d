package pool_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corewire/reactorws/api"
	"github.com/corewire/reactorws/pool"
)

func TestBucketSizing(t *testing.T) {
	p := pool.New()

	b := p.Get(100)
	assert.GreaterOrEqual(t, cap(b.Data), 100)
	assert.Equal(t, 0, len(b.Data))

	b2 := p.Get(1 << 19)
	assert.GreaterOrEqual(t, cap(b2.Data), 1<<19)
}

func TestGetPutReusesCapacity(t *testing.T) {
	p := pool.New()

	b := p.Get(4096)
	original := cap(b.Data)
	p.Put(b)

	b2 := p.Get(4096)
	require.Equal(t, original, cap(b2.Data))
}

func TestStatsTrackInUse(t *testing.T) {
	p := pool.New()

	before := p.Stats()
	b := p.Get(64)
	mid := p.Stats()
	assert.Equal(t, before.InUse+1, mid.InUse)

	p.Put(b)
	after := p.Stats()
	assert.Equal(t, before.InUse, after.InUse)
	assert.Equal(t, mid.TotalFree+1, after.TotalFree)
}

func TestPutNilDataIsNoop(t *testing.T) {
	p := pool.New()
	before := p.Stats()
	p.Put(api.Buffer{})
	assert.Equal(t, before, p.Stats())
}
