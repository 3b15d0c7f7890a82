package shm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolReusesBuffersPerClass(t *testing.T) {
	config := DefaultConfig()
	config.Dir = t.TempDir()
	m, err := NewWithConfig("pool", 1<<14, 0, config)
	require.NoError(t, err)
	defer m.Close()

	p, err := NewPool(m, []SizeClass{{Size: 256, Keep: 1}, {Size: 64, Keep: 2}})
	require.NoError(t, err)

	a, err := p.Get(10)
	require.NoError(t, err)
	assert.Equal(t, uint64(64), a.Size)
	b, err := p.Get(64)
	require.NoError(t, err)
	c, err := p.Get(65)
	require.NoError(t, err)
	assert.Equal(t, uint64(256), c.Size)
	big, err := p.Get(1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), big.Size)

	require.NoError(t, p.Put(a))
	require.NoError(t, p.Put(b))
	require.NoError(t, p.Put(c))
	require.NoError(t, p.Put(big))
	assert.Equal(t, map[uint64]int{64: 2, 256: 1}, p.Stats())

	st, err := m.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint32(3), st.LiveBlocks)

	again, err := p.Get(30)
	require.NoError(t, err)
	assert.Contains(t, []Buffer{a, b}, again)
	assert.Equal(t, 1, p.Stats()[64])

	require.NoError(t, p.Put(again))
	extra, err := m.Allocate(64)
	require.NoError(t, err)
	require.NoError(t, p.Put(extra))
	st, err = m.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint32(3), st.LiveBlocks, "a full class deallocates")

	require.NoError(t, p.Drain())
	assert.Equal(t, map[uint64]int{64: 0, 256: 0}, p.Stats())
	st, err = m.Stats()
	require.NoError(t, err)
	assert.Zero(t, st.LiveBlocks)
}

func TestNewPoolRejectsBadClasses(t *testing.T) {
	_, err := NewPool(nil, []SizeClass{{Size: 0, Keep: 1}})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewPool(nil, []SizeClass{{Size: 8, Keep: 1}, {Size: 8, Keep: 2}})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
