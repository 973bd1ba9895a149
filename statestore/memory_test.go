package statestore

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streamexporter/errors"
)

func TestMemoryGetMissingKey(t *testing.T) {
	m := NewMemory()

	_, err := m.Get(context.Background(), "exporter.running")
	assert.True(t, errors.Is(err, errors.ErrKeyNotFound))
}

func TestMemoryPutGetDelete(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, "exporter.running", []byte("1")))

	value, err := m.Get(ctx, "exporter.running")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), value)

	require.NoError(t, m.Delete(ctx, "exporter.running"))
	_, err = m.Get(ctx, "exporter.running")
	assert.True(t, errors.Is(err, errors.ErrKeyNotFound))

	// Deleting an absent key is not an error
	assert.NoError(t, m.Delete(ctx, "exporter.running"))
}

func TestMemoryCreateIsExclusive(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, "exporter.autostart_completed", []byte("1")))
	err := m.Create(ctx, "exporter.autostart_completed", []byte("1"))
	assert.True(t, errors.Is(err, errors.ErrKeyExists))
}

func TestMemoryCreateConcurrentSingleWinner(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	const workers = 32
	var wg sync.WaitGroup
	winners := make(chan int, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := m.Create(ctx, "exporter.autostart_completed", []byte("1")); err == nil {
				winners <- id
			}
		}(i)
	}
	wg.Wait()
	close(winners)

	count := 0
	for range winners {
		count++
	}
	assert.Equal(t, 1, count, "exactly one concurrent Create must win")
}

func TestMemoryGetReturnsCopy(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, "exporter.host", []byte("0.0.0.0")))

	value, err := m.Get(ctx, "exporter.host")
	require.NoError(t, err)
	value[0] = 'X'

	again, err := m.Get(ctx, "exporter.host")
	require.NoError(t, err)
	assert.Equal(t, []byte("0.0.0.0"), again)
}

func TestFlagHelpers(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	set, err := FlagSet(ctx, m, "exporter.running")
	require.NoError(t, err)
	assert.False(t, set, "absent flag reads as unset")

	require.NoError(t, m.Put(ctx, "exporter.running", []byte("1")))
	set, err = FlagSet(ctx, m, "exporter.running")
	require.NoError(t, err)
	assert.True(t, set)

	s, err := GetString(ctx, m, "exporter.port")
	require.NoError(t, err)
	assert.Equal(t, "", s)
}
