package record

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/livox/internal/livox"
)

func testBatch(n int, base time.Time) []livox.PointRecord {
	points := make([]livox.PointRecord, n)
	for i := range points {
		points[i] = livox.PointRecord{
			X:            float32(i) * 0.1,
			Y:            float32(i) * -0.1,
			Z:            float32(i) * 0.05,
			Reflectivity: uint8(i),
			Timestamp:    base.Add(time.Duration(i) * 10 * time.Microsecond),
		}
	}
	return points
}

func TestStoreCaptureRoundTrip(t *testing.T) {
	store, err := NewStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	id, err := store.BeginCapture("0TFDG3B006H2Z11")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	base := time.Unix(0, 1_000_000)
	require.NoError(t, store.OnPointBatch(testBatch(4, base)))
	require.NoError(t, store.OnPointBatch(testBatch(6, base.Add(time.Millisecond))))
	require.NoError(t, store.OnPointBatch(nil), "empty batches are a no-op")

	n, err := store.PointCount(id)
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)

	require.NoError(t, store.EndCapture())

	captures, err := store.Captures()
	require.NoError(t, err)
	assert.Equal(t, []string{id}, captures)
}

func TestStoreRejectsBatchOutsideCapture(t *testing.T) {
	store, err := NewStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	err = store.OnPointBatch(testBatch(1, time.Unix(0, 0)))
	require.Error(t, err)
}

func TestStoreRejectsNestedCaptures(t *testing.T) {
	store, err := NewStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	first, err := store.BeginCapture("0TFDG3B006H2Z11")
	require.NoError(t, err)

	_, err = store.BeginCapture("1HDDG8M00100071")
	require.Error(t, err)

	require.NoError(t, store.EndCapture())

	second, err := store.BeginCapture("1HDDG8M00100071")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestStoreSeparatesCaptures(t *testing.T) {
	store, err := NewStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	base := time.Unix(0, 0)

	first, err := store.BeginCapture("0TFDG3B006H2Z11")
	require.NoError(t, err)
	require.NoError(t, store.OnPointBatch(testBatch(3, base)))
	require.NoError(t, store.EndCapture())

	second, err := store.BeginCapture("0TFDG3B006H2Z11")
	require.NoError(t, err)
	require.NoError(t, store.OnPointBatch(testBatch(5, base)))
	require.NoError(t, store.EndCapture())

	n, err := store.PointCount(first)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = store.PointCount(second)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}
