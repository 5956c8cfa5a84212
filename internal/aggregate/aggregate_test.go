package aggregate

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geostore/geostore/internal/logging/audit"
	"github.com/geostore/geostore/internal/store"
	"github.com/geostore/geostore/pkg/proto"
	"github.com/geostore/geostore/testutil"
)

func newTestAggregator(t *testing.T) (*Aggregator, *store.Store) {
	t.Helper()
	s := testutil.OpenStore(t)
	agg := New(Config{
		Store:            s,
		Audit:            audit.Nop(),
		Metrics:          testutil.FreshMetrics(t),
		ComparePrecision: 5,
		Logger:           zerolog.Nop(),
	})
	return agg, s
}

func TestRecordAccessesBuildsCentroid(t *testing.T) {
	agg, s := newTestAggregator(t)

	// Three accesses in the same 5-char bucket around San Francisco.
	reports := []proto.AccessReport{
		{File: "f1", Geohash: "9q8yyk8yt", DeviceID: "d1", Timestamp: time.Now()},
		{File: "f1", Geohash: "9q8yym2cz", DeviceID: "d2", Timestamp: time.Now()},
		{File: "f1", Geohash: "9q8yyjb0e", DeviceID: "d1", Timestamp: time.Now()},
	}
	require.NoError(t, agg.RecordAccesses(reports))

	c, err := s.GetCentroid("f1", "9q8yy")
	require.NoError(t, err)
	assert.Equal(t, 3, c.SampleCount)
	assert.Len(t, c.CentroidGeohash, 9)
	assert.Equal(t, "9q8yy", c.CentroidGeohash[:5], "centroid stays inside the bucket")
	assert.False(t, c.Replicated)
}

func TestRecordAccessesSeparateBuckets(t *testing.T) {
	agg, s := newTestAggregator(t)

	reports := []proto.AccessReport{
		{File: "f1", Geohash: "9q8yyk8yt", DeviceID: "d1"},
		{File: "f1", Geohash: "dr5regw3p", DeviceID: "d2"}, // New York
	}
	require.NoError(t, agg.RecordAccesses(reports))

	west, err := s.GetCentroid("f1", "9q8yy")
	require.NoError(t, err)
	assert.Equal(t, 1, west.SampleCount)

	east, err := s.GetCentroid("f1", "dr5re")
	require.NoError(t, err)
	assert.Equal(t, 1, east.SampleCount)
}

func TestRecordAccessesAccumulates(t *testing.T) {
	agg, s := newTestAggregator(t)

	require.NoError(t, agg.RecordAccesses([]proto.AccessReport{
		{File: "f1", Geohash: "9q8yyk8yt", DeviceID: "d1"},
	}))
	require.NoError(t, agg.RecordAccesses([]proto.AccessReport{
		{File: "f1", Geohash: "9q8yym2cz", DeviceID: "d2"},
		{File: "f1", Geohash: "9q8yyjb0e", DeviceID: "d3"},
	}))

	c, err := s.GetCentroid("f1", "9q8yy")
	require.NoError(t, err)
	assert.Equal(t, 3, c.SampleCount)
}

func TestRecordAccessesSkipsInvalid(t *testing.T) {
	agg, s := newTestAggregator(t)

	reports := []proto.AccessReport{
		{File: "f1", Geohash: "9q8yyk8yt", DeviceID: "d1"},
		{File: "f1", Geohash: "not a hash", DeviceID: "d2"},
		{File: "", Geohash: "9q8yyk8yt", DeviceID: "d3"},
	}
	require.NoError(t, agg.RecordAccesses(reports))

	c, err := s.GetCentroid("f1", "9q8yy")
	require.NoError(t, err)
	assert.Equal(t, 1, c.SampleCount)
}

func TestRecordAccessesAfterReset(t *testing.T) {
	agg, s := newTestAggregator(t)

	require.NoError(t, agg.RecordAccesses([]proto.AccessReport{
		{File: "f1", Geohash: "9q8yyk8yt", DeviceID: "d1"},
		{File: "f1", Geohash: "9q8yym2cz", DeviceID: "d2"},
	}))

	n, err := s.ResetCentroids("f1", []string{"9q8y"})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	c, err := s.GetCentroid("f1", "9q8yy")
	require.NoError(t, err)
	require.Equal(t, 0, c.SampleCount)

	// Only events recorded after the reset count again.
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, agg.RecordAccesses([]proto.AccessReport{
		{File: "f1", Geohash: "9q8yyjb0e", DeviceID: "d3"},
	}))

	c, err = s.GetCentroid("f1", "9q8yy")
	require.NoError(t, err)
	assert.Equal(t, 1, c.SampleCount)
	assert.False(t, c.ResetAt.IsZero())
}

func TestRecordAccessesPreservesReplicatedFlag(t *testing.T) {
	agg, s := newTestAggregator(t)

	require.NoError(t, agg.RecordAccesses([]proto.AccessReport{
		{File: "f1", Geohash: "9q8yyk8yt", DeviceID: "d1"},
	}))
	require.NoError(t, s.MarkReplicated("f1", "9q8yy"))

	require.NoError(t, agg.RecordAccesses([]proto.AccessReport{
		{File: "f1", Geohash: "9q8yym2cz", DeviceID: "d2"},
	}))

	c, err := s.GetCentroid("f1", "9q8yy")
	require.NoError(t, err)
	assert.True(t, c.Replicated)
	assert.Equal(t, 2, c.SampleCount)
}

func TestRecordAccessesPersistFailureDoesNotBlockSiblings(t *testing.T) {
	agg, s := newTestAggregator(t)

	// badger rejects keys over its size limit, so an oversized file id
	// fails persistence while its sibling lands and still gets its
	// centroid recomputed.
	huge := strings.Repeat("x", 70000)
	require.NoError(t, agg.RecordAccesses([]proto.AccessReport{
		{File: huge, Geohash: "9q8yyk8yt", DeviceID: "d1"},
		{File: "f1", Geohash: "9q8yym2cz", DeviceID: "d2"},
	}))

	c, err := s.GetCentroid("f1", "9q8yy")
	require.NoError(t, err)
	assert.Equal(t, 1, c.SampleCount)

	_, err = s.GetCentroid(huge, "9q8yy")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRecordAccessesEncodePrecision(t *testing.T) {
	s := testutil.OpenStore(t)
	agg := New(Config{
		Store:            s,
		Audit:            audit.Nop(),
		Metrics:          testutil.FreshMetrics(t),
		ComparePrecision: 5,
		EncodePrecision:  6,
		Logger:           zerolog.Nop(),
	})

	require.NoError(t, agg.RecordAccesses([]proto.AccessReport{
		{File: "f1", Geohash: "9q8yyk8yt", DeviceID: "d1"},
	}))

	c, err := s.GetCentroid("f1", "9q8yy")
	require.NoError(t, err)
	assert.Len(t, c.CentroidGeohash, 6)
	assert.Equal(t, "9q8yy", c.CentroidGeohash[:5])
}

func TestRecordAccessesAuditsDroppedReports(t *testing.T) {
	s := testutil.OpenStore(t)
	var buf bytes.Buffer
	agg := New(Config{
		Store:            s,
		Audit:            audit.NewLogger(&buf, 50001, zerolog.Nop()),
		Metrics:          testutil.FreshMetrics(t),
		ComparePrecision: 5,
		Logger:           zerolog.Nop(),
	})

	// One bad geohash, one missing file id: both dropped, both still
	// leave a trace in the audit trail.
	require.NoError(t, agg.RecordAccesses([]proto.AccessReport{
		{File: "f1", Geohash: "not a hash", DeviceID: "d2"},
		{File: "", Geohash: "9q8yyk8yt", DeviceID: "d3"},
	}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		assert.Contains(t, line, string(audit.EventReceiveAccessReport))
	}
}
