package cachedurl

import (
	"errors"
	"testing"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestEstimatorTransitions(t *testing.T) {
	var e Estimator
	var tests = []struct {
		observed time.Duration
		outcome  Outcome
		average  time.Duration
		state    EstimatorState
	}{
		{time.Minute, NotRecordable, 0, NoEstimate},
		{time.Minute, Timeout, 90 * time.Second, HasEstimate},
		{30 * time.Second, Normal, time.Minute, HasEstimate},
		{3 * time.Minute, Normal, 2 * time.Minute, HasEstimate},
		{time.Minute, Timeout, 3 * time.Minute, HasEstimate},
		{10 * time.Minute, NotRecordable, 3 * time.Minute, HasEstimate},
		{4 * time.Minute, Timeout, 6 * time.Minute, HasEstimate},
	}
	for i, test := range tests {
		e.Update(test.observed, test.outcome)
		if e.Average != test.average || e.State() != test.state {
			t.Errorf("%d: Received %v (%v), expected %v (%v)", i, e.Average, e.State(), test.average, test.state)
		}
	}

	e = Estimator{}
	e.Update(time.Minute, Normal)
	require.Equal(t, time.Minute, e.Average)
}

func TestStoreActualHashDuration(t *testing.T) {
	s := newSet(t)
	put(t, s, "http://x.org/1", make([]byte, 1000), baseTime)
	s.HashSpeed = 100

	// no estimate yet, so use the size
	d, err := s.EstimatedHashDuration()
	require.NoError(t, err)
	require.Equal(t, 10*time.Second, d)

	require.NoError(t, s.StoreActualHashDuration(100*time.Second, nil))
	st, err := s.Repo.AUState(s.Collection, s.AUID)
	require.NoError(t, err)
	require.Equal(t, 100*time.Second, st.HashEstimate)
	require.True(t, st.LastHash.Equal(baseTime))

	d, err = s.EstimatedHashDuration()
	require.NoError(t, err)
	require.Equal(t, 110*time.Second, d)

	// other errors leave the average alone
	require.NoError(t, s.StoreActualHashDuration(time.Hour, errors.New("disk on fire")))
	d, _ = s.EstimatedHashDuration()
	require.Equal(t, 110*time.Second, d)

	// timeouts grow it
	require.NoError(t, s.StoreActualHashDuration(50*time.Second, pkgerrors.Wrap(ErrHashTimeout, "hashing")))
	st, _ = s.Repo.AUState(s.Collection, s.AUID)
	require.Equal(t, 150*time.Second, st.HashEstimate)

	// node and range sets never record, and estimate from the size
	node := s.Sub(NodeSpec("http://x.org/1"))
	require.NoError(t, node.StoreActualHashDuration(time.Second, nil))
	st, _ = s.Repo.AUState(s.Collection, s.AUID)
	require.Equal(t, 150*time.Second, st.HashEstimate)
	d, err = node.EstimatedHashDuration()
	require.NoError(t, err)
	require.Equal(t, 10*time.Second, d)

	d, err = s.Sub(PrefixSpec("http://x.org/none")).EstimatedHashDuration()
	require.NoError(t, err)
	require.Equal(t, MinHashDuration, d)

	// the stored average belongs to the whole AU, so an unbounded prefix
	// does not feed it either
	prefix := s.Sub(PrefixSpec("http://x.org/"))
	require.NoError(t, prefix.StoreActualHashDuration(time.Second, nil))
	st, _ = s.Repo.AUState(s.Collection, s.AUID)
	require.Equal(t, 150*time.Second, st.HashEstimate)
	d, err = prefix.EstimatedHashDuration()
	require.NoError(t, err)
	require.Equal(t, 10*time.Second, d)
}
