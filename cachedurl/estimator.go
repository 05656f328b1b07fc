package cachedurl

import (
	"time"

	"github.com/pkg/errors"

	"github.com/ndlib/arcrepo/artifact"
)

// ErrHashTimeout is the error a hasher reports when a hash ran past its
// deadline. StoreActualHashDuration treats it as a sign the estimate is too
// small.
var ErrHashTimeout = errors.New("hash timed out")

// EstimatorState is the state of an Estimator.
type EstimatorState int

const (
	NoEstimate EstimatorState = iota
	HasEstimate
)

// Outcome classifies a finished hash for the estimator.
type Outcome int

const (
	// Normal hashes move the average toward the observed duration.
	Normal Outcome = iota
	// Timeout hashes grow the average.
	Timeout
	// NotRecordable hashes leave the average alone, e.g. hashes of part
	// of an AU, or hashes which failed for other reasons.
	NotRecordable
)

// TimeoutGrowth is the factor the estimate grows by after a timeout.
const TimeoutGrowth = 1.5

// MinHashDuration is the smallest estimate returned.
const MinHashDuration = 100 * time.Millisecond

// Estimator keeps the running average of full AU hash durations.
type Estimator struct {
	Average time.Duration
}

// State returns whether there is an estimate.
func (e Estimator) State() EstimatorState {
	if e.Average > 0 {
		return HasEstimate
	}
	return NoEstimate
}

// Update records a hash which took observed time.
func (e *Estimator) Update(observed time.Duration, o Outcome) {
	switch o {
	case Normal:
		if e.State() == NoEstimate {
			e.Average = observed
		} else {
			e.Average = (e.Average + observed) / 2
		}
	case Timeout:
		base := e.Average
		if observed > base {
			base = observed
		}
		e.Average = time.Duration(float64(base) * TimeoutGrowth)
	}
}

// EstimatedHashDuration guesses how long hashing this set will take. For a
// whole AU with a stored average, the average plus Padding is used.
// Otherwise the estimate is the content size divided by HashSpeed.
func (s *Set) EstimatedHashDuration() (time.Duration, error) {
	if s.Spec.Kind == AU {
		st, err := s.Repo.AUState(s.Collection, s.AUID)
		if err != nil {
			return 0, err
		}
		if st != nil && st.HashEstimate > 0 {
			return time.Duration(float64(st.HashEstimate) * (1 + s.Padding)), nil
		}
	}
	size, err := s.ContentSize()
	if err != nil {
		return 0, err
	}
	d := time.Duration(float64(size) / float64(s.HashSpeed) * float64(time.Second))
	if d < MinHashDuration {
		d = MinHashDuration
	}
	return d, nil
}

// StoreActualHashDuration records how long a hash of this set took. err is
// the error the hash ended with, if any. Only hashes of a whole AU which
// finished or timed out change the stored average.
func (s *Set) StoreActualHashDuration(d time.Duration, err error) error {
	outcome := Normal
	switch {
	case s.Spec.Kind != AU:
		outcome = NotRecordable
	case err == nil:
	case errors.Is(err, ErrHashTimeout):
		outcome = Timeout
	default:
		outcome = NotRecordable
	}
	if outcome == NotRecordable {
		return nil
	}
	now := s.Clock.Now()
	return s.Repo.UpdateAUState(s.Collection, s.AUID, func(st *artifact.AUState) {
		e := Estimator{Average: st.HashEstimate}
		e.Update(d, outcome)
		st.HashEstimate = e.Average
		if outcome == Normal {
			st.LastHash = now
		}
	})
}
