package worker

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/loomstack/loom/internal/assert"
)

func TestRetryBackoffDoubles(t *testing.T) {
	as := assert.New(t)
	base := time.Second
	cap := 5 * time.Minute

	as.Equal(time.Second, retryBackoff(base, cap, 1))
	as.Equal(2*time.Second, retryBackoff(base, cap, 2))
	as.Equal(4*time.Second, retryBackoff(base, cap, 3))
	as.Equal(8*time.Second, retryBackoff(base, cap, 4))
}

func TestRetryBackoffCaps(t *testing.T) {
	as := assert.New(t)
	base := time.Second
	cap := 5 * time.Second

	as.Equal(4*time.Second, retryBackoff(base, cap, 3))
	as.Equal(cap, retryBackoff(base, cap, 4))
	as.Equal(cap, retryBackoff(base, cap, 50))
	as.Equal(cap, retryBackoff(base, cap, 1000))
}

func TestRetryBackoffClampsAttempt(t *testing.T) {
	as := assert.New(t)
	as.Equal(time.Second, retryBackoff(time.Second, time.Minute, 0))
	as.Equal(time.Second, retryBackoff(time.Second, time.Minute, -5))
}

// TestRetryBackoffProperty checks the bounds of the schedule for arbitrary
// inputs: never above cap, never below base while base fits under cap, and
// non-decreasing in the attempt number
func TestRetryBackoffProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	genBase := gen.Int64Range(1, int64(time.Minute))
	genCap := gen.Int64Range(1, int64(time.Hour))
	genAttempt := gen.IntRange(1, 200)

	properties.Property("bounded by cap", prop.ForAll(
		func(base, capMs int64, attempt int) bool {
			b, c := time.Duration(base), time.Duration(capMs)
			if c < b {
				c = b
			}
			d := retryBackoff(b, c, attempt)
			return d >= b && d <= c
		},
		genBase, genCap, genAttempt,
	))

	properties.Property("non-decreasing in attempt", prop.ForAll(
		func(base, capMs int64, attempt int) bool {
			b, c := time.Duration(base), time.Duration(capMs)
			if c < b {
				c = b
			}
			return retryBackoff(b, c, attempt) <= retryBackoff(b, c, attempt+1)
		},
		genBase, genCap, genAttempt,
	))

	properties.TestingRun(t)
}
