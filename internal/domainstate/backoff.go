package domainstate

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// BackoffPolicy describes one exponential backoff curve.
type BackoffPolicy struct {
	Base time.Duration `mapstructure:"base"`
	Max  time.Duration `mapstructure:"max"`
}

// Validate checks that the curve is usable.
func (p BackoffPolicy) Validate() error {
	if p.Base <= 0 {
		return errors.New("backoff base must be > 0")
	}
	if p.Max < p.Base {
		return fmt.Errorf("backoff max %s must be >= base %s", p.Max, p.Base)
	}
	return nil
}

// Raw returns min(Base*2^attempts, Max) without jitter.
func (p BackoffPolicy) Raw(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 62 {
		return p.Max
	}
	factor := math.Pow(2, float64(attempts))
	d := float64(p.Base) * factor
	if d >= float64(p.Max) || math.IsInf(d, 1) {
		return p.Max
	}
	return time.Duration(d)
}

// Ceiling returns the largest value Jittered can produce for attempts.
func (p BackoffPolicy) Ceiling(attempts int, jitter float64) time.Duration {
	return scale(p.Raw(attempts), 1+clampJitter(jitter))
}

// Jittered applies a symmetric jitter to Raw. draw must be in [-1, 1]; the
// result lies in Raw*(1±jitter).
func (p BackoffPolicy) Jittered(attempts int, jitter, draw float64) time.Duration {
	if draw < -1 {
		draw = -1
	}
	if draw > 1 {
		draw = 1
	}
	return scale(p.Raw(attempts), 1+clampJitter(jitter)*draw)
}

func clampJitter(j float64) float64 {
	switch {
	case j < 0:
		return 0
	case j > 1:
		return 1
	default:
		return j
	}
}

func scale(d time.Duration, f float64) time.Duration {
	if f <= 0 {
		return 0
	}
	return time.Duration(float64(d) * f)
}
