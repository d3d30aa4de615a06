// Package scoring computes time-decayed points for correct answers.
//
// A correct answer at server-observed elapsed time t, 0 <= t <= D, earns
//
//	min + (max - min) * (1 - t/D)
//
// clamped to [min, max] and floored to an integer. Answers after D, wrong answers and missing
// answers earn nothing.
package scoring

import (
	"math"
	"time"

	"github.com/kauschie/knewit/internal/domain"
)

const (
	DefaultMaxPoints = 10
	DefaultMinPoints = 5
	DefaultDeadline  = 20 * time.Second
)

// Policy holds the scoring parameters for one quiz.
type Policy struct {
	MaxPoints float64
	MinPoints float64
	Deadline  time.Duration
}

// DefaultPolicy returns the 10/5 point policy with a 20s deadline.
func DefaultPolicy() Policy {
	return Policy{MaxPoints: DefaultMaxPoints, MinPoints: DefaultMinPoints, Deadline: DefaultDeadline}
}

// ForQuiz applies per-quiz overrides. A quiz-level max keeps the policy's floor ratio.
func (p Policy) ForQuiz(q domain.Quiz) Policy {
	out := p.normalized()
	if q.MaxPoints > 0 {
		ratio := 0.0
		if out.MaxPoints > 0 {
			ratio = out.MinPoints / out.MaxPoints
		}
		out.MaxPoints = float64(q.MaxPoints)
		out.MinPoints = math.Floor(out.MaxPoints * ratio)
	}
	if q.TimeLimitSeconds > 0 {
		out.Deadline = time.Duration(q.TimeLimitSeconds) * time.Second
	}
	return out
}

func (p Policy) normalized() Policy {
	if p.MaxPoints <= 0 {
		p.MaxPoints = DefaultMaxPoints
	}
	if p.MinPoints < 0 {
		p.MinPoints = 0
	}
	if p.MinPoints > p.MaxPoints {
		p.MinPoints = p.MaxPoints
	}
	if p.Deadline <= 0 {
		p.Deadline = DefaultDeadline
	}
	return p
}

// Raw returns the unrounded score for an answer.
func (p Policy) Raw(correct bool, elapsed time.Duration) float64 {
	p = p.normalized()
	if !correct || elapsed > p.Deadline {
		return 0
	}
	if elapsed < 0 {
		elapsed = 0
	}
	fraction := 1 - float64(elapsed)/float64(p.Deadline)
	raw := p.MinPoints + (p.MaxPoints-p.MinPoints)*fraction
	return math.Min(p.MaxPoints, math.Max(p.MinPoints, raw))
}

// Points is Raw floored to whole points.
func (p Policy) Points(correct bool, elapsed time.Duration) int {
	return int(math.Floor(p.Raw(correct, elapsed)))
}
