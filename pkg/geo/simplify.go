package geo

import (
	"context"
	"errors"
)

// ErrSimplifyCanceled is returned when the context ends before a
// simplification finished.
var ErrSimplifyCanceled = errors.New("simplification canceled")

// ctxPollInterval is how many stack pops happen between context checks.
const ctxPollInterval = 256

type span struct {
	first, last int
}

// SimplifyRDP reduces a point sequence with the Ramer-Douglas-Peucker
// algorithm using epsilon in degrees. The first and last point are always
// kept. Epsilon <= 0 or fewer than three points return a copy of the input.
//
// The work runs on an explicit stack so very long tracks cannot exhaust the
// goroutine stack. Worst case is O(n^2) for near-collinear input, typical
// tracks are close to O(n log n).
func SimplifyRDP[T Locator](points []T, epsilon float64) []T {
	out, _ := SimplifyRDPContext(context.Background(), points, epsilon)
	return out
}

// SimplifyRDPContext is SimplifyRDP with cancellation. On cancellation it
// returns nil and ErrSimplifyCanceled.
func SimplifyRDPContext[T Locator](ctx context.Context, points []T, epsilon float64) ([]T, error) {
	if epsilon <= 0 || len(points) < 3 {
		return append([]T(nil), points...), nil
	}

	keep := make([]bool, len(points))
	keep[0] = true
	keep[len(points)-1] = true

	stack := []span{{0, len(points) - 1}}
	pops := 0
	for len(stack) > 0 {
		pops++
		if pops%ctxPollInterval == 0 && ctx.Err() != nil {
			return nil, ErrSimplifyCanceled
		}

		s := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if s.last-s.first < 2 {
			continue
		}

		a, b := points[s.first].Coord(), points[s.last].Coord()
		maxDist, index := 0.0, -1
		for i := s.first + 1; i < s.last; i++ {
			if d := PerpendicularDistance(points[i].Coord(), a, b); d > maxDist {
				maxDist, index = d, i
			}
		}

		if index >= 0 && maxDist > epsilon {
			keep[index] = true
			stack = append(stack, span{index, s.last}, span{s.first, index})
		}
	}

	out := make([]T, 0, len(points)/4+2)
	for i, k := range keep {
		if k {
			out = append(out, points[i])
		}
	}
	return out, nil
}

// Decimate keeps every stride-th point plus the last one. A stride below 2
// returns a copy of the input.
func Decimate[T any](points []T, stride int) []T {
	if stride < 2 || len(points) < 3 {
		return append([]T(nil), points...)
	}
	out := make([]T, 0, len(points)/stride+2)
	for i := 0; i < len(points)-1; i += stride {
		out = append(out, points[i])
	}
	return append(out, points[len(points)-1])
}

// DecimateToBudget decimates with the smallest stride that yields at most
// budget points. The first and last points always survive, so the result
// never has fewer than two points when the input had two or more.
func DecimateToBudget[T any](points []T, budget int) []T {
	if budget <= 0 || len(points) <= budget {
		return append([]T(nil), points...)
	}
	if budget < 2 {
		budget = 2
	}
	stride := (len(points) - 1 + budget - 2) / (budget - 1)
	return Decimate(points, stride)
}
