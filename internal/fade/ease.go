// Package fade animates layer opacity transitions on the 2D map.
package fade

// Ease is the quadratic ease-in-out curve every opacity transition and
// timelapse cross-fade uses. t is clamped to [0, 1].
func Ease(t float64) float64 {
	if t <= 0 {
		return 0
	}
	if t >= 1 {
		return 1
	}
	if t < 0.5 {
		return 2 * t * t
	}
	u := -2*t + 2
	return 1 - u*u/2
}
