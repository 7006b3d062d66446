package training

import "github.com/tsawler/go-mnist/engine"

// ShapeNegativeGradients multiplies every strictly negative gradient
// component by factor. Zero and positive components are left alone, and a
// factor of 1 changes nothing.
func ShapeNegativeGradients(params []*engine.Parameter, factor float64) {
	if factor == 1 {
		return
	}
	for _, p := range params {
		for i, g := range p.Grad {
			if g < 0 {
				p.Grad[i] = g * factor
			}
		}
	}
}
