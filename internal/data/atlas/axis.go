package atlas

import "fmt"

// Axis names a slice orientation.
type Axis string

const (
	Coronal    Axis = "coronal"
	Horizontal Axis = "horizontal"
	Sagittal   Axis = "sagittal"
	Top        Axis = "top"
	Swanson    Axis = "swanson"
)

// SliceAxes are the three orthogonal axes with a slider.
var SliceAxes = []Axis{Coronal, Horizontal, Sagittal}

// StaticAxes are the two fixed, single-image views.
var StaticAxes = []Axis{Top, Swanson}

// AllAxes lists every axis that has slice imagery.
var AllAxes = []Axis{Coronal, Horizontal, Sagittal, Top, Swanson}

// ParseAxis validates an axis name.
func ParseAxis(s string) (Axis, error) {
	switch a := Axis(s); a {
	case Coronal, Horizontal, Sagittal, Top, Swanson:
		return a, nil
	}
	return "", fmt.Errorf("unknown axis: %q", s)
}

// Static reports whether the axis is one of the fixed-orientation views.
func (a Axis) Static() bool {
	return a == Top || a == Swanson
}

// Max returns the slider maximum (in canonical fine-grained units) of the axis.
// Static axes have a single slice.
func (a Axis) Max() int {
	switch a {
	case Coronal:
		return 1320
	case Horizontal:
		return 800
	case Sagittal:
		return 1140
	default:
		return 0
	}
}

// Default returns the initial slider position of the axis.
func (a Axis) Default() int {
	switch a {
	case Coronal:
		return 1320 / 2
	case Horizontal:
		return 800 / 2
	case Sagittal:
		return 1140/2 - 20
	default:
		return 0
	}
}

// Dim returns the canonical array dimension of a slice axis, or -1.
func (a Axis) Dim() int {
	switch a {
	case Coronal:
		return 0
	case Horizontal:
		return 1
	case Sagittal:
		return 2
	default:
		return -1
	}
}
