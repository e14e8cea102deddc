package task

import (
	"fmt"
	"math"
	"strings"
)

// Region is a rectangle in normalized frame coordinates; (0,0) is the top-left corner.
type Region struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (r Region) Validate() error {
	for _, v := range []struct {
		name string
		val  float64
	}{{"x", r.X}, {"y", r.Y}, {"width", r.Width}, {"height", r.Height}} {
		if math.IsNaN(v.val) || math.IsInf(v.val, 0) {
			return fmt.Errorf("%s is not a finite number", v.name)
		}
		if v.val < 0 || v.val > 1 {
			return fmt.Errorf("%s=%g is outside [0,1]", v.name, v.val)
		}
	}
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("width and height must be positive")
	}
	// small tolerance for clients that round coordinates
	const eps = 1e-9
	if r.X+r.Width > 1+eps || r.Y+r.Height > 1+eps {
		return fmt.Errorf("region extends past the frame edge")
	}
	return nil
}

// ValidationError is returned for submissions rejected before any task exists.
type ValidationError struct {
	Field    string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, strings.Join(e.Problems, "; "))
}

// ValidateRegions requires at least one region and checks each of them.
func ValidateRegions(regions []Region) error {
	if len(regions) == 0 {
		return &ValidationError{Field: "regions", Problems: []string{"at least one region is required"}}
	}
	var problems []string
	for i, r := range regions {
		if err := r.Validate(); err != nil {
			problems = append(problems, fmt.Sprintf("region[%d]: %v", i, err))
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Field: "regions", Problems: problems}
	}
	return nil
}
