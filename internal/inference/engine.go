package inference

import (
	"context"
	"fmt"
)

//go:generate mockgen -destination=mocks/mock_engine.go -package=mocks . Engine

// Engine runs one forward pass of the forecasting model.
type Engine interface {
	Infer(ctx context.Context, in Tensor) (Tensor, error)
	Ready(ctx context.Context) error
}

// Tensor is a named, row-major float32 tensor.
type Tensor struct {
	Name  string
	Shape []int
	Data  []float32
}

// Elements is the product of Shape.
func (t Tensor) Elements() int {
	if len(t.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Validate checks that Data matches Shape.
func (t Tensor) Validate() error {
	for _, d := range t.Shape {
		if d <= 0 {
			return fmt.Errorf("tensor %q: non-positive dimension in shape %v", t.Name, t.Shape)
		}
	}
	if n := t.Elements(); n != len(t.Data) {
		return fmt.Errorf("tensor %q: shape %v needs %d values, got %d", t.Name, t.Shape, n, len(t.Data))
	}
	return nil
}
