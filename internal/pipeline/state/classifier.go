package state

import (
	"sync"

	"github.com/emperorhan/tbm-forecaster/internal/domain/model"
)

// Classify maps a cutterhead torque reading to a machine state: active only
// for a present, strictly positive value.
func Classify(torque model.Reading) model.MachineState {
	if torque.Valid && torque.Value > 0 {
		return model.MachineStateActive
	}
	return model.MachineStateRest
}

// Classifier remembers the last state so transitions are reported once. There
// is no debounce: a torque reading that flickers around zero produces a
// transition every time.
type Classifier struct {
	index int

	mu      sync.RWMutex
	current model.MachineState
}

// New watches the catalog slot index. The initial state is rest.
func New(index int) *Classifier {
	return &Classifier{index: index, current: model.MachineStateRest}
}

// NewTorque watches the cutterhead torque slot.
func NewTorque() *Classifier {
	return New(model.TorqueIndex)
}

// Observe classifies v and remembers the result. changed is true only when
// it differs from the previous observation.
func (c *Classifier) Observe(v model.FeatureVector) (model.MachineState, bool) {
	next := Classify(v[c.index])

	c.mu.Lock()
	defer c.mu.Unlock()
	changed := next != c.current
	c.current = next
	return next, changed
}

func (c *Classifier) Current() model.MachineState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}
