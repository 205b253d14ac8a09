package engine

import (
	"sync/atomic"

	"github.com/ashureev/simroom/internal/domain"
)

// Coordinator finalizes a session exactly once. The first Submit runs the
// finalize action; later calls return domain.ErrAlreadySubmitted.
type Coordinator struct {
	submitted atomic.Bool
	finalize  func(reason domain.SubmitReason)
}

// NewCoordinator creates a coordinator around finalize.
func NewCoordinator(finalize func(reason domain.SubmitReason)) *Coordinator {
	return &Coordinator{finalize: finalize}
}

// Submit latches the session as submitted and runs finalize if this call
// won the latch.
func (c *Coordinator) Submit(reason domain.SubmitReason) error {
	if !c.submitted.CompareAndSwap(false, true) {
		return domain.ErrAlreadySubmitted
	}
	if c.finalize != nil {
		c.finalize(reason)
	}
	return nil
}

// Submitted reports whether the latch is set.
func (c *Coordinator) Submitted() bool {
	return c.submitted.Load()
}
