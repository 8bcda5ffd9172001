package target

import (
	"context"
	"fmt"

	"github.com/markus-k/probe-rs/internal/errors"
)

// Shared owns the probe for the whole process. Front ends never call a
// Target directly; they go through Do, which selects the requested core and
// guarantees that at most one hardware operation is in flight.
type Shared struct {
	t    Target
	name string
	sem  chan struct{}
}

// NewShared wraps t. name is reported in status output.
func NewShared(t Target, name string) *Shared {
	return &Shared{
		t:    t,
		name: name,
		sem:  make(chan struct{}, 1),
	}
}

// Name returns the probe name.
func (s *Shared) Name() string {
	return s.name
}

// CoreCount returns the number of cores behind the probe.
func (s *Shared) CoreCount() int {
	return s.t.CoreCount()
}

// Do runs fn with exclusive access to the probe after selecting core.
// It waits for the probe or for ctx, whichever comes first.
func (s *Shared) Do(ctx context.Context, core int, fn func(Target) error) error {
	if core < 0 || core >= s.t.CoreCount() {
		return errors.NoSuchCore(core, s.t.CoreCount())
	}

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.sem }()

	if err := s.t.SelectCore(ctx, core); err != nil {
		return fmt.Errorf("failed to select core %d: %w", core, err)
	}
	return fn(s.t)
}

// Status reads the run state of core.
func (s *Shared) Status(ctx context.Context, core int) (CoreStatus, error) {
	var st CoreStatus
	err := s.Do(ctx, core, func(t Target) error {
		var err error
		st, err = t.Status(ctx)
		return err
	})
	return st, err
}
