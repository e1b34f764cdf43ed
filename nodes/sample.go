package nodes

import (
	"context"
	"fmt"

	"github.com/birdayz/kflow/knode"
)

// SampleMode selects which rows a Sample passes.
type SampleMode string

const (
	// SampleFirst passes the first Size rows and stops reading.
	SampleFirst SampleMode = "first"
	// SampleNth passes every Size-th row.
	SampleNth SampleMode = "nth"
)

// Sample passes a subset of its single input.
type Sample struct {
	knode.Base

	Size int
	Mode SampleMode
}

func (s *Sample) Initialize(ctx context.Context) error {
	if err := requireInputs(s, 1); err != nil {
		return err
	}
	switch s.Mode {
	case "", SampleFirst:
		if s.Size < 0 {
			return fmt.Errorf("sample size must not be negative, got %d", s.Size)
		}
	case SampleNth:
		if s.Size < 1 {
			return fmt.Errorf("nth sample needs a size of at least 1, got %d", s.Size)
		}
	default:
		return fmt.Errorf("unknown sample mode %q", s.Mode)
	}
	return nil
}

func (s *Sample) Run(ctx context.Context) error {
	in := s.Input(0)

	if s.Mode == SampleNth {
		i := 0
		for row := range in.Rows() {
			if i%s.Size == 0 && !s.Put(row) {
				return nil
			}
			i++
		}
		return nil
	}

	if s.Size == 0 {
		return nil
	}
	n := 0
	for row := range in.Rows() {
		if !s.Put(row) {
			return nil
		}
		n++
		if n >= s.Size {
			// The remaining rows are not needed; the input is released on
			// return.
			return nil
		}
	}
	return nil
}

func (s *Sample) Attributes() map[string]any {
	mode := s.Mode
	if mode == "" {
		mode = SampleFirst
	}
	return map[string]any{
		"size": s.Size,
		"mode": string(mode),
	}
}
