package aec

import "github.com/vuemix/echotap/internal/format"

// Disabled is the no-op canceller variant. It never produces output, which
// makes the processor fall through to passthrough every cycle.
type Disabled struct{}

func (Disabled) Configure(near, far format.Format) error { return nil }

func (Disabled) Process(near, far []int16) ([]int16, error) { return nil, nil }

func (Disabled) Flush() {}
