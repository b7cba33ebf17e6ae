package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/RevCBH/hsenotify/internal/dispatch"
)

// Multi fans a message out to several channels concurrently
type Multi struct {
	channels []dispatch.Channel
}

// NewMulti creates a Multi channel over the given backends
func NewMulti(channels ...dispatch.Channel) *Multi {
	return &Multi{channels: channels}
}

// Send delivers to every backend. The message counts as delivered when at
// least one backend accepted it; otherwise a transient failure anywhere makes
// the whole send transient.
func (m *Multi) Send(ctx context.Context, msg dispatch.Message) dispatch.DeliveryResult {
	if len(m.channels) == 0 {
		return dispatch.Permanent(errors.New("no delivery channels configured"))
	}

	results := make([]dispatch.DeliveryResult, len(m.channels))
	var wg sync.WaitGroup
	for i, ch := range m.channels {
		wg.Add(1)
		go func(i int, ch dispatch.Channel) {
			defer wg.Done()
			results[i] = ch.Send(ctx, msg)
		}(i, ch)
	}
	wg.Wait()

	var (
		errs      []error
		transient bool
	)
	for i, r := range results {
		switch r.Result {
		case dispatch.ResultSuccess:
			return dispatch.Success()
		case dispatch.ResultTransientFailure:
			transient = true
		}
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.channels[i].Name(), r.Err))
		}
	}
	err := errors.Join(errs...)
	if transient {
		return dispatch.Transient(err)
	}
	return dispatch.Permanent(err)
}

// Name returns "multi"
func (m *Multi) Name() string {
	return "multi"
}
