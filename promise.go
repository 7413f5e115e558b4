package autocron

import (
	"context"
	"time"

	"github.com/nextlevelbuilder/autocron/internal/codec"
	"github.com/nextlevelbuilder/autocron/internal/store"
)

// Promise is the host-side handle for the eventual outcome of a
// delayed task. It polls the result row on demand and caches the
// outcome once the task has been processed.
type Promise struct {
	uuid  string
	store *store.Store
	codec codec.Codec

	done   bool
	value  any
	errMsg string
}

func completedPromise(value any, err error) *Promise {
	p := &Promise{done: true, value: value}
	if err != nil {
		p.errMsg = err.Error()
	}
	return p
}

// UUID returns the task handle, empty for a pass-through promise.
func (p *Promise) UUID() string {
	return p.uuid
}

// Ready reports whether the task has been processed. Each call on an
// unfinished promise reads the result row.
func (p *Promise) Ready(ctx context.Context) (bool, error) {
	if p.done {
		return true, nil
	}
	result, err := p.store.GetResultByUUID(ctx, p.uuid)
	if err != nil {
		return false, err
	}
	if result == nil || !result.IsReady() {
		return false, nil
	}
	p.errMsg = result.ErrorMessage
	if !result.HasError() {
		value, err := p.codec.DecodeValue(result.FunctionResult)
		if err != nil {
			return false, err
		}
		p.value = value
	}
	p.done = true
	return true, nil
}

// Wait polls until the task has been processed or ctx is done.
func (p *Promise) Wait(ctx context.Context, pollInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	for {
		ready, err := p.Ready(ctx)
		if err != nil {
			return err
		}
		if ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// HasError reports whether the execution failed. Invalid until Ready
// has returned true.
func (p *Promise) HasError() bool {
	return p.errMsg != ""
}

// ErrMessage returns the stored failure text, empty on success.
func (p *Promise) ErrMessage() string {
	return p.errMsg
}

// Value returns the decoded result value. Invalid until Ready has
// returned true and HasError is false.
func (p *Promise) Value() any {
	return p.value
}
