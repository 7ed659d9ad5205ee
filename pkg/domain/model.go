package domain

import "context"

// ModelInvoker is the opaque model-invocation collaborator. Implementations
// are expected to honour ctx cancellation; the worker additionally enforces a
// hard deadline and treats overrun as a failure, never an indefinite block.
type ModelInvoker interface {
	Invoke(ctx context.Context, req InferenceRequest) (string, error)
}

// ModelInvokerFunc adapts a plain function to the ModelInvoker interface.
type ModelInvokerFunc func(ctx context.Context, req InferenceRequest) (string, error)

// Invoke implements ModelInvoker.
func (f ModelInvokerFunc) Invoke(ctx context.Context, req InferenceRequest) (string, error) {
	return f(ctx, req)
}
