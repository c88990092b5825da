package lesson

import "fmt"

// ValidationError rejects a request before any network call is made.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// PromptConstructionError aborts a request before the provider is called.
type PromptConstructionError struct {
	Kind Kind
	Err  error
}

func (e *PromptConstructionError) Error() string {
	return fmt.Sprintf("building %s prompt: %v", e.Kind, e.Err)
}

func (e *PromptConstructionError) Unwrap() error { return e.Err }

// FallbackError is terminal: the model failed and the template could not be
// delivered either.
type FallbackError struct {
	Err error
}

func (e *FallbackError) Error() string {
	return fmt.Sprintf("fallback failed: %v", e.Err)
}

func (e *FallbackError) Unwrap() error { return e.Err }
