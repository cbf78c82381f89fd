package observability

import (
	"errors"
	"fmt"
)

// AggregateErrors joins the non-nil errors from a multi-step operation into a
// single error and logs them as one structured entry. Returns nil when every
// error is nil.
func AggregateErrors(operation string, errs []error, fields ...Field) error {
	nonNil := make([]error, 0, len(errs))
	messages := make([]string, 0, len(errs))
	for _, err := range errs {
		if err == nil {
			continue
		}
		nonNil = append(nonNil, err)
		messages = append(messages, err.Error())
	}
	if len(nonNil) == 0 {
		return nil
	}
	logFields := append(fields,
		Field{Key: "operation", Value: operation},
		Field{Key: "error_count", Value: len(nonNil)},
		Field{Key: "errors", Value: messages},
	)
	Log().Error("operation errors", logFields...)
	return fmt.Errorf("%s failed: %w", operation, errors.Join(nonNil...))
}
