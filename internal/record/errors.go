package record

import "fmt"

// NotFoundError reports a lookup against an id that is not in the store.
type NotFoundError struct {
	ID uint64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("a health record with id=%d not found", e.ID)
}

// NotOwnerError reports a mutating call on a record owned by a different
// principal. Existence is deliberately leaked to non-owners, content is not.
type NotOwnerError struct {
	ID uint64
}

func (e *NotOwnerError) Error() string {
	return "caller is not the owner of this health record"
}

// ValidationError reports the first clinical field that failed validation.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid input: %s must not be empty", e.Field)
}

// GenerateFailedError reports a report request for a nonexistent record.
// Semantically identical to NotFoundError but kept distinct so the report
// operation has its own failure type.
type GenerateFailedError struct {
	ID uint64
}

func (e *GenerateFailedError) Error() string {
	return fmt.Sprintf("cannot generate report: a health record with id=%d not found", e.ID)
}
