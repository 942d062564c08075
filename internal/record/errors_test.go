package record

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessages(t *testing.T) {
	assert.EqualError(t, &NotFoundError{ID: 42}, "a health record with id=42 not found")
	assert.EqualError(t, &NotOwnerError{ID: 42}, "caller is not the owner of this health record")
	assert.EqualError(t, &ValidationError{Field: FieldDiagnosis}, "invalid input: diagnosis must not be empty")
	assert.EqualError(t, &GenerateFailedError{ID: 7}, "cannot generate report: a health record with id=7 not found")
}

func TestErrorsMatchWithErrorsAs(t *testing.T) {
	wrapped := fmt.Errorf("store: %w", &NotFoundError{ID: 3})

	var nf *NotFoundError
	assert.True(t, errors.As(wrapped, &nf))
	assert.Equal(t, uint64(3), nf.ID)

	var no *NotOwnerError
	assert.False(t, errors.As(wrapped, &no))
}
