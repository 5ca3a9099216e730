package daoerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	e := New("StartDAOperation", WrongParameter)
	assert.Equal(t, "StartDAOperation: DAOWrongParameter", e.Error())
}

func TestWrapIncludesCause(t *testing.T) {
	cause := errors.New("disk full")
	e := Wrap("logUpdate", LoggingFailed, cause)
	assert.Contains(t, e.Error(), "disk full")
	assert.Contains(t, e.Error(), "DAOLoggingFailed")
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("boom")
	e := Wrap("op", Internal, cause)
	assert.Same(t, cause, errors.Unwrap(e))
}

func TestIs(t *testing.T) {
	e := New("op", OperationFinished)
	assert.True(t, Is(e, OperationFinished))
	assert.False(t, Is(e, Internal))
	assert.False(t, Is(errors.New("plain"), Internal))
}

func TestCodeStringUnknown(t *testing.T) {
	assert.Equal(t, "DAOUnknownCode", Code(999).String())
}
