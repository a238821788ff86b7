package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRemoteErrorMessage(t *testing.T) {
	named := &RemoteError{Name: "ValueError", Message: "bad input"}
	assert.Equal(t, "remote error ValueError: bad input", named.Error())

	anonymous := &RemoteError{Message: "bad input"}
	assert.Equal(t, "remote error: bad input", anonymous.Error())
}

func TestFaultErrorUnwrap(t *testing.T) {
	cause := errors.New("pipe broke")
	err := &FaultError{Cause: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "pipe broke")
}

func TestErrorPredicates(t *testing.T) {
	remote := fmt.Errorf("method foo: %w", &RemoteError{Name: "E", Message: "m"})
	fault := fmt.Errorf("attempt 1: %w", &FaultError{Cause: errors.New("x")})
	exit := fmt.Errorf("instance gone: %w", &ExitError{Code: 137})

	assert.True(t, IsRemote(remote))
	assert.False(t, IsRemote(fault))

	assert.True(t, IsFault(fault))
	assert.False(t, IsFault(exit))

	assert.True(t, IsExit(exit))
	assert.False(t, IsExit(remote))

	assert.False(t, IsRemote(nil))
	assert.False(t, IsRemote(ErrExecuteTimeout))
}

func TestExitErrorMessage(t *testing.T) {
	assert.Equal(t, "worker process exited with code 137", (&ExitError{Code: 137}).Error())
}

func TestConfigErrorMessage(t *testing.T) {
	err := &ConfigError{Field: "MaxInstances", Detail: "must be >= 1"}
	assert.Equal(t, "invalid option MaxInstances: must be >= 1", err.Error())
}
