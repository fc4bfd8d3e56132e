package ext2kit

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelErrnos(t *testing.T) {
	assert.Equal(t, syscall.ENOENT, ErrNotFound.Errno())
	assert.Equal(t, syscall.EEXIST, ErrExists.Errno())
	assert.Equal(t, syscall.EISDIR, ErrIsADirectory.Errno())
	assert.Equal(t, syscall.ENAMETOOLONG, ErrNameTooLong.Errno())
	assert.Equal(t, syscall.ENOSPC, ErrNoSpaceOnDevice.Errno())
}

func TestWithMessageKeepsIdentity(t *testing.T) {
	err := ErrNotFound.WithMessage("/some/path")

	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, syscall.ENOENT, err.Errno())
	assert.Contains(t, err.Error(), "/some/path")
	assert.Contains(t, err.Error(), "no such file or directory")
}

func TestWrapExposesCause(t *testing.T) {
	cause := errors.New("disk fell over")
	err := ErrIOFailed.Wrap(cause)

	assert.ErrorIs(t, err, ErrIOFailed)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "disk fell over")
}

func TestDifferentErrnosDontMatch(t *testing.T) {
	assert.NotErrorIs(t, ErrNotFound.WithMessage("x"), ErrExists)
}
