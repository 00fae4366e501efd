package sysutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetRsyncUser(t *testing.T) {
	got, err := SetRsyncUser("rsync://archive.ubuntu.com/ubuntu/", "mirror")
	assert.NoError(t, err)
	assert.Equal(t, "rsync://mirror@archive.ubuntu.com/ubuntu/", got)

	got, err = SetRsyncUser("ftp.debian.org::debian", "mirror")
	assert.NoError(t, err)
	assert.Equal(t, "mirror@ftp.debian.org::debian", got)

	got, err = SetRsyncUser("rsync://archive.ubuntu.com/ubuntu/", "")
	assert.NoError(t, err)
	assert.Equal(t, "rsync://archive.ubuntu.com/ubuntu/", got)
}

func TestSetRsyncUserRejectsInvalidURL(t *testing.T) {
	_, err := SetRsyncUser("https://example.org/not-rsync", "mirror")
	assert.ErrorIs(t, err, ErrInvalidRsyncURL)
}

func TestCommandExists(t *testing.T) {
	assert.True(t, CommandExists("ls"))
	assert.False(t, CommandExists("definitely-not-a-real-command-xyz"))
}
