package worker

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckDiskSpaceOnRealVolumeDoesNotError(t *testing.T) {
	// A sanity check, not an assertion on free space: this just exercises
	// the gopsutil call against a real, existing path without panicking.
	err := checkDiskSpace(t.TempDir())
	assert.NoError(t, err)
}

func TestExistingAncestorWalksUpToRealDirectory(t *testing.T) {
	base := t.TempDir()
	nested := filepath.Join(base, "does", "not", "exist", "yet")
	assert.Equal(t, base, existingAncestor(nested))
}
