package worker

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"
)

// diskSpaceBuffer is the minimum free space a volume must have before an
// item is prepared or moved, adapted from the teacher's file-preallocation buffer.
const diskSpaceBuffer = 64 * 1024 * 1024

// checkDiskSpace verifies the volume backing path has at least
// diskSpaceBuffer bytes free, walking up to the nearest existing ancestor
// directory when path itself has not been created yet.
func checkDiskSpace(path string) error {
	usage, err := disk.Usage(existingAncestor(path))
	if err != nil {
		return nil // unsupported platform/path: don't block on a check we can't perform
	}
	if int64(usage.Free) < diskSpaceBuffer {
		return fmt.Errorf("disk low on %s: %d bytes free, need at least %d", path, usage.Free, diskSpaceBuffer)
	}
	return nil
}

// existingAncestor walks up from path until it finds a directory that
// already exists, so a disk-space check can run before the target
// directory itself has been created.
func existingAncestor(path string) string {
	for p := path; ; {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		parent := filepath.Dir(p)
		if parent == p {
			return p
		}
		p = parent
	}
}
