package migrate

import (
	"context"
	"errors"
	"fmt"

	"github.com/moby/sys/mountinfo"
)

var ErrMountUnsupported = errors.New("migrate: mounting is not supported on this platform")

// Mounter makes a volume readable. release must always be called and is a
// no-op for volumes that were already mounted.
type Mounter interface {
	Mount(ctx context.Context, v Volume) (dir string, release func() error, err error)
}

func noRelease() error { return nil }

// existingMount returns where device is already mounted, if anywhere.
func existingMount(device string) (string, bool, error) {
	mounts, err := mountinfo.GetMounts(func(info *mountinfo.Info) (skip, stop bool) {
		return info.Source != device, false
	})
	if err != nil {
		return "", false, fmt.Errorf("read mount table: %w", err)
	}
	if len(mounts) == 0 {
		return "", false, nil
	}
	return mounts[0].Mountpoint, true, nil
}
