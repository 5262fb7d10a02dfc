//go:build !linux

package migrate

import "context"

// SysMounter only reuses existing mounts outside Linux.
type SysMounter struct {
	Root string
}

func (m SysMounter) Mount(ctx context.Context, v Volume) (string, func() error, error) {
	if err := ctx.Err(); err != nil {
		return "", noRelease, err
	}
	if v.MountPoint != "" {
		return v.MountPoint, noRelease, nil
	}
	if dir, ok, err := existingMount(v.Device); err == nil && ok {
		return dir, noRelease, nil
	}
	return "", noRelease, ErrMountUnsupported
}
