//go:build linux

package migrate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// SysMounter mounts volumes read-only under Root with mount(2).
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
	if dir, ok, err := existingMount(v.Device); err != nil {
		log.Warn().Str("device", v.Device).Err(err).Msg("migrate.mount_table_unreadable")
	} else if ok {
		log.Debug().Str("device", v.Device).Str("dir", dir).Msg("migrate.mount_reused")
		return dir, noRelease, nil
	}

	if err := os.MkdirAll(m.Root, 0o755); err != nil {
		return "", noRelease, err
	}
	name := strings.NewReplacer("/", "_").Replace(strings.TrimPrefix(v.Device, "/dev/"))
	dir, err := os.MkdirTemp(m.Root, name+"-")
	if err != nil {
		return "", noRelease, err
	}
	flags := uintptr(unix.MS_RDONLY | unix.MS_NOSUID | unix.MS_NODEV | unix.MS_NOEXEC)
	if err := unix.Mount(v.Device, dir, v.FSType, flags, ""); err != nil {
		os.Remove(dir)
		return "", noRelease, fmt.Errorf("mount %s (%s) on %s: %w", v.Device, v.FSType, dir, err)
	}
	log.Debug().Str("device", v.Device).Str("dir", dir).Msg("migrate.mounted")

	release := func() error {
		if err := unix.Unmount(dir, 0); err != nil {
			return fmt.Errorf("unmount %s: %w", dir, err)
		}
		log.Debug().Str("device", v.Device).Str("dir", filepath.Base(dir)).Msg("migrate.unmounted")
		return os.Remove(dir)
	}
	return dir, release, nil
}
