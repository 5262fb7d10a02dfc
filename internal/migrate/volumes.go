package migrate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/danmuck/edgeprov/internal/tools"
)

// Volume is one attachable block device with a filesystem.
type Volume struct {
	Device     string `json:"name"`
	FSType     string `json:"fstype"`
	Label      string `json:"label"`
	MountPoint string `json:"mountpoint"`
	Type       string `json:"type"`
}

func (v Volume) String() string {
	if v.Label != "" {
		return v.Device + " (" + v.Label + ")"
	}
	return v.Device
}

// VolumeLister enumerates candidate volumes.
type VolumeLister interface {
	List(ctx context.Context) ([]Volume, error)
}

// LsblkLister reads volumes from lsblk JSON output.
type LsblkLister struct {
	Runner tools.CommandRunner
}

type lsblkDevice struct {
	Volume
	Children []lsblkDevice `json:"children"`
}

type lsblkOutput struct {
	BlockDevices []lsblkDevice `json:"blockdevices"`
}

var lsblkCommand = tools.Command{
	Name: "lsblk",
	Args: []string{"--json", "--paths", "-o", "NAME,FSTYPE,LABEL,MOUNTPOINT,TYPE"},
}

func (l LsblkLister) List(ctx context.Context) ([]Volume, error) {
	runner := l.Runner
	if runner == nil {
		runner = tools.ExecRunner{}
	}
	res, err := tools.RunChecked(ctx, runner, lsblkCommand)
	if err != nil {
		return nil, err
	}
	return ParseLsblk(res.Stdout)
}

// ParseLsblk flattens the device tree and keeps mountable filesystems.
func ParseLsblk(data []byte) ([]Volume, error) {
	var out lsblkOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse lsblk output: %w", err)
	}
	var volumes []Volume
	var walk func(devs []lsblkDevice)
	walk = func(devs []lsblkDevice) {
		for _, d := range devs {
			if mountable(d.Volume) {
				volumes = append(volumes, d.Volume)
			}
			walk(d.Children)
		}
	}
	walk(out.BlockDevices)
	return volumes, nil
}

func mountable(v Volume) bool {
	switch strings.ToLower(v.FSType) {
	case "", "swap", "linux_raid_member", "lvm2_member", "crypto_luks", "squashfs":
		return false
	}
	switch v.Type {
	case "rom", "loop":
		return false
	}
	// Never scan the running system.
	return v.MountPoint != "/" && !strings.HasPrefix(v.MountPoint, "/boot")
}
