package gate

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/coreos/go-systemd/v22/unit"
	"github.com/danmuck/edgeprov/internal/config"
	"github.com/danmuck/edgeprov/internal/tools"
)

// UnitOptions describes the supervised gate process. The unit only starts
// when configPath exists and restarts the gate after RestartBackoff.
func UnitOptions(cfg config.Config, configPath string) []*unit.UnitOption {
	args := []string{"gate", "run", "--config", configPath}
	if cfg.Gate.Listen != "" {
		args = append(args, "--listen", cfg.Gate.Listen)
	}
	workDir := cfg.Gate.WorkingDir
	if workDir == "" {
		workDir = cfg.StateDir
	}
	restartSec := int(cfg.Gate.RestartBackoff.Seconds())
	if restartSec < 1 {
		restartSec = 1
	}

	return []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", "edgeprov service gate"),
		unit.NewUnitOption("Unit", "Wants", "network-online.target"),
		unit.NewUnitOption("Unit", "After", "network-online.target"),
		unit.NewUnitOption("Unit", "ConditionPathExists", configPath),
		unit.NewUnitOption("Service", "Type", "simple"),
		unit.NewUnitOption("Service", "ExecStart", tools.JoinCommand(cfg.Gate.Executable, args)),
		unit.NewUnitOption("Service", "WorkingDirectory", workDir),
		unit.NewUnitOption("Service", "Restart", "on-failure"),
		unit.NewUnitOption("Service", "RestartSec", strconv.Itoa(restartSec)),
		unit.NewUnitOption("Install", "WantedBy", "multi-user.target"),
	}
}

// RenderUnit serializes the unit descriptor.
func RenderUnit(cfg config.Config, configPath string) ([]byte, error) {
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(unit.Serialize(UnitOptions(cfg, abs)))
	if err != nil {
		return nil, fmt.Errorf("render unit: %w", err)
	}
	return data, nil
}

// WriteUnit writes data to path unless the file already holds it.
func WriteUnit(path string, data []byte) (bool, error) {
	if strings.TrimSpace(path) == "" {
		return false, errors.New("gate: unit path is empty")
	}
	existing, err := os.ReadFile(path)
	if err == nil && bytes.Equal(existing, data) {
		return false, nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return false, err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return false, err
	}
	return true, nil
}
