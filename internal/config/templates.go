package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "stream-client":
		return streamClientTemplate, nil
	case "recorder":
		return recorderTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const streamClientTemplate = `state_dir = "/var/lib/edgeprov"
metrics_textfile = "/var/lib/node_exporter/textfile/edgeprov.prom"

[[mutations]]
file = "/boot/firmware/config.txt"
op = "set_key"
key = "gpu_mem"
value = "256"

[[mutations]]
file = "/boot/firmware/config.txt"
op = "ensure_line"
line = "dtoverlay=vc4-kms-v3d"

[[targets]]
name = "client"
path = "/usr/local/bin/moonlight"
timeout = "15m"

  [[targets.strategies]]
  kind = "installer"
  command = "apt-get install -y moonlight-embedded"
  produces = "/usr/bin/moonlight"

  [[targets.strategies]]
  kind = "release"
  repo = "moonlight-stream/moonlight-embedded"
  match = ["moonlight"]
  binary = "moonlight"

  [[targets.strategies]]
  kind = "build"
  repo_url = "https://github.com/moonlight-stream/moonlight-embedded.git"
  ref = "master"
  commands = ["cmake -S . -B build", "cmake --build build"]
  output = "build/moonlight"

[gate]
binary = "client"
client_config = "/etc/edgeprov/client.conf"
credential = "/home/pi/.cache/moonlight/client.pem"
working_dir = "/home/pi"
args = ["stream", "-width", "${width}", "-height", "${height}", "-bitrate", "${bitrate}", "${host}"]
retry_interval = "30s"
restart_backoff = "5s"
crash_loop_max = 5
crash_loop_window = "2m"
listen = "127.0.0.1:7420"
unit_path = "/etc/systemd/system/edgeprov-gate.service"

  [gate.handshake]
  command = "moonlight pair 192.168.1.10"
  timeout = "2m"

  [gate.profiles.default]
  width = "1920"
  height = "1080"
  bitrate = "20000"
  host = "192.168.1.10"

  [gate.profiles.fallback]
  width = "1280"
  height = "720"
  bitrate = "8000"
  host = "192.168.1.10"
`

const recorderTemplate = `state_dir = "/var/lib/edgeprov"

[[targets]]
name = "recorder"
path = "/usr/local/bin/recorder"

  [[targets.strategies]]
  kind = "release"
  repo = "example/recorder"
  match = ["recorder"]

[migration]
enabled = true
destination = "/home/pi/recorder-data"
primary = "scripts/birds.db"
max_depth = 4
strategy = "auto"

  [[migration.signatures]]
  path = "scripts/birds.db"
  kind = "file"

  [[migration.signatures]]
  path = "BirdSongs/Extracted"
  kind = "dir"

  [migration.tool]
  path = "/usr/local/bin/recorder-import"
  args = ["--from", "${source}", "--to", "${destination}"]
  timeout = "10m"
`
