package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// DefaultFile is written by EnsureFile when no config exists.
const DefaultFile = `# piper defaults shared by every model
piper:
  binary: piper
  # worker processes per model (1-8)
  instances: 2
  # a queue longer than this drops its backlog
  overflow: 10
  # replace crashed workers
  respawn: false
  grace: 2s
  render_timeout: 30s

# one entry per piper model; voices refer to them as model:speaker
models: []
#  - name: libritts
#    path: ~/.local/share/naturalspeech/models/libritts.onnx
#    enabled: true
#    instances: 2

# an external program run once per fragment
command:
  enabled: false
  name: system
  command: "espeak-ng --stdout -v {voice} {text}"
  timeout: 30s

fragment:
  soft: 40
  hard: 80

audio:
  sample_rate: 22050
  # oto or null
  output: oto
  gain_db: 0

cache:
  enabled: true
  memory_mb: 32
  # empty keeps clips in memory only
  dir: ""
  max_size_mb: 100
  ttl: 0s

bus:
  enabled: false
  url: ""
  embedded: true
  port: 4222
  subject_prefix: naturalspeech

metrics:
  enabled: false
  addr: ":9464"

log:
  level: info
  # text or json
  format: text
  file: ""
`

// EnsureFile writes DefaultFile to path unless it already exists.
func EnsureFile(path string) error {
	if ext := filepath.Ext(path); ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("'%s' is not a supported configuration type: use '%s' or '%s'", ext, ".yaml", ".yml")
	}

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return fmt.Errorf("unable create directory: %w", err)
		}
		if err := os.WriteFile(path, []byte(DefaultFile), 0o600); err != nil {
			return fmt.Errorf("unable to write config file: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("unable to stat config file: %w", err)
	}
	return nil
}
