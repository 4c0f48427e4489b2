package piper

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// Speed limits accepted by LengthScale.
const (
	MinSpeed = 0.5
	MaxSpeed = 2.0
)

// ErrSpeedOutOfRange is returned for a speed outside MinSpeed..MaxSpeed.
var ErrSpeedOutOfRange = fmt.Errorf("speed must be between %.1f and %.1f", MinSpeed, MaxSpeed)

// LengthScale converts a speed multiplier to piper's --length_scale value.
// Piper scales inversely: speed 1.5 is a length scale of 0.67.
func LengthScale(speed float64) (string, error) {
	if speed < MinSpeed || speed > MaxSpeed {
		return "", ErrSpeedOutOfRange
	}
	return fmt.Sprintf("%.2f", 1.0/speed), nil
}

// CheckResult reports whether a model can be started.
type CheckResult struct {
	Model     string
	Available bool
	Err       error
	// Guidance explains how to fix Err.
	Guidance string
	Details  map[string]string
}

// Check looks for the piper binary and the model files without starting a
// process.
func Check(name string, cfg WorkerConfig) CheckResult {
	cfg.setDefaults()
	result := CheckResult{Model: name, Details: make(map[string]string)}

	binary, err := exec.LookPath(cfg.Binary)
	if err != nil {
		result.Err = fmt.Errorf("piper not found: %w", err)
		result.Guidance = installGuidance
		return result
	}
	result.Details["binary"] = binary

	if cfg.Model == "" {
		result.Err = errors.New("model path not configured")
		result.Guidance = modelGuidance
		return result
	}
	if _, err := os.Stat(cfg.Model); err != nil {
		result.Err = fmt.Errorf("model file not accessible: %w", err)
		result.Guidance = modelGuidance
		return result
	}
	result.Details["model"] = cfg.Model

	configPath := cfg.ConfigPath
	if configPath == "" {
		configPath = cfg.Model + ".json"
	}
	if _, err := os.Stat(configPath); err != nil {
		if cfg.ConfigPath != "" {
			result.Err = fmt.Errorf("model config not accessible: %w", err)
			result.Guidance = "Fix the config path of the model, or remove it to use " + cfg.Model + ".json."
			return result
		}
		result.Details["config"] = "not found, piper will fail without " + configPath
	} else {
		result.Details["config"] = configPath
	}

	result.Available = true
	return result
}

const installGuidance = `Piper is not installed. To install:

1. Download a release from https://github.com/rhasspy/piper/releases
2. Extract it and add the piper directory to PATH, or set piper.binary
   in naturalspeech.yml to the full path.`

const modelGuidance = `The model file is missing. To fix:

1. Download a voice from https://github.com/rhasspy/piper/blob/master/VOICES.md
   together with its .onnx.json file, for example:
   mkdir -p ~/.local/share/naturalspeech/models
   cd ~/.local/share/naturalspeech/models
   wget https://huggingface.co/rhasspy/piper-voices/resolve/v1.0.0/en/en_US/libritts_r/medium/en_US-libritts_r-medium.onnx
   wget https://huggingface.co/rhasspy/piper-voices/resolve/v1.0.0/en/en_US/libritts_r/medium/en_US-libritts_r-medium.onnx.json
2. Point the model's path in naturalspeech.yml at the .onnx file.`
