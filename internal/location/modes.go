package location

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// TrackingMode is a named admission threshold profile.
type TrackingMode struct {
	Name            string  `yaml:"name" json:"name" validate:"required"`
	IntervalSeconds int     `yaml:"interval_seconds" json:"interval_seconds" validate:"gt=0"`
	DistanceMeters  float64 `yaml:"distance_meters" json:"distance_meters" validate:"gt=0"`
}

func (m TrackingMode) Interval() time.Duration {
	return time.Duration(m.IntervalSeconds) * time.Second
}

var (
	ModeNormal   = TrackingMode{Name: "normal", IntervalSeconds: 10, DistanceMeters: 25}
	ModeLowPower = TrackingMode{Name: "lowPower", IntervalSeconds: 60, DistanceMeters: 100}
)

// Modes maps profile names to their thresholds.
type Modes map[string]TrackingMode

func DefaultModes() Modes {
	return Modes{
		ModeNormal.Name:   ModeNormal,
		ModeLowPower.Name: ModeLowPower,
	}
}

func (m Modes) Lookup(name string) (TrackingMode, error) {
	mode, ok := m[name]
	if !ok {
		return TrackingMode{}, fmt.Errorf("unknown tracking mode %q", name)
	}
	return mode, nil
}

type modesFile struct {
	Modes []TrackingMode `yaml:"modes"`
}

// LoadModes reads extra profiles from a YAML file and merges them over the
// built-in ones. An empty path returns the defaults.
func LoadModes(path string) (Modes, error) {
	modes := DefaultModes()
	if path == "" {
		return modes, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseModes(data, modes)
}

func ParseModes(data []byte, base Modes) (Modes, error) {
	var file modesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	out := Modes{}
	for name, mode := range base {
		out[name] = mode
	}
	v := validator.New()
	for _, mode := range file.Modes {
		if err := v.Struct(mode); err != nil {
			return nil, fmt.Errorf("tracking mode %q: %w", mode.Name, err)
		}
		out[mode.Name] = mode
	}
	return out, nil
}
