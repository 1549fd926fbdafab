package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML interval strings.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ParseInterval(raw)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// ParseInterval converts interval strings ("5s", "2m", "hourly") to durations.
func ParseInterval(interval string) (time.Duration, error) {
	switch interval {
	case "hourly":
		return 1 * time.Hour, nil
	case "daily":
		return 24 * time.Hour, nil
	}

	d, err := time.ParseDuration(interval)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q: %w", interval, err)
	}

	if d <= 0 {
		return 0, fmt.Errorf("interval must be positive: %q", interval)
	}

	return d, nil
}
