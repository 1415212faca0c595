// Package config loads the enclosure configuration from YAML. An invalid
// configuration is fatal at startup: the supervisor never runs with a
// partial sensor or rule set.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	commands "vivarium-core/internal/commands/domain"
	controldomain "vivarium-core/internal/control/domain"
	feedapp "vivarium-core/internal/feeding/application"
	safety "vivarium-core/internal/safety/domain"
	sensorapp "vivarium-core/internal/sensors/application"
	sensors "vivarium-core/internal/sensors/domain"
)

// Duration wraps time.Duration for "30s"-style YAML values.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// SensorConfig declares one sensor.
type SensorConfig struct {
	SensorID string `yaml:"sensor_id"`
	Metric   string `yaml:"metric"`
	Unit     string `yaml:"unit"`
}

// ProfileConfig is one day-part profile.
type ProfileConfig struct {
	Setpoint float64 `yaml:"setpoint"`
	On       bool    `yaml:"on"`
}

// PolicyConfig declares one control policy.
type PolicyConfig struct {
	ActuatorID   string        `yaml:"actuator_id"`
	Class        string        `yaml:"class"`
	Metric       string        `yaml:"metric"`
	Mode         string        `yaml:"mode"`
	Direction    string        `yaml:"direction"`
	Deadband     float64       `yaml:"deadband"`
	DayProfile   ProfileConfig `yaml:"day"`
	NightProfile ProfileConfig `yaml:"night"`
	MinOnTime    Duration      `yaml:"min_on_time"`
	MaxOnTime    Duration      `yaml:"max_on_time"`
}

// ActionConfig is a corrective action bound to a rule.
type ActionConfig struct {
	ActuatorID string  `yaml:"actuator_id"`
	Class      string  `yaml:"class"`
	On         bool    `yaml:"on"`
	Intensity  float64 `yaml:"intensity"`
}

// RuleConfig declares one threshold rule.
type RuleConfig struct {
	RuleID             string        `yaml:"rule_id"`
	Metric             string        `yaml:"metric"`
	Direction          string        `yaml:"direction"`
	Warning            float64       `yaml:"warning"`
	Critical           float64       `yaml:"critical"`
	Emergency          float64       `yaml:"emergency"`
	Hysteresis         float64       `yaml:"hysteresis"`
	CriticalAction     *ActionConfig `yaml:"critical_action"`
	EmergencyClass     string        `yaml:"emergency_class"`
	EmergencyActuators []string      `yaml:"emergency_actuators"`
}

// FeederConfig calibrates the feeding hardware.
type FeederConfig struct {
	ServoID           string   `yaml:"servo_id"`
	ClosedAngle       float64  `yaml:"closed_angle"`
	EntryAngle        float64  `yaml:"entry_angle"`
	ExitAngle         float64  `yaml:"exit_angle"`
	MinEntry          Duration `yaml:"min_entry"`
	MaxEntry          Duration `yaml:"max_entry"`
	DrainDelay        Duration `yaml:"drain_delay"`
	SettleDelay       Duration `yaml:"settle_delay"`
	CalibrationRate   float64  `yaml:"calibration_rate"`
	PositionTolerance float64  `yaml:"position_tolerance"`
}

// RecoveryConfig bounds automatic recovery.
type RecoveryConfig struct {
	BaseBackoff Duration `yaml:"base_backoff"`
	MaxBackoff  Duration `yaml:"max_backoff"`
	MaxAttempts int      `yaml:"max_attempts"`
}

// ScheduleConfig sets the day/night boundary.
type ScheduleConfig struct {
	DayStartHour   int `yaml:"day_start_hour"`
	NightStartHour int `yaml:"night_start_hour"`
}

// Config is the full enclosure configuration.
type Config struct {
	Sensors  []SensorConfig `yaml:"sensors"`
	Policies []PolicyConfig `yaml:"policies"`
	Rules    []RuleConfig   `yaml:"threshold_rules"`
	Feeder   FeederConfig   `yaml:"feeder"`
	Recovery RecoveryConfig `yaml:"recovery"`
	Schedule ScheduleConfig `yaml:"schedule"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes and validates configuration bytes.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{
		Recovery: RecoveryConfig{
			BaseBackoff: Duration(5 * time.Second),
			MaxBackoff:  Duration(5 * time.Minute),
			MaxAttempts: 5,
		},
		Schedule: ScheduleConfig{DayStartHour: 8, NightStartHour: 20},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.Sensors) == 0 {
		return errors.New("config: no sensors declared")
	}
	if len(c.Policies) == 0 {
		return errors.New("config: no policies declared")
	}
	if len(c.Rules) == 0 {
		return errors.New("config: no threshold rules declared")
	}
	if c.Schedule.DayStartHour < 0 || c.Schedule.NightStartHour > 24 ||
		c.Schedule.DayStartHour >= c.Schedule.NightStartHour {
		return errors.New("config: schedule hours must satisfy 0 <= day < night <= 24")
	}
	if c.Recovery.MaxAttempts <= 0 {
		return errors.New("config: recovery max_attempts must be positive")
	}
	for _, spec := range c.SensorSpecs() {
		if spec.SensorID == "" || !spec.Metric.Valid() {
			return fmt.Errorf("config: invalid sensor %q", spec.SensorID)
		}
	}
	for _, policy := range c.ControlPolicies() {
		if err := policy.Validate(); err != nil {
			return err
		}
	}
	for _, rule := range c.ThresholdRules() {
		if err := rule.Validate(); err != nil {
			return err
		}
	}
	return c.FeederSettings().Validate()
}

// SensorSpecs converts to gateway specs.
func (c *Config) SensorSpecs() []sensorapp.Spec {
	out := make([]sensorapp.Spec, 0, len(c.Sensors))
	for _, sensor := range c.Sensors {
		out = append(out, sensorapp.Spec{
			SensorID: sensor.SensorID,
			Metric:   sensors.Metric(sensor.Metric),
			Unit:     sensor.Unit,
		})
	}
	return out
}

// ControlPolicies converts to control domain policies.
func (c *Config) ControlPolicies() []controldomain.Policy {
	out := make([]controldomain.Policy, 0, len(c.Policies))
	for _, policy := range c.Policies {
		out = append(out, controldomain.Policy{
			ActuatorID:   policy.ActuatorID,
			Class:        commands.Class(policy.Class),
			Metric:       sensors.Metric(policy.Metric),
			Mode:         controldomain.Mode(policy.Mode),
			Direction:    controldomain.Direction(policy.Direction),
			Deadband:     policy.Deadband,
			DayProfile:   controldomain.Profile{Setpoint: policy.DayProfile.Setpoint, On: policy.DayProfile.On},
			NightProfile: controldomain.Profile{Setpoint: policy.NightProfile.Setpoint, On: policy.NightProfile.On},
			MinOnTime:    policy.MinOnTime.Std(),
			MaxOnTime:    policy.MaxOnTime.Std(),
		})
	}
	return out
}

// ThresholdRules converts to safety domain rules.
func (c *Config) ThresholdRules() []safety.Rule {
	out := make([]safety.Rule, 0, len(c.Rules))
	for _, rule := range c.Rules {
		converted := safety.Rule{
			RuleID:             rule.RuleID,
			Metric:             sensors.Metric(rule.Metric),
			Direction:          safety.Direction(rule.Direction),
			Warning:            rule.Warning,
			Critical:           rule.Critical,
			Emergency:          rule.Emergency,
			Hysteresis:         rule.Hysteresis,
			EmergencyClass:     commands.Class(rule.EmergencyClass),
			EmergencyActuators: rule.EmergencyActuators,
		}
		if rule.CriticalAction != nil {
			converted.CriticalAction = &safety.Action{
				ActuatorID: rule.CriticalAction.ActuatorID,
				Class:      commands.Class(rule.CriticalAction.Class),
				Desired:    commands.State{On: rule.CriticalAction.On, Intensity: rule.CriticalAction.Intensity},
			}
		}
		out = append(out, converted)
	}
	return out
}

// FeederSettings converts to the sequencer config.
func (c *Config) FeederSettings() feedapp.Config {
	return feedapp.Config{
		ServoID:           c.Feeder.ServoID,
		ClosedAngle:       c.Feeder.ClosedAngle,
		EntryAngle:        c.Feeder.EntryAngle,
		ExitAngle:         c.Feeder.ExitAngle,
		MinEntry:          c.Feeder.MinEntry.Std(),
		MaxEntry:          c.Feeder.MaxEntry.Std(),
		DrainDelay:        c.Feeder.DrainDelay.Std(),
		SettleDelay:       c.Feeder.SettleDelay.Std(),
		CalibrationRate:   c.Feeder.CalibrationRate,
		PositionTolerance: c.Feeder.PositionTolerance,
	}
}
