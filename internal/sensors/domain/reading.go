package sensors

import (
	"errors"
	"time"
)

// Metric identifies a measured quantity.
type Metric string

const (
	MetricTemperature       Metric = "temperature"
	MetricHumidity          Metric = "humidity"
	MetricAirQuality        Metric = "air_quality"
	MetricWaterLevel        Metric = "water_level"
	MetricActuatorTempProbe Metric = "actuator_temp_probe"
)

// Valid returns true for a supported metric.
func (m Metric) Valid() bool {
	switch m {
	case MetricTemperature, MetricHumidity, MetricAirQuality, MetricWaterLevel, MetricActuatorTempProbe:
		return true
	default:
		return false
	}
}

// Reading is one normalized sensor sample. Immutable once published.
type Reading struct {
	SensorID  string    `json:"sensor_id"`
	Metric    Metric    `json:"metric"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
	Timestamp time.Time `json:"timestamp"`
	Valid     bool      `json:"valid"`
}

// ErrUnknownMetric is returned for unsupported metrics.
var ErrUnknownMetric = errors.New("sensors: unknown metric")

// PlausibleRange returns the physically plausible value range for a metric.
// Values outside this range are treated as sensor faults, not data.
func PlausibleRange(metric Metric) (min, max float64, err error) {
	switch metric {
	case MetricTemperature:
		return -10, 60, nil
	case MetricActuatorTempProbe:
		return -10, 120, nil
	case MetricHumidity:
		return 0, 100, nil
	case MetricAirQuality:
		return 0, 500, nil
	case MetricWaterLevel:
		return 0, 100, nil
	default:
		return 0, 0, ErrUnknownMetric
	}
}

// Plausible reports whether value lies inside the metric's plausible range.
func Plausible(metric Metric, value float64) bool {
	min, max, err := PlausibleRange(metric)
	if err != nil {
		return false
	}
	return value >= min && value <= max
}
