package quarantine

import (
	"fmt"

	"github.com/David-Botos/quality-ingress/pkg/config"
)

// AlertLevel grades a threshold breach
type AlertLevel int

const (
	AlertWarning AlertLevel = iota
	AlertCritical
)

// String returns the level name
func (l AlertLevel) String() string {
	switch l {
	case AlertWarning:
		return "warning"
	case AlertCritical:
		return "critical"
	default:
		return fmt.Sprintf("Unknown(%d)", int(l))
	}
}

// Monitored quantities
const (
	MetricRejectionRate      = "rejection_rate"
	MetricCriticalRejections = "critical_rejections"
	MetricUnreviewed         = "unreviewed_quarantine"
)

// Alert is one threshold breach
type Alert struct {
	Metric    string
	Level     AlertLevel
	Value     float64
	Threshold float64
	Message   string
}

// EvaluateAlerts compares batch figures against the configured thresholds.
// A value must be strictly above a threshold to raise an alert; only the
// highest level per metric is reported.
func EvaluateAlerts(cfg config.AlertConfig, rejectionRate float64, critical, unreviewed int) []Alert {
	var alerts []Alert
	check := func(metric, label string, value, warn, crit float64, format string) {
		var level AlertLevel
		var threshold float64
		switch {
		case value > crit:
			level, threshold = AlertCritical, crit
		case value > warn:
			level, threshold = AlertWarning, warn
		default:
			return
		}
		alerts = append(alerts, Alert{
			Metric:    metric,
			Level:     level,
			Value:     value,
			Threshold: threshold,
			Message:   fmt.Sprintf("%s "+format+" exceeds "+format, label, value, threshold),
		})
	}

	check(MetricRejectionRate, "rejection rate", rejectionRate,
		cfg.RejectionRateWarn, cfg.RejectionRateCritical, "%.4f")
	check(MetricCriticalRejections, "critical rejections", float64(critical),
		float64(cfg.CriticalCountWarn), float64(cfg.CriticalCountCritical), "%.0f")
	check(MetricUnreviewed, "unreviewed quarantined records", float64(unreviewed),
		float64(cfg.UnreviewedWarn), float64(cfg.UnreviewedCritical), "%.0f")
	return alerts
}
