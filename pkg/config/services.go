package config

import "time"

// AlertConfig holds quarantine alert thresholds. A value strictly above a
// threshold raises the alert.
type AlertConfig struct {
	RejectionRateWarn     float64
	RejectionRateCritical float64
	CriticalCountWarn     int
	CriticalCountCritical int
	UnreviewedWarn        int
	UnreviewedCritical    int
}

// RedisConfig holds the optional Redis checkpoint backend settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// TTL bounds how long checkpoints of abandoned batches survive
	TTL time.Duration
}

// MetricsConfig controls Prometheus instrumentation
type MetricsConfig struct {
	Enabled        bool
	PushgatewayURL string
	JobName        string
	// ProgressEvery is the row interval between progress log lines
	ProgressEvery int
}

func loadAlertConfig() AlertConfig {
	return AlertConfig{
		RejectionRateWarn:     getEnvAsFloat("ALERT_REJECTION_RATE_WARN", 0.05),
		RejectionRateCritical: getEnvAsFloat("ALERT_REJECTION_RATE_CRITICAL", 0.10),
		CriticalCountWarn:     getEnvAsInt("ALERT_CRITICAL_COUNT_WARN", 10),
		CriticalCountCritical: getEnvAsInt("ALERT_CRITICAL_COUNT_CRITICAL", 50),
		UnreviewedWarn:        getEnvAsInt("ALERT_UNREVIEWED_WARN", 100),
		UnreviewedCritical:    getEnvAsInt("ALERT_UNREVIEWED_CRITICAL", 500),
	}
}

// DefaultAlertConfig returns the documented alert thresholds
func DefaultAlertConfig() AlertConfig {
	return AlertConfig{
		RejectionRateWarn:     0.05,
		RejectionRateCritical: 0.10,
		CriticalCountWarn:     10,
		CriticalCountCritical: 50,
		UnreviewedWarn:        100,
		UnreviewedCritical:    500,
	}
}

func loadRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
		Password: getEnv("REDIS_PASSWORD", ""),
		DB:       getEnvAsInt("REDIS_DB", 0),
		TTL:      getEnvAsDuration("REDIS_CHECKPOINT_TTL", 72*time.Hour),
	}
}

func loadMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:        getEnvAsBool("METRICS_ENABLED", true),
		PushgatewayURL: getEnv("PUSHGATEWAY_URL", ""),
		JobName:        getEnv("METRICS_JOB", "quality_ingress"),
		ProgressEvery:  getEnvAsInt("PROGRESS_EVERY_ROWS", 10000),
	}
}
