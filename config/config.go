package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port        int
	MetricsAddr string
	DBPath      string

	ReadTimeout  time.Duration // интервал опроса чтения кадра
	WriteTimeout time.Duration

	// параметры надёжной доставки
	AckWait       time.Duration // бюджет ожидания подтверждения
	RetryInterval time.Duration // базовый интервал линейного backoff
	MaxRetries    int
	StaleAfter    time.Duration // потолок жизни незавершённой доставки
	SweepInterval time.Duration // период фонового обслуживания

	// офлайн-хранилище
	OfflineCapacity int // максимум сообщений на пользователя
	BundleLimit     int // максимум сообщений в ответе на LOGIN
}

// Default возвращает конфигурацию по умолчанию без чтения окружения.
func Default() *Config {
	return &Config{
		Port:            3217,
		MetricsAddr:     ":9091",
		DBPath:          "pipechat.db",
		ReadTimeout:     1 * time.Second,
		WriteTimeout:    10 * time.Second,
		AckWait:         3 * time.Second,
		RetryInterval:   1000 * time.Millisecond,
		MaxRetries:      3,
		StaleAfter:      5 * time.Minute,
		SweepInterval:   500 * time.Millisecond,
		OfflineCapacity: 100,
		BundleLimit:     50,
	}
}

// Load собирает конфигурацию: значения по умолчанию, поверх - переменные
// окружения PIPECHAT_*.
func Load() *Config {
	cfg := Default()

	if portStr := os.Getenv("PIPECHAT_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			cfg.Port = port
		}
	}

	if addr := os.Getenv("PIPECHAT_METRICS_ADDR"); addr != "" {
		cfg.MetricsAddr = addr
	}

	if dbPath := os.Getenv("PIPECHAT_DB_PATH"); dbPath != "" {
		cfg.DBPath = dbPath
	}

	if timeoutStr := os.Getenv("PIPECHAT_READ_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.ReadTimeout = time.Duration(timeout) * time.Second
		}
	}

	if timeoutStr := os.Getenv("PIPECHAT_WRITE_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.WriteTimeout = time.Duration(timeout) * time.Second
		}
	}

	if waitStr := os.Getenv("PIPECHAT_ACK_WAIT_MS"); waitStr != "" {
		if wait, err := strconv.Atoi(waitStr); err == nil {
			cfg.AckWait = time.Duration(wait) * time.Millisecond
		}
	}

	if intervalStr := os.Getenv("PIPECHAT_RETRY_INTERVAL_MS"); intervalStr != "" {
		if interval, err := strconv.Atoi(intervalStr); err == nil {
			cfg.RetryInterval = time.Duration(interval) * time.Millisecond
		}
	}

	if retriesStr := os.Getenv("PIPECHAT_MAX_RETRIES"); retriesStr != "" {
		if retries, err := strconv.Atoi(retriesStr); err == nil {
			cfg.MaxRetries = retries
		}
	}

	if capStr := os.Getenv("PIPECHAT_OFFLINE_CAPACITY"); capStr != "" {
		if capacity, err := strconv.Atoi(capStr); err == nil {
			cfg.OfflineCapacity = capacity
		}
	}

	if limitStr := os.Getenv("PIPECHAT_BUNDLE_LIMIT"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil {
			cfg.BundleLimit = limit
		}
	}

	return cfg
}
