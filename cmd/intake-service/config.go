package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"gradelab/internal/common/cache"
	"gradelab/internal/common/db"
	"gradelab/internal/common/mq"
	"gradelab/internal/common/storage"
	"gradelab/pkg/utils/logger"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8090"
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 15 * time.Second
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// SchedulerConfig holds queue and retry settings.
type SchedulerConfig struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	StatusTTL   time.Duration `yaml:"statusTTL"`
}

// DispatcherConfig holds grading pool settings.
type DispatcherConfig struct {
	Slots           int           `yaml:"slots"`
	AttemptDeadline time.Duration `yaml:"attemptDeadline"`
	PollInterval    time.Duration `yaml:"pollInterval"`
	EventTopic      string        `yaml:"eventTopic"`
}

// IntakeConfig holds upload handling settings.
type IntakeConfig struct {
	StoreRoot           string        `yaml:"storeRoot"`
	StagingDir          string        `yaml:"stagingDir"`
	RawBucket           string        `yaml:"rawBucket"`
	InterfaceHeaderPath string        `yaml:"interfaceHeaderPath"`
	TrialEnabled        bool          `yaml:"trialEnabled"`
	TrialDeadline       time.Duration `yaml:"trialDeadline"`
}

// SandboxConfig holds sandbox engine and analysis settings.
type SandboxConfig struct {
	HelperPath       string        `yaml:"helperPath"`
	CgroupRoot       string        `yaml:"cgroupRoot"`
	RootFS           string        `yaml:"rootfs"`
	SeccompProfile   string        `yaml:"seccompProfile"`
	DisableNetwork   bool          `yaml:"disableNetwork"`
	EnableCgroup     bool          `yaml:"enableCgroup"`
	EnableNamespaces bool          `yaml:"enableNamespaces"`
	EnableSeccomp    bool          `yaml:"enableSeccomp"`
	CompileCommand   string        `yaml:"compileCommand"`
	CompileTimeout   time.Duration `yaml:"compileTimeout"`
	TestTimeout      time.Duration `yaml:"testTimeout"`
	MemoryMB         int64         `yaml:"memoryMB"`
	StackMB          int64         `yaml:"stackMB"`
	OutputMB         int64         `yaml:"outputMB"`
	PIDs             int64         `yaml:"pids"`
}

// AppConfig holds intake-service configuration. Redis, MySQL, MinIO and
// Kafka sections are optional; an empty section disables that integration.
type AppConfig struct {
	Server     ServerConfig        `yaml:"server"`
	Logger     logger.Config       `yaml:"logger"`
	Redis      cache.RedisConfig   `yaml:"redis"`
	Database   db.MySQLConfig      `yaml:"database"`
	MinIO      storage.MinIOConfig `yaml:"minio"`
	Kafka      mq.KafkaConfig      `yaml:"kafka"`
	Scheduler  SchedulerConfig     `yaml:"scheduler"`
	Dispatcher DispatcherConfig    `yaml:"dispatcher"`
	Intake     IntakeConfig        `yaml:"intake"`
	Sandbox    SandboxConfig       `yaml:"sandbox"`
}

func loadAppConfig(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file failed: %w", err)
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file failed: %w", err)
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}

	if cfg.Intake.StoreRoot == "" {
		cfg.Intake.StoreRoot = "data/packets"
	}

	return &cfg, nil
}

func loadInterfaceHeader(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read interface header failed: %w", err)
	}
	return data, nil
}
