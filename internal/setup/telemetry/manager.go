package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ethoslink/rolesync/internal/setup/config"
	"github.com/ethoslink/rolesync/internal/setup/telemetry/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// sessionLayout names each session directory by its start time.
const sessionLayout = "2006-01-02_15-04-05"

// ServiceType represents the type of service being initialized.
type ServiceType int

const (
	ServiceBot ServiceType = iota
	ServiceCLI
	ServiceMigrate
)

// String returns the component name of the service.
func (s ServiceType) String() string {
	switch s {
	case ServiceBot:
		return "bot"
	case ServiceCLI:
		return "cli"
	case ServiceMigrate:
		return "migrate"
	default:
		return "unknown"
	}
}

// Manager handles the creation and management of log files and directories.
// Each process run writes into its own timestamped session directory.
type Manager struct {
	instanceID        string // Unique identifier for this program instance
	componentName     string // Component identifier for this instance
	currentSessionDir string // Path to the current session's log directory
	logDir            string // Base directory for all logs
	level             string // Logging level (debug, info, warn, error)
	maxLogsToKeep     int    // Maximum number of log sessions to retain
	maxLogLines       int    // Maximum number of lines to keep in each log file
	stdout            bool   // Mirror logs to stdout
}

// NewManager creates a new Manager instance.
func NewManager(serviceType ServiceType, logDir string, debugCfg *config.Debug) *Manager {
	return &Manager{
		instanceID:    uuid.New().String(),
		componentName: serviceType.String(),
		logDir:        logDir,
		level:         debugCfg.LogLevel,
		maxLogsToKeep: debugCfg.MaxLogsToKeep,
		maxLogLines:   debugCfg.MaxLogLines,
		stdout:        debugCfg.Stdout,
	}
}

// GetLoggers initializes the main and database loggers.
func (lm *Manager) GetLoggers() (*zap.Logger, *zap.Logger, error) {
	if err := lm.setupLogDirectories(); err != nil {
		return nil, nil, err
	}

	mainLogger, err := lm.initLogger(filepath.Join(lm.currentSessionDir, "main.log"), lm.stdout)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize main logger: %w", err)
	}

	dbLogger, err := lm.initLogger(filepath.Join(lm.currentSessionDir, "database.log"), false)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database logger: %w", err)
	}

	fields := []zap.Field{
		zap.String("component", lm.componentName),
		zap.String("instance_id", lm.instanceID),
	}

	return mainLogger.With(fields...), dbLogger.With(fields...), nil
}

// GetWorkerLogger creates a logger for a background component.
// Each component gets its own log file in the session directory.
func (lm *Manager) GetWorkerLogger(name string) *zap.Logger {
	logger, err := lm.initLogger(filepath.Join(lm.getOrCreateSessionDir(), name+".log"), false)
	if err != nil {
		return zap.NewNop()
	}

	return logger.With(zap.String("instance_id", lm.instanceID))
}

// GetCurrentSessionDir returns the current session directory.
func (lm *Manager) GetCurrentSessionDir() string {
	return lm.getOrCreateSessionDir()
}

// GetInstanceID returns the unique instance identifier for this program run.
func (lm *Manager) GetInstanceID() string {
	return lm.instanceID
}

// setupLogDirectories ensures the base directory exists, rotates old
// sessions and creates a new session directory.
func (lm *Manager) setupLogDirectories() error {
	if err := os.MkdirAll(lm.logDir, os.ModePerm); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	if err := lm.rotateLogSessions(); err != nil {
		return fmt.Errorf("failed to rotate log sessions: %w", err)
	}

	lm.currentSessionDir = filepath.Join(lm.logDir, time.Now().Format(sessionLayout))
	if err := os.MkdirAll(lm.currentSessionDir, os.ModePerm); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	return nil
}

// getOrCreateSessionDir returns the current session directory or creates a new one.
// Falls back to the base log directory if creation fails.
func (lm *Manager) getOrCreateSessionDir() string {
	if lm.currentSessionDir != "" {
		return lm.currentSessionDir
	}

	sessionDir := filepath.Join(lm.logDir, time.Now().Format(sessionLayout))
	if err := os.MkdirAll(sessionDir, os.ModePerm); err != nil {
		return lm.logDir
	}

	lm.currentSessionDir = sessionDir

	return sessionDir
}

// initLogger creates a zap logger writing to a line-capped file and
// optionally mirroring to stdout.
func (lm *Manager) initLogger(path string, mirror bool) (*zap.Logger, error) {
	zapLevel, err := zapcore.ParseLevel(lm.level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cannot open log file %s: %w", path, err)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderConfig),
			zapcore.AddSync(logger.NewLogRotator(file, lm.maxLogLines, path)),
			zapLevel,
		),
	}

	if mirror {
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderConfig),
			zapcore.Lock(os.Stdout),
			zapLevel,
		))
	}

	return zap.New(
		zapcore.NewTee(cores...),
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	), nil
}

// rotateLogSessions removes the oldest sessions beyond maxLogsToKeep.
func (lm *Manager) rotateLogSessions() error {
	sessions, err := filepath.Glob(filepath.Join(lm.logDir, "*"))
	if err != nil {
		return err
	}

	if len(sessions) < lm.maxLogsToKeep {
		return nil
	}

	// Directory names sort chronologically
	sort.Strings(sessions)

	// Leave room for the session about to be created
	toDelete := len(sessions) - lm.maxLogsToKeep + 1
	for i := range toDelete {
		if err := os.RemoveAll(sessions[i]); err != nil {
			return err
		}
	}

	return nil
}
