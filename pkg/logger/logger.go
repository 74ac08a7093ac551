/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package logger

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/debugmcp/mcp-debugger-sub008/pkg/resiliency"
)

const (
	DAPPROXY_LOG_DIR        = "DAPPROXY_LOG_DIR"        // Folder to write session log files to (disabled when unset)
	DAPPROXY_LOG_FILE_LEVEL = "DAPPROXY_LOG_FILE_LEVEL" // Log level for session log files (defaults to debug)
	DAPPROXY_LOG_SESSION_ID = "DAPPROXY_LOG_SESSION_ID" // Session ID to include in log file names

	verbosityFlagName      = "verbosity"
	verbosityFlagShortName = "v"

	filePermissions   = 0600
	folderPermissions = 0700
)

var (
	sessionId string
	startTime time.Time
)

type Logger struct {
	logr.Logger
	name        string
	atomicLevel zap.AtomicLevel
	flush       func()
}

// New creates a logger that writes human readable output to stderr, and, if DAPPROXY_LOG_DIR is set,
// machine readable output to a per-process log file in that folder.
func New(name string) *Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if runtime.GOOS == "windows" {
		encoderConfig.LineEnding = "\r\n"
	}
	consoleEncoder := zapcore.NewConsoleEncoder(encoderConfig)

	consoleAtomicLevel := zap.NewAtomicLevel()

	// stdout belongs to the worker IPC channel, so console output always goes to stderr.
	consoleLog := zapcore.Lock(os.Stderr)

	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, consoleLog, consoleAtomicLevel),
	}

	var fileLogErr error
	if logCore, err := getFileLogCore(name, encoderConfig); err != nil {
		if !errors.Is(err, errFileLogNotEnabled) {
			fileLogErr = err
		}
	} else {
		cores = append(cores, logCore)
	}

	zapLogger := zap.New(zapcore.NewTee(cores...))
	logger := zapr.NewLogger(zapLogger)

	if fileLogErr != nil {
		logger.Error(fileLogErr, "Failed to enable file log output")
	}

	return &Logger{
		Logger:      logger,
		name:        name,
		atomicLevel: consoleAtomicLevel,
		flush: func() {
			_ = zapLogger.Sync()
		},
	}
}

func (l *Logger) WithName(name string) *Logger {
	l.Logger = l.Logger.WithName(name)
	return l
}

func (l *Logger) SetLevel(level zapcore.Level) {
	l.atomicLevel.SetLevel(level)
}

func (l *Logger) Flush() {
	l.flush()
}

// Add verbosity flag to enable setting stderr log levels
func (l *Logger) AddLevelFlag(fs *pflag.FlagSet) {
	levelVal := NewLevelFlagValue(func(level zapcore.Level) {
		l.SetLevel(level)
	})
	fs.VarP(&levelVal, verbosityFlagName, verbosityFlagShortName, "Logging verbosity level (e.g. -v=debug). Can be one of 'debug', 'info', or 'error', or any positive integer corresponding to increasing levels of debug verbosity.")
}

var errFileLogNotEnabled = errors.New("file log not enabled")

func getFileLogCore(name string, encoderConfig zapcore.EncoderConfig) (zapcore.Core, error) {
	logFolder, found := os.LookupEnv(DAPPROXY_LOG_DIR)
	if !found || logFolder == "" {
		return nil, errFileLogNotEnabled
	}

	logLevel := zapcore.DebugLevel
	if levelStr, levelFound := os.LookupEnv(DAPPROXY_LOG_FILE_LEVEL); levelFound {
		parsed, parseErr := StringToLevel(levelStr, zapcore.DebugLevel)
		if parseErr != nil {
			return nil, parseErr
		}
		logLevel = parsed
	}

	if err := ensureFolder(logFolder); err != nil {
		return nil, err
	}

	// Several workers may start within the same millisecond, so retry a few times on name collisions.
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(20*time.Millisecond),
		backoff.WithMaxInterval(100*time.Millisecond),
		backoff.WithMaxElapsedTime(2*time.Second),
	)
	attempt := 0
	logOutput, err := resiliency.RetryGetWithBackoff(context.Background(), b, func() (*os.File, error) {
		attempt++
		logName := fmt.Sprintf("%s-%s-%d-%d.log", sessionId, name, startTime.UnixMilli(), attempt)
		return os.OpenFile(filepath.Join(logFolder, logName), os.O_RDWR|os.O_CREATE|os.O_EXCL, filePermissions)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}

	return zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(logOutput), zap.NewAtomicLevelAt(logLevel)), nil
}

func ensureFolder(folder string) error {
	info, err := os.Stat(folder)
	if errors.Is(err, fs.ErrNotExist) {
		if err = os.MkdirAll(folder, folderPermissions); err != nil {
			return fmt.Errorf("failed to create the log folder '%s': %w", folder, err)
		}
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to verify the existence of the log folder '%s': %w", folder, err)
	} else if !info.IsDir() {
		return fmt.Errorf("'%s' is not a directory and cannot be used as a log folder", folder)
	}
	return nil
}

func SessionId() string {
	return sessionId
}

func init() {
	startTime = time.Now()
	if setSessionId, found := os.LookupEnv(DAPPROXY_LOG_SESSION_ID); found && setSessionId != "" {
		sessionId = setSessionId
	} else {
		sessionId = fmt.Sprintf("%d", os.Getpid())
	}
}
