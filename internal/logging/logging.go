// Package logging builds the shared zerolog/lecho logger pair.
package logging

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/ziflex/lecho/v3"
)

// Logger writes to STDOUT unless a log file path is configured. The zerolog
// logger feeds the internal packages; the lecho wrapper feeds echo.
func Logger(logFilePath, level string) (zerolog.Logger, *lecho.Logger) {
	target := os.Stdout

	if logFilePath != "" {
		file, err := loggingFile(logFilePath)
		if err != nil {
			panic(err)
		}
		target = file
	}

	zlog := zerolog.New(target).Level(parseLevel(level)).With().Timestamp().Logger()
	return zlog, lecho.From(zlog)
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// loggingFile stamps the configured path with the start time so restarts do
// not append to a previous run's file.
func loggingFile(path string) (*os.File, error) {
	extension := filepath.Ext(path)
	if extension != "" {
		path = strings.Replace(path, extension, time.Now().Format("2006-01-02_15-04-05")+extension, 1)
	} else {
		path = path + time.Now().Format("2006-01-02_15-04-05")
	}
	return os.Create(path)
}
