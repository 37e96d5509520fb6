// Package logparse maps the many spellings of log severity onto the six
// levels the gateway stores and indexes.
package logparse

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

// Canonical levels.
const (
	LevelTrace = "TRACE"
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
	LevelFatal = "FATAL"
)

var severityWord = regexp.MustCompile(`(?i)\b(TRACE|DEBUG|INFO|WARN|WARNING|ERROR|FATAL|CRITICAL|PANIC)\b`)

var aliases = map[string]string{
	"TRACE": LevelTrace, "TRAC": LevelTrace, "TRC": LevelTrace,
	"DEBUG": LevelDebug, "DEBU": LevelDebug, "DBG": LevelDebug, "DEB": LevelDebug,
	"INFO": LevelInfo, "INFORMATION": LevelInfo, "INF": LevelInfo, "NOTICE": LevelInfo,
	"WARN": LevelWarn, "WARNING": LevelWarn, "WRN": LevelWarn, "WRNG": LevelWarn,
	"ERROR": LevelError, "ERR": LevelError, "ERRO": LevelError,
	"FATAL": LevelFatal, "FATL": LevelFatal, "FTL": LevelFatal,
	"CRITICAL": LevelFatal, "CRIT": LevelFatal, "CRT": LevelFatal,
	"PANIC": LevelFatal, "PNC": LevelFatal, "EMERGENCY": LevelFatal,
}

var prefixes = []struct{ prefix, level string }{
	{"INFO", LevelInfo}, {"WARN", LevelWarn}, {"ERRO", LevelError},
	{"DEBU", LevelDebug}, {"TRAC", LevelTrace}, {"FATA", LevelFatal}, {"CRIT", LevelFatal},
}

// NormalizeSeverity converts a severity text to a canonical level.
// Unknown text maps to INFO.
func NormalizeSeverity(severity string) string {
	s := strings.ToUpper(strings.TrimSpace(severity))
	if level, ok := aliases[s]; ok {
		return level
	}
	for _, p := range prefixes {
		if strings.HasPrefix(s, p.prefix) {
			return p.level
		}
	}
	return LevelInfo
}

// FromOTLPNumber maps an OTLP severity number (1-24) to a level.
// It returns "" for 0 (unspecified) and out-of-range values.
func FromOTLPNumber(n int) string {
	switch {
	case n >= 1 && n <= 4:
		return LevelTrace
	case n >= 5 && n <= 8:
		return LevelDebug
	case n >= 9 && n <= 12:
		return LevelInfo
	case n >= 13 && n <= 16:
		return LevelWarn
	case n >= 17 && n <= 20:
		return LevelError
	case n >= 21 && n <= 24:
		return LevelFatal
	default:
		return ""
	}
}

// OTLPNumber returns the lowest OTLP severity number of a level.
func OTLPNumber(level string) int {
	switch NormalizeSeverity(level) {
	case LevelTrace:
		return 1
	case LevelDebug:
		return 5
	case LevelWarn:
		return 13
	case LevelError:
		return 17
	case LevelFatal:
		return 21
	default:
		return 9
	}
}

// FromText finds the first severity word in free text, defaulting to INFO.
func FromText(text string) string {
	m := severityWord.FindStringSubmatch(text)
	if len(m) < 2 {
		return LevelInfo
	}
	return NormalizeSeverity(m[1])
}

// ZerologLevel maps a canonical level onto zerolog. FATAL maps to error so
// that relaying a producer's message never exits the process.
func ZerologLevel(level string) zerolog.Level {
	switch NormalizeSeverity(level) {
	case LevelTrace:
		return zerolog.TraceLevel
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError, LevelFatal:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
