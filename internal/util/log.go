package util

import (
	"fmt"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Printf-style wrappers over pterm.DefaultLogger, written to stderr. Lines
// about one remote participant start with PeerTag.

func LogDebug(format string, args ...any) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...any) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

// LogSuccess logs at info level, tagged so milestones (joined, connected)
// stand out from routine lines.
func LogSuccess(format string, args ...any) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...), pterm.DefaultLogger.Args("status", "ok"))
}

func LogWarning(format string, args ...any) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...any) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// PeerTag renders the log prefix used for per-peer lines, e.g. "[peer 7]".
func PeerTag(peerID int64) string {
	return fmt.Sprintf("[peer %d]", peerID)
}

// EnableDebug lowers the log level to debug, which also surfaces negotiation
// and dedup traces.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}
