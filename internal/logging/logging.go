package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

type manager struct {
	errorLog  *RotatingFile
	accessLog *RotatingFile
	pageLog   *RotatingFile
	level     log.Level
}

var (
	globalMu sync.RWMutex
	global   = manager{level: log.InfoLevel}
)

// Configure points the error, access and page logs at their files. A path
// of "stderr" or "stdout" writes to the console, an empty path disables it.
func Configure(errorPath, accessPath, pagePath string, maxSize int64, level string) {
	globalMu.Lock()
	defer globalMu.Unlock()
	global.errorLog = NewRotatingFile(errorPath, maxSize)
	global.accessLog = NewRotatingFile(accessPath, maxSize)
	global.pageLog = NewRotatingFile(pagePath, maxSize)
	global.level = parseLevel(level)
}

func parseLevel(level string) log.Level {
	l, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return log.InfoLevel
	}
	return l
}

func ErrorWriter() io.Writer {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if global.errorLog != nil && global.errorLog.Enabled() {
		return global.errorLog
	}
	return os.Stderr
}

// New returns a structured logger writing to the error log.
func New(prefix string) *log.Logger {
	globalMu.RLock()
	level := global.level
	globalMu.RUnlock()
	return log.NewWithOptions(ErrorWriter(), log.Options{
		Prefix:          prefix,
		Level:           level,
		ReportTimestamp: true,
	})
}

func Access(line string) {
	globalMu.RLock()
	logger := global.accessLog
	globalMu.RUnlock()
	if logger != nil {
		_ = logger.WriteLine(line)
	}
}

func Page(line string) {
	globalMu.RLock()
	logger := global.pageLog
	globalMu.RUnlock()
	if logger != nil {
		_ = logger.WriteLine(line)
	}
}
