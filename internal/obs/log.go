package obs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"
)

var (
	loggerOnce sync.Once
	logger     *log.Logger
)

// Logger returns the shared structured logger used across the service.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// SetOutput redirects the shared logger. Tests use it to capture lines.
func SetOutput(l *log.Logger) {
	loggerOnce.Do(func() {})
	logger = l
}

// LogRequest emits a structured JSON log line with common HTTP fields.
func LogRequest(entry map[string]any) {
	emit(entry)
}

// Info, Warn and Error write one JSON line with ts, level and msg merged over
// the supplied fields.
func Info(msg string, fields map[string]any)  { logAt("info", msg, fields) }
func Warn(msg string, fields map[string]any)  { logAt("warn", msg, fields) }
func Error(msg string, fields map[string]any) { logAt("error", msg, fields) }

func logAt(level, msg string, fields map[string]any) {
	entry := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		if err, ok := v.(error); ok && err != nil {
			v = err.Error()
		}
		entry[k] = v
	}
	entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = level
	entry["msg"] = msg
	emit(entry)
}

func emit(entry map[string]any) {
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Println(`{"ts":"error","level":"error","msg":"log marshal failed"}`)
		return
	}
	Logger().Println(string(data))
}
