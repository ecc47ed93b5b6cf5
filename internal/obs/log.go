package obs

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	mu           sync.Mutex
	base         = log.New(os.Stdout, "", 0)
	logFile      *os.File
	debugEnabled bool
)

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) { mu.Lock(); debugEnabled = v; mu.Unlock() }

// SetOutput redirects log lines to w (tests, embedding applications).
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	base.SetOutput(w)
}

// OpenFile mirrors log lines into <prefix><n>.log, using the first n that does not exist yet.
func OpenFile(prefix string) (string, error) {
	if dir := filepath.Dir(prefix); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create log dir: %w", err)
		}
	}
	var f *os.File
	var path string
	for n := 0; ; n++ {
		path = fmt.Sprintf("%s%d.log", prefix, n)
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			break
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("open log file: %w", err)
		}
	}
	mu.Lock()
	if logFile != nil {
		_ = logFile.Close()
	}
	logFile = f
	base.SetOutput(io.MultiWriter(os.Stdout, f))
	mu.Unlock()
	return path, nil
}

// Close detaches and closes the log file opened by OpenFile.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	base.SetOutput(os.Stdout)
	return err
}

type Fields map[string]any

func logWith(level, msg string, f Fields) {
	if f == nil {
		f = Fields{}
	}
	f["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	f["level"] = level
	f["msg"] = msg
	b, err := json.Marshal(f)
	mu.Lock()
	defer mu.Unlock()
	if err != nil {
		base.Printf("{\"level\":\"error\",\"msg\":\"log marshal failure\",\"err\":%q}", err.Error())
		return
	}
	base.Println(string(b))
}

func Info(msg string, f Fields)  { logWith("info", msg, f) }
func Warn(msg string, f Fields)  { logWith("warn", msg, f) }
func Error(msg string, f Fields) { logWith("error", msg, f) }
func Debug(msg string, f Fields) {
	mu.Lock()
	on := debugEnabled
	mu.Unlock()
	if on {
		logWith("debug", msg, f)
	}
}
