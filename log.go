package alloy

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// SetupLogging configures the standard logrus logger the way alloy
// commands expect: debug level when DEBUG=1, and each line tagged with
// the caller's file:line and goroutine id.  Concurrent sink commits
// are hard to follow without the goroutine id.
func SetupLogging() {
	if os.Getenv("DEBUG") == "1" {
		log.SetLevel(log.DebugLevel)
	}
	log.SetReportCaller(true)
	formatter := &log.TextFormatter{
		CallerPrettyfier: caller(),
		FieldMap: log.FieldMap{
			log.FieldKeyFile: "caller",
		},
	}
	formatter.TimestampFormat = "15:04:05.999999999"
	log.SetFormatter(formatter)
}

// caller tags a log line with "file:line gid N", the file relative to
// the working directory when it lies below it.
func caller() func(*runtime.Frame) (function string, file string) {
	wd, _ := os.Getwd()
	return func(f *runtime.Frame) (function string, file string) {
		file = strings.TrimPrefix(f.File, wd+string(os.PathSeparator))
		return "", fmt.Sprintf("%s:%d gid %d", file, f.Line, GetGID())
	}
}

// GetGID returns the id of the calling goroutine, read from the
// "goroutine N [...]" header of its stack trace.  Sink commits from
// different producers are told apart by it in debug logs.
func GetGID() uint64 {
	var stack [64]byte
	header := string(stack[:runtime.Stack(stack[:], false)])
	header = strings.TrimPrefix(header, "goroutine ")
	if i := strings.IndexByte(header, ' '); i >= 0 {
		header = header[:i]
	}
	id, _ := strconv.ParseUint(header, 10, 64)
	return id
}
