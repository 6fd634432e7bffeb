// Package logx is the relay's structured logging wrapper around golog.
//
// Every call takes a free-form context (typically a *gin.Context or a
// transport session), an event name, a status, a message, and a field map,
// flattens them into one JSON line, and writes it through golog. Log files
// rotate daily and stale files older than the configured retention are
// removed.
package logx

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kataras/golog"

	"github.com/screenmcp/relay/internal/wire"
)

// IPProvider is implemented by anything logx can pull a remote address from
// without importing the transport package directly (avoids an import
// cycle; internal/transport implements this interface on *Session).
type IPProvider interface {
	RemoteIP() string
}

// DeviceLabeler is implemented by a session that can describe the device it
// is paired to or represents, for the "target" log field.
type DeviceLabeler interface {
	DeviceLogLabel() (hostname, addr string, ok bool)
}

var (
	logWriter *os.File
	disposed  bool

	logDir    = "logs"
	logLevel  = "info"
	retainDys = 7
)

// Configure sets the logging sink parameters. Call once at startup before
// any log lines are expected to land in a rotated file; safe to call again
// after a config reload.
func Configure(dir, level string, retentionDays int) {
	logDir = dir
	logLevel = level
	retainDys = retentionDays
	golog.SetLevel(level)
	rotate()
}

func init() {
	golog.SetTimeFormat("2006-01-02 15:04:05")
	go func() {
		waitSecs := 86400 - (time.Now().Hour()*3600 + time.Now().Minute()*60 + time.Now().Second())
		if waitSecs > 0 {
			<-time.After(time.Duration(waitSecs) * time.Second)
		}
		rotate()
		for range time.NewTicker(time.Second * 86400).C {
			rotate()
		}
	}()
}

func rotate() {
	var err error
	if logWriter != nil {
		logWriter.Close()
	}
	if logLevel == "disable" || disposed {
		golog.SetOutput(os.Stdout)
		return
	}
	os.MkdirAll(logDir, 0755)
	now := time.Now().Add(time.Minute)
	logFile := fmt.Sprintf("%s/%s.log", logDir, now.Format("2006-01-02"))
	logWriter, err = os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		golog.Warn(buildLine(nil, "LOG_INIT", "fail", err.Error(), nil))
		return
	}
	golog.SetOutput(io.MultiWriter(os.Stdout, logWriter))

	staleDate := time.Unix(now.Unix()-int64(retainDys*86400), 0)
	staleLog := fmt.Sprintf("%s/%s.log", logDir, staleDate.Format("2006-01-02"))
	os.Remove(staleLog)
}

func buildLine(ctx any, event, status, msg string, args map[string]any) string {
	if args == nil {
		args = map[string]any{}
	}
	args["event"] = event
	if len(msg) > 0 {
		args["msg"] = msg
	}
	if len(status) > 0 {
		args["status"] = status
	}
	if ctx != nil {
		switch v := ctx.(type) {
		case *gin.Context:
			args["from"] = realIP(v.Request)
		case IPProvider:
			args["from"] = v.RemoteIP()
		}
		if dl, ok := ctx.(DeviceLabeler); ok {
			if hostname, addr, ok := dl.DeviceLogLabel(); ok {
				args["target"] = map[string]any{"name": hostname, "ip": addr}
			}
		}
	}
	output, _ := wire.JSON.MarshalToString(args)
	return output
}

// realIP prefers the X-Real-IP header, then X-Forwarded-For's first hop,
// then the socket's remote address.
func realIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		if i := strings.IndexByte(ip, ','); i >= 0 {
			ip = ip[:i]
		}
		return strings.TrimSpace(ip)
	}
	return r.RemoteAddr
}

func Info(ctx any, event, status, msg string, args map[string]any) {
	golog.Info(buildLine(ctx, event, status, msg, args))
}

func Warn(ctx any, event, status, msg string, args map[string]any) {
	golog.Warn(buildLine(ctx, event, status, msg, args))
}

func Error(ctx any, event, status, msg string, args map[string]any) {
	golog.Error(buildLine(ctx, event, status, msg, args))
}

func Fatal(ctx any, event, status, msg string, args map[string]any) {
	golog.Fatal(buildLine(ctx, event, status, msg, args))
}

func Debug(ctx any, event, status, msg string, args map[string]any) {
	golog.Debug(buildLine(ctx, event, status, msg, args))
}

// Close reverts logging to stdout and closes any open log file, for a clean
// shutdown sequence.
func Close() {
	disposed = true
	golog.SetOutput(os.Stdout)
	if logWriter != nil {
		logWriter.Close()
		logWriter = nil
	}
}
