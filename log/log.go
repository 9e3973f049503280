package log

import (
	"net/http"
	"os"

	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

var Root = &logrus.Logger{
	Out:   os.Stdout,
	Level: logrus.TraceLevel,
	Formatter: &prefixed.TextFormatter{
		DisableColors: func() bool {
			term, ok := os.LookupEnv("TERM")
			return term == "" || !ok
		}(),
		ForceFormatting: true,
		TimestampFormat: "2006-01-02 15:04:05",
	},
}

type ChildLogger struct {
	parent *logrus.Logger
	prefix string
	level  logrus.Level
}

func NewChildLogger(parent *logrus.Logger, prefix string, debug bool) *ChildLogger {
	lc := &ChildLogger{
		parent: parent,
		prefix: prefix,
	}

	if debug {
		lc.level = logrus.DebugLevel
	} else {
		lc.level = logrus.InfoLevel
	}

	return lc
}

func (l *ChildLogger) shouldOutput(level logrus.Level) bool {
	return l.level >= level
}

func (l *ChildLogger) Debug(args ...interface{}) {
	if l.shouldOutput(logrus.DebugLevel) {
		l.parent.WithField("prefix", l.prefix).Debug(args...)
	}
}

func (l *ChildLogger) Info(args ...interface{}) {
	if l.shouldOutput(logrus.InfoLevel) {
		l.parent.WithField("prefix", l.prefix).Info(args...)
	}
}

func (l *ChildLogger) Warning(args ...interface{}) {
	if l.shouldOutput(logrus.WarnLevel) {
		l.parent.WithField("prefix", l.prefix).Warning(args...)
	}
}

func (l *ChildLogger) Error(args ...interface{}) {
	if l.shouldOutput(logrus.ErrorLevel) {
		l.parent.WithField("prefix", l.prefix).Error(args...)
	}
}

func (l *ChildLogger) Fatal(args ...interface{}) {
	if l.shouldOutput(logrus.FatalLevel) {
		l.parent.WithField("prefix", l.prefix).Fatal(args...)
	}
}

func (l *ChildLogger) Debugf(format string, args ...interface{}) {
	if l.shouldOutput(logrus.DebugLevel) {
		l.parent.WithField("prefix", l.prefix).Debugf(format, args...)
	}
}

func (l *ChildLogger) Infof(format string, args ...interface{}) {
	if l.shouldOutput(logrus.InfoLevel) {
		l.parent.WithField("prefix", l.prefix).Infof(format, args...)
	}
}

func (l *ChildLogger) Warningf(format string, args ...interface{}) {
	if l.shouldOutput(logrus.WarnLevel) {
		l.parent.WithField("prefix", l.prefix).Warningf(format, args...)
	}
}

func (l *ChildLogger) Errorf(format string, args ...interface{}) {
	if l.shouldOutput(logrus.ErrorLevel) {
		l.parent.WithField("prefix", l.prefix).Errorf(format, args...)
	}
}

func (l *ChildLogger) Fatalf(format string, args ...interface{}) {
	if l.shouldOutput(logrus.FatalLevel) {
		l.parent.WithField("prefix", l.prefix).Fatalf(format, args...)
	}
}

func (l *ChildLogger) IsDebug() bool {
	return l.level >= logrus.DebugLevel
}

type Children struct {
	Parser *ChildLogger
	Host   *ChildLogger
	Data   *ChildLogger
	Server *ChildLogger
}

func PrepareChildren(parent *logrus.Logger, parser, host, data, server bool) *Children {
	return &Children{
		Parser: NewChildLogger(parent, "parser", parser),
		Host:   NewChildLogger(parent, "host", host),
		Data:   NewChildLogger(parent, "data", data),
		Server: NewChildLogger(parent, "server", server),
	}
}

// HexDump logs data in groups of 8 bytes per line, prefixed with desc.
// The formatting work only happens when l has debug output enabled.
func HexDump(l *ChildLogger, desc string, data []byte) {
	if !l.IsDebug() {
		return
	}
	for i := 0; i < len(data); i += 8 {
		end := i + 8
		if end > len(data) {
			end = len(data)
		}
		line := desc
		for _, b := range data[i:end] {
			line += " " + hexByte(b)
		}
		l.Debug(line)
	}
}

const hexDigits = "0123456789ABCDEF"

func hexByte(b byte) string {
	return string([]byte{hexDigits[b>>4], hexDigits[b&0xf]})
}

func HTTPLogHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			Root.WithField("prefix", "http").Infof("%s %s %s", r.Method, r.URL.Path, r.RemoteAddr)
		}()
		next.ServeHTTP(w, r)
	})
}
