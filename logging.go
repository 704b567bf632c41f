package main

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
	"gopkg.in/natefinch/lumberjack.v2"

	"easycaller/tgvoice"
)

var (
	coreLog     *logrus.Entry
	sipLog      *logrus.Entry
	toneLog     *logrus.Entry
	captureLog  *logrus.Entry
	pushLog     *logrus.Entry
	notifyLog   *logrus.Entry
	telegramLog *logrus.Entry
	logFile     *lumberjack.Logger
)

// sipMessages controls whether per-message SIP logs are kept.
var sipMessages bool

// initLogging configures one logger per subsystem from the [logging] section.
func initLogging(cfg *ini.File) error {
	sec := cfg.Section("logging")

	consoleMin := toLogrusLevel(sec.Key("console_min_level").MustInt(0))
	fileMin := toLogrusLevel(sec.Key("file_min_level").MustInt(0))

	logFile = &lumberjack.Logger{
		Filename:   sec.Key("file").MustString("easycaller.log"),
		MaxSize:    sec.Key("max_size").MustInt(100), // megabytes
		MaxBackups: sec.Key("max_backups").MustInt(1),
	}

	level := func(name string, def int) logrus.Level {
		return toLogrusLevel(sec.Key(name).MustInt(def))
	}
	sipMessages = sec.Key("sip_messages").MustBool(true)
	var skipSIP func(*logrus.Entry) bool
	if !sipMessages {
		skipSIP = isSIPMessage
	}

	coreLog = newLogger("core", level("core", 2), consoleMin, fileMin, logFile, nil)
	sipLog = newLogger("sip", level("sip", 2), consoleMin, fileMin, logFile, skipSIP)
	toneLog = newLogger("tone", level("tone", 2), consoleMin, fileMin, logFile, nil)
	captureLog = newLogger("capture", level("capture", 2), consoleMin, fileMin, logFile, nil)
	pushLog = newLogger("push", level("push", 2), consoleMin, fileMin, logFile, nil)
	notifyLog = newLogger("notify", level("notify", 2), consoleMin, fileMin, logFile, nil)
	telegramLog = newLogger("telegram", level("telegram", 2), consoleMin, fileMin, logFile, nil)

	tdlibLevel := int32(sec.Key("tdlib").MustInt(3))
	return tgvoice.ConfigureLogging(sec.Key("tdlib_file").MustString("tdlib.log"), tdlibLevel)
}

// closeLogging flushes and closes log files.
func closeLogging() {
	if logFile != nil {
		_ = logFile.Close()
	}
	tgvoice.CloseLogging()
}

// writerHook writes logs to the specified writer for provided levels.
// Entries matching Skip are dropped.
type writerHook struct {
	Writer    io.Writer
	LogLevels []logrus.Level
	Skip      func(*logrus.Entry) bool
}

func (h *writerHook) Fire(e *logrus.Entry) error {
	if h.Skip != nil && h.Skip(e) {
		return nil
	}
	line, err := e.String()
	if err != nil {
		return err
	}
	_, err = h.Writer.Write([]byte(line))
	return err
}

func (h *writerHook) Levels() []logrus.Level {
	return h.LogLevels
}

func newLogger(name string, level, consoleMin, fileMin logrus.Level, file io.Writer, skip func(*logrus.Entry) bool) *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(io.Discard)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	logger.AddHook(&writerHook{Writer: os.Stdout, LogLevels: availableLevels(consoleMin), Skip: skip})
	if file != nil {
		logger.AddHook(&writerHook{Writer: file, LogLevels: availableLevels(fileMin), Skip: skip})
	}
	return logger.WithField("name", name)
}

// availableLevels returns the levels at least as severe as min.
func availableLevels(min logrus.Level) []logrus.Level {
	levels := []logrus.Level{}
	for _, l := range logrus.AllLevels {
		if l <= min {
			levels = append(levels, l)
		}
	}
	return levels
}

func toLogrusLevel(v int) logrus.Level {
	switch {
	case v <= 0:
		return logrus.TraceLevel
	case v == 1:
		return logrus.DebugLevel
	case v == 2:
		return logrus.InfoLevel
	case v == 3:
		return logrus.WarnLevel
	case v == 4:
		return logrus.ErrorLevel
	case v == 5:
		return logrus.FatalLevel
	default:
		return logrus.PanicLevel // off
	}
}

// isSIPMessage matches the per-request and per-response SIP logs.
func isSIPMessage(e *logrus.Entry) bool {
	return strings.HasPrefix(e.Message, "received SIP")
}
