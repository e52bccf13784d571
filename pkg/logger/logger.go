package logger

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// Logger 全局日志实例
	Logger *logrus.Logger
	// fileWriter 当前滚动文件（未配置文件输出时为 nil）
	fileWriter *lumberjack.Logger
	logMu      sync.Mutex
)

// Config 日志配置
type Config struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	OutputFile string `yaml:"output_file"` // 为空则只输出到控制台
	MaxSize    int    `yaml:"max_size"`    // MB
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"` // 天
	Compress   bool   `yaml:"compress"`
	// Pair 写入每条日志的交易对字段，便于同机多实例时区分
	Pair string `yaml:"-"`
}

// Init 初始化日志系统。
// 同时配置 logrus 的标准 logger，各包通过 logrus.WithField("component", ...) 取得的
// entry 会共享同一输出与级别。
func Init(config Config) error {
	logMu.Lock()
	defer logMu.Unlock()

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		level = logrus.InfoLevel
	}

	formatter := &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "06-01-02 15:04:05", // yy-mm-dd HH:MM:ss
	}

	writers := []io.Writer{os.Stdout}
	if config.OutputFile != "" {
		if err := os.MkdirAll(filepath.Dir(config.OutputFile), 0o755); err != nil {
			return err
		}
		if fileWriter != nil {
			_ = fileWriter.Close()
		}
		fileWriter = &lumberjack.Logger{
			Filename:   config.OutputFile,
			MaxSize:    orDefault(config.MaxSize, 100),
			MaxBackups: orDefault(config.MaxBackups, 7),
			MaxAge:     orDefault(config.MaxAge, 30),
			Compress:   config.Compress,
		}
		writers = append(writers, fileWriter)
	}
	out := io.MultiWriter(writers...)

	l := logrus.New()
	l.SetLevel(level)
	l.SetFormatter(formatter)
	l.SetOutput(out)
	Logger = l

	std := logrus.StandardLogger()
	std.SetLevel(level)
	std.SetFormatter(formatter)
	std.SetOutput(out)
	if config.Pair != "" {
		std.AddHook(pairHook{pair: config.Pair})
		l.AddHook(pairHook{pair: config.Pair})
	}
	return nil
}

// InitDefault 控制台 info 级别
func InitDefault() error {
	return Init(Config{Level: "info"})
}

// Close 关闭文件输出
func Close() error {
	logMu.Lock()
	defer logMu.Unlock()
	if fileWriter == nil {
		return nil
	}
	err := fileWriter.Close()
	fileWriter = nil
	return err
}

type pairHook struct{ pair string }

func (h pairHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h pairHook) Fire(e *logrus.Entry) error {
	if _, ok := e.Data["pair"]; !ok {
		e.Data["pair"] = h.pair
	}
	return nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func get() *logrus.Logger {
	if Logger == nil {
		return logrus.StandardLogger()
	}
	return Logger
}

// Debugf 调试日志
func Debugf(format string, args ...interface{}) { get().Debugf(format, args...) }

// Infof 信息日志
func Infof(format string, args ...interface{}) { get().Infof(format, args...) }

// Warnf 警告日志
func Warnf(format string, args ...interface{}) { get().Warnf(format, args...) }

// Errorf 错误日志
func Errorf(format string, args ...interface{}) { get().Errorf(format, args...) }

// WithField 带字段的日志
func WithField(key string, value interface{}) *logrus.Entry {
	return get().WithField(key, value)
}

// WithFields 带多个字段的日志
func WithFields(fields logrus.Fields) *logrus.Entry {
	return get().WithFields(fields)
}
