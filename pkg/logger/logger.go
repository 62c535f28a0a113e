package logger

import (
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Daily      bool   `mapstructure:"daily"`
}

var (
	Lg = zap.NewNop()
)

// New builds a zap logger that writes JSON to a rotated file. In development
// mode a colored console core is teed next to the file core, errors to stderr.
func New(cfg *LogConfig, mode string) (*zap.Logger, error) {
	level := new(zapcore.Level)
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, err
	}

	cores := make([]zapcore.Core, 0, 3)
	if cfg.Filename != "" {
		writer := getLogWriter(cfg.Filename, cfg.MaxSize, cfg.MaxBackups, cfg.MaxAge, cfg.Daily)
		cores = append(cores, zapcore.NewCore(getEncoder(), writer, level))
	}
	if isDevelopment(mode) || len(cores) == 0 {
		console := zapcore.NewConsoleEncoder(consoleEncoderConfig())
		high := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
			return l >= zapcore.ErrorLevel && level.Enabled(l)
		})
		low := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
			return l < zapcore.ErrorLevel && level.Enabled(l)
		})
		cores = append(cores,
			zapcore.NewCore(console, zapcore.Lock(os.Stdout), low),
			zapcore.NewCore(console, zapcore.Lock(os.Stderr), high),
		)
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

// Init builds the process logger and installs it as the zap global.
func Init(cfg *LogConfig, mode string) error {
	lg, err := New(cfg, mode)
	if err != nil {
		return err
	}
	Lg = lg
	zap.ReplaceGlobals(Lg)
	Info("init logger success", zap.String("level", cfg.Level), zap.String("mode", mode))
	return nil
}

func isDevelopment(mode string) bool {
	return mode == "dev" || mode == "development"
}

func consoleEncoderConfig() zapcore.EncoderConfig {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString("\x1b[90m" + t.Format("2006-01-02 15:04:05.000") + "\x1b[0m")
	}
	encoderConfig.EncodeLevel = func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		color, ok := levelColor[l]
		if !ok {
			color = "\x1b[0m"
		}
		enc.AppendString(color + "[" + l.CapitalString() + "]\x1b[0m")
	}
	encoderConfig.EncodeCaller = func(caller zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString("\x1b[90m" + caller.TrimmedPath() + "\x1b[0m")
	}
	return encoderConfig
}

var levelColor = map[zapcore.Level]string{
	zapcore.DebugLevel:  "\x1b[35m",
	zapcore.InfoLevel:   "\x1b[36m",
	zapcore.WarnLevel:   "\x1b[33m",
	zapcore.ErrorLevel:  "\x1b[31m",
	zapcore.DPanicLevel: "\x1b[31m",
	zapcore.PanicLevel:  "\x1b[31m",
	zapcore.FatalLevel:  "\x1b[31m",
}

func getEncoder() zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.EncodeDuration = zapcore.SecondsDurationEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	return zapcore.NewJSONEncoder(encoderConfig)
}

func getLogWriter(filename string, maxSize, maxBackup, maxAge int, daily bool) zapcore.WriteSyncer {
	if daily {
		filename = GetDailyLogFilename(filename)
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   filename,
		MaxSize:    maxSize,
		MaxBackups: maxBackup,
		MaxAge:     maxAge,
		LocalTime:  true,
	})
}

// Info 通用 info 日志方法
func Info(msg string, fields ...zap.Field) {
	Lg.Info(msg, fields...)
}

// Warn 通用 warn 日志方法
func Warn(msg string, fields ...zap.Field) {
	Lg.Warn(msg, fields...)
}

// Error 通用 error 日志方法
func Error(msg string, fields ...zap.Field) {
	Lg.Error(msg, fields...)
}

// Debug 通用 debug 日志方法
func Debug(msg string, fields ...zap.Field) {
	Lg.Debug(msg, fields...)
}

// Fatal 通用 fatal 日志方法
func Fatal(msg string, fields ...zap.Field) {
	Lg.Fatal(msg, fields...)
}

// Sync 刷新缓冲区
func Sync() {
	_ = Lg.Sync()
}

// GetDailyLogFilename 获取按日期分割的日志文件名
func GetDailyLogFilename(baseFilename string) string {
	ext := filepath.Ext(baseFilename)
	base := baseFilename[:len(baseFilename)-len(ext)]
	return base + "-" + time.Now().Format("2006-01-02") + ext
}
