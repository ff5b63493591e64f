package logger

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
)

type GormLoggerConfig struct {
	Level         gormlogger.LogLevel
	SlowThreshold time.Duration
}

// GormLevelFor maps the application log level onto gorm's: statements are
// only traced at debug, slow queries surface from info upwards.
func GormLevelFor(level string) gormlogger.LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return gormlogger.Info
	case "error", "dpanic", "panic", "fatal":
		return gormlogger.Error
	default:
		return gormlogger.Warn
	}
}

// GormLogger routes gorm through zap with the caller's correlation fields.
// Bound parameters are never logged: they carry owner ids and amounts.
type GormLogger struct {
	level gormlogger.LogLevel
	slow  time.Duration
}

func NewGormLogger(cfg GormLoggerConfig) *GormLogger {
	if cfg.Level == 0 {
		cfg.Level = gormlogger.Warn
	}
	return &GormLogger{level: cfg.Level, slow: cfg.SlowThreshold}
}

func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Info {
		FromContext(ctx).Info(msg, gormFields(data)...)
	}
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Warn {
		FromContext(ctx).Warn(msg, gormFields(data)...)
	}
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Error {
		FromContext(ctx).Error(msg, gormFields(data)...)
	}
}

// Trace reports failed statements, slow statements and, at gorm's Info
// level, every statement. A missing row is a lookup result, not a failure.
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	failed := err != nil && !errors.Is(err, gormlogger.ErrRecordNotFound)

	switch {
	case failed && l.level >= gormlogger.Error:
		FromContext(ctx).Error("gorm.query", append(statementFields(fc, elapsed), zap.Error(err))...)
	case l.slow > 0 && elapsed > l.slow && l.level >= gormlogger.Warn:
		FromContext(ctx).Warn("gorm.slow_query", append(statementFields(fc, elapsed), zap.Duration("threshold", l.slow))...)
	case l.level >= gormlogger.Info:
		FromContext(ctx).Debug("gorm.query", statementFields(fc, elapsed)...)
	}
}

func (l *GormLogger) ParamsFilter(_ context.Context, sql string, _ ...interface{}) (string, []interface{}) {
	return sql, nil
}

func gormFields(data []interface{}) []zap.Field {
	fields := []zap.Field{zap.String("component", "gorm")}
	if len(data) > 0 {
		fields = append(fields, zap.Any("data", data))
	}
	return fields
}

func statementFields(fc func() (string, int64), elapsed time.Duration) []zap.Field {
	sql, rows := fc()
	sql = strings.TrimSpace(sql)
	op, table := describeStatement(sql)
	fields := []zap.Field{
		zap.String("component", "gorm"),
		zap.String("operation", op),
		zap.String("table", table),
		zap.Bool("row_lock", strings.Contains(strings.ToUpper(sql), "FOR UPDATE")),
		zap.Int64("duration_ms", elapsed.Milliseconds()),
		zap.String("sql", sql),
	}
	if rows >= 0 {
		fields = append(fields, zap.Int64("rows_affected", rows))
	}
	return fields
}

var statementPattern = regexp.MustCompile("(?is)\\b(select|insert|update|delete)\\b.*?\\b(?:from|into)\\s+[\"`]?([a-z0-9_]+)")

// describeStatement returns the SQL verb and the first table it names.
func describeStatement(sql string) (string, string) {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return "UNKNOWN", ""
	}
	upper := strings.ToUpper(trimmed)
	if strings.HasPrefix(upper, "UPDATE ") {
		fields := strings.Fields(trimmed)
		return "UPDATE", strings.Trim(fields[1], `"`+"`")
	}
	match := statementPattern.FindStringSubmatch(trimmed)
	if match == nil {
		verb := strings.Fields(upper)[0]
		return strings.Trim(verb, "();"), ""
	}
	return strings.ToUpper(match[1]), strings.ToLower(match[2])
}

var _ gormlogger.Interface = (*GormLogger)(nil)
