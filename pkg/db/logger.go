package db

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// defaultSlowQueryThreshold flags queries that would stall admission or the
// analyzer noticeably; both share the connection pool.
const defaultSlowQueryThreshold = 200 * time.Millisecond

// GormLogrusLogger bridges GORM's logger.Interface onto the service's logrus
// logger, so query logs carry the same formatter and fields as the rest of
// the pipeline.
type GormLogrusLogger struct {
	logger        *logrus.Logger
	slowThreshold time.Duration
	level         logger.LogLevel
}

func NewGormLogrusLogger(baseLogger *logrus.Logger) *GormLogrusLogger {
	return &GormLogrusLogger{
		logger:        baseLogger,
		slowThreshold: defaultSlowQueryThreshold,
		level:         logger.Warn,
	}
}

// WithSlowThreshold overrides the slow-query cutoff.
func (l *GormLogrusLogger) WithSlowThreshold(threshold time.Duration) *GormLogrusLogger {
	if threshold > 0 {
		l.slowThreshold = threshold
	}
	return l
}

// LogMode implements logger.Interface.
func (l *GormLogrusLogger) LogMode(level logger.LogLevel) logger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

// Info implements logger.Interface.
func (l *GormLogrusLogger) Info(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Info {
		l.logger.WithContext(ctx).WithField("source", "gorm").Infof(msg, args...)
	}
}

// Warn implements logger.Interface.
func (l *GormLogrusLogger) Warn(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Warn {
		l.logger.WithContext(ctx).WithField("source", "gorm").Warnf(msg, args...)
	}
}

// Error implements logger.Interface.
func (l *GormLogrusLogger) Error(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Error {
		l.logger.WithContext(ctx).WithField("source", "gorm").Errorf(msg, args...)
	}
}

// Trace implements logger.Interface. Failed queries log at error, slow ones
// at warn, the rest at debug so steady-state ingestion stays quiet.
func (l *GormLogrusLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.level <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	query, rows := fc()

	entry := l.logger.WithContext(ctx).WithFields(logrus.Fields{
		"source":   "gorm",
		"query":    query,
		"rows":     rows,
		"duration": elapsed.String(),
	})

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		entry.WithError(err).Error("Query failed")
	case elapsed > l.slowThreshold:
		entry.WithField("slow_threshold", l.slowThreshold.String()).Warn("Slow query")
	default:
		entry.Debug("Query executed")
	}
}
