package log

import (
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"golang.org/x/time/rate"
)

// Limited drops messages emitted more often than once per interval.
type Limited struct {
	logger hclog.Logger
	limit  *rate.Limiter
}

func NewLimited(logger hclog.Logger, every time.Duration) *Limited {
	return &Limited{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), 1),
	}
}

func (l *Limited) Warn(msg string, args ...interface{}) {
	if l.limit.Allow() {
		l.logger.Warn(msg, args...)
	}
}

func (l *Limited) Debug(msg string, args ...interface{}) {
	if l.limit.Allow() {
		l.logger.Debug(msg, args...)
	}
}

func (l *Limited) Error(msg string, args ...interface{}) {
	if l.limit.Allow() {
		l.logger.Error(msg, args...)
	}
}
