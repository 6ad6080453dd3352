package downloader

import (
	"context"
	"time"
)

// log is a helper that safely logs debug messages when logger is available.
func log(logger Logger, msg string, keyvals ...any) {
	if logger != nil {
		logger.Debug(msg, keyvals...)
	}
}

// logInfo is a helper that safely logs info messages when logger is available.
func logInfo(logger Logger, msg string, keyvals ...any) {
	if logger != nil {
		logger.Info(msg, keyvals...)
	}
}

// logWarn is a helper that safely logs warning messages when logger is available.
func logWarn(logger Logger, msg string, keyvals ...any) {
	if logger != nil {
		logger.Warn(msg, keyvals...)
	}
}

// logError is a helper that safely logs error messages when logger is available.
func logError(logger Logger, msg string, keyvals ...any) {
	if logger != nil {
		logger.Error(msg, keyvals...)
	}
}

// truncateURL shortens a URL for logging purposes.
func truncateURL(u string) string {
	if len(u) <= 80 {
		return u
	}
	return u[:77] + "..."
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func percentOf(done, total int64) float64 {
	if total <= 0 {
		return 0
	}
	p := float64(done) * 100 / float64(total)
	if p > 100 {
		p = 100
	}
	return p
}
