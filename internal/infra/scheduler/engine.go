package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// NewEngine builds the single cron engine shared by group triggers and cycle timeouts.
// Panics inside jobs are recovered and logged.
func NewEngine(logger *logrus.Entry) *cron.Cron {
	l := cronLogger{entry: logger}
	return cron.New(
		cron.WithLocation(time.Local), // Group specs carry their own CRON_TZ
		cron.WithLogger(l),
		cron.WithChain(cron.Recover(l)),
	)
}

// cronLogger adapts logrus to cron.Logger.
type cronLogger struct {
	entry *logrus.Entry
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.entry.WithError(err).WithFields(kvFields(keysAndValues)).Error(msg)
}

func kvFields(keysAndValues []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		fields[key] = keysAndValues[i+1]
	}
	return fields
}
