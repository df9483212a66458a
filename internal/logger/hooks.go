package logger

import (
	"github.com/sirupsen/logrus"

	"github.com/praxis/agent-registry-go/internal/metrics"
)

// MetricsHook counts log entries per level in the registry collector.
type MetricsHook struct {
	collector *metrics.Collector
	levels    []logrus.Level
}

// NewMetricsHook creates a hook counting warnings and worse.
func NewMetricsHook(collector *metrics.Collector) *MetricsHook {
	return &MetricsHook{
		collector: collector,
		levels: []logrus.Level{
			logrus.PanicLevel,
			logrus.FatalLevel,
			logrus.ErrorLevel,
			logrus.WarnLevel,
		},
	}
}

// Levels returns the log levels this hook is interested in
func (h *MetricsHook) Levels() []logrus.Level {
	return h.levels
}

// Fire is called when a log event occurs
func (h *MetricsHook) Fire(entry *logrus.Entry) error {
	h.collector.ObserveLog(entry.Level.String())
	return nil
}

// FieldsHook stamps static fields, such as the service name and the agent
// address, on every entry that does not already carry them.
type FieldsHook struct {
	fields logrus.Fields
}

func NewFieldsHook(fields logrus.Fields) *FieldsHook {
	copied := make(logrus.Fields, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return &FieldsHook{fields: copied}
}

func (h *FieldsHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *FieldsHook) Fire(entry *logrus.Entry) error {
	for k, v := range h.fields {
		if _, ok := entry.Data[k]; !ok {
			entry.Data[k] = v
		}
	}
	return nil
}

// Install adds the metrics hook (when collector is non-nil) and the fields
// hook to logger.
func Install(logger *logrus.Logger, collector *metrics.Collector, fields logrus.Fields) {
	if collector != nil {
		logger.AddHook(NewMetricsHook(collector))
	}
	if len(fields) > 0 {
		logger.AddHook(NewFieldsHook(fields))
	}
}
