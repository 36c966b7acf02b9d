package telemetry

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	otellog "go.opentelemetry.io/otel/log"
)

var severities = map[log.Level]otellog.Severity{
	log.TraceLevel: otellog.SeverityTrace,
	log.DebugLevel: otellog.SeverityDebug,
	log.InfoLevel:  otellog.SeverityInfo,
	log.WarnLevel:  otellog.SeverityWarn,
	log.ErrorLevel: otellog.SeverityError,
	log.FatalLevel: otellog.SeverityFatal,
	log.PanicLevel: otellog.SeverityFatal4,
}

// LogHook emits every logrus entry as an otel log record.
type LogHook struct {
	logger otellog.Logger
}

func NewLogHook(logger otellog.Logger) *LogHook {
	return &LogHook{logger}
}

func (h *LogHook) Levels() []log.Level {
	return log.AllLevels
}

func (h *LogHook) Fire(entry *log.Entry) error {
	record := otellog.Record{}
	record.SetTimestamp(entry.Time)
	record.SetBody(otellog.StringValue(entry.Message))
	record.SetSeverity(severities[entry.Level])
	record.SetSeverityText(entry.Level.String())

	attrs := make([]otellog.KeyValue, 0, len(entry.Data))
	for key, value := range entry.Data {
		if err, ok := value.(error); ok {
			attrs = append(attrs, otellog.String(key, err.Error()))
			continue
		}
		attrs = append(attrs, otellog.String(key, fmt.Sprint(value)))
	}
	record.AddAttributes(attrs...)

	ctx := entry.Context
	if ctx == nil {
		ctx = context.Background()
	}
	h.logger.Emit(ctx, record)
	return nil
}
