package runtimewire

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/Gurpartap/agentgraph/agent"
	"github.com/Gurpartap/agentgraph/internal/config"
)

type runtimeEventLogSink struct {
	logger    *slog.Logger
	logFormat config.LogFormat
}

func newRuntimeEventLogSink(logger *slog.Logger, logFormat config.LogFormat) agent.EventSink {
	if logger == nil {
		return nil
	}
	if logFormat == "" {
		logFormat = config.LogFormatText
	}
	return runtimeEventLogSink{
		logger:    logger,
		logFormat: logFormat,
	}
}

func (s runtimeEventLogSink) Publish(ctx context.Context, event agent.Event) error {
	if ctx == nil {
		return agent.ErrContextNil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	attrs := []any{
		slog.String("thread_id", string(event.ThreadID)),
		slog.Int64("seq", event.Seq),
	}

	if s.logFormat == config.LogFormatJSON {
		s.logger.DebugContext(ctx, "graph event", append(attrs, slog.Any("event", event))...)
		return nil
	}

	eventPayload, marshalErr := json.Marshal(event)
	if marshalErr != nil {
		return marshalErr
	}
	s.logger.DebugContext(ctx, "graph event", append(attrs, slog.String("event", string(eventPayload)))...)
	return nil
}
