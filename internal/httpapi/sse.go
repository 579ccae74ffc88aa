package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Gurpartap/agentgraph/stream"
)

const (
	otherNameInterrupt = "interrupt"
	otherNameDone      = "done"
	otherNameError     = "error"
)

// sseLine is one "data:" payload. Keys mirror the JSON-mode response so a
// client renders both the same way.
type sseLine map[string]any

func writeEventStream(w http.ResponseWriter, ctx context.Context, events *stream.Stream) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errorCodeRuntime, "streaming is unsupported by response writer")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case event, open := <-events.Events():
			if !open {
				return
			}
			if err := writeSSELine(w, flusher, toSSELine(event)); err != nil {
				return
			}
		}
	}
}

func toSSELine(event stream.Event) sseLine {
	switch event.Kind {
	case stream.KindContentDelta:
		return sseLine{"response": event.Delta}
	case stream.KindToolInvoked:
		line := sseLine{"other_name": "", "other_msg": nil}
		if event.Tool != nil {
			line["other_name"] = event.Tool.Name
			line["other_msg"] = event.Tool.Result
		}
		return line
	case stream.KindInterruptRequested:
		line := sseLine{"other_name": otherNameInterrupt, "other_msg": nil}
		if event.Tool != nil {
			line["tool"] = event.Tool
		}
		return line
	case stream.KindDone:
		line := sseLine{"other_name": otherNameDone, "other_msg": nil}
		if reply := event.Reply; reply != nil {
			line["other_msg"] = reply.Source
			line["chunks"] = reply.Chunks
			if reply.Attachment != "" {
				line["attachment"] = reply.Attachment
			}
		}
		return line
	default:
		return sseLine{
			"other_name": otherNameError,
			"other_msg":  event.Error,
			"retryable":  event.Retryable,
		}
	}
}

func writeSSELine(w http.ResponseWriter, flusher http.Flusher, line sseLine) error {
	payload, err := json.Marshal(line)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
