package ws

import (
	"errors"
	"log/slog"

	"github.com/whisper/rtclient/internal/metrics"
	"github.com/whisper/rtclient/internal/protocol"
	"github.com/whisper/rtclient/internal/session"
)

// FrameHandler is the callback signature for observing a decoded server
// frame. The msg parameter is the concrete struct returned by
// protocol.ParseServerMessage (e.g., protocol.MatchFoundMsg).
type FrameHandler func(msg interface{})

// MessageDispatcher decodes incoming frames and fans them out to handlers
// registered per message type. Malformed frames are logged and dropped;
// unknown types are skipped so newer servers can add frames freely.
type MessageDispatcher struct {
	handlers map[string][]FrameHandler
	log      *slog.Logger
}

// NewMessageDispatcher creates a MessageDispatcher that logs to log.
func NewMessageDispatcher(log *slog.Logger) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string][]FrameHandler),
		log:      log,
	}
}

// Register adds a handler for a message type. Handlers for the same type run
// in registration order.
func (d *MessageDispatcher) Register(msgType string, handler FrameHandler) {
	d.handlers[msgType] = append(d.handlers[msgType], handler)
}

// Decode parses raw bytes into a frame. It reports false for frames that
// must not be applied.
func (d *MessageDispatcher) Decode(data []byte) (session.Frame, bool) {
	msgType, msg, err := protocol.ParseServerMessage(data)
	switch {
	case err == nil:
		metrics.FramesTotal.WithLabelValues("in", msgType).Inc()
		return session.Frame{Type: msgType, Msg: msg}, true
	case errors.Is(err, protocol.ErrUnknownType):
		d.log.Debug("ws: ignoring unknown message type", "type", msgType)
		metrics.DroppedFramesTotal.WithLabelValues("unknown").Inc()
	default:
		d.log.Warn("ws: discarding malformed frame", "type", msgType, "err", err)
		metrics.DroppedFramesTotal.WithLabelValues("malformed").Inc()
	}
	return session.Frame{}, false
}

// Notify runs the handlers registered for f.Type.
func (d *MessageDispatcher) Notify(f session.Frame) {
	for _, h := range d.handlers[f.Type] {
		h(f.Msg)
	}
}
