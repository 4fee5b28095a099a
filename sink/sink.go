// Package sink - delivery of metadata events: JSON lines to a writer, or
// a websocket publisher for network consumers.
package sink

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-va/metadata"
)

// Sink receives metadata events. Implementations are safe for use from a
// single emitting goroutine.
type Sink interface {
	Write(ev *metadata.Event) error
	Close() error
}

// WriterSink encodes events as newline-separated JSON objects.
type WriterSink struct {
	enc *json.Encoder
	c   io.Closer
}

// NewWriterSink wraps a writer. When the writer is also a Closer, Close
// passes through.
func NewWriterSink(w io.Writer) *WriterSink {
	s := &WriterSink{enc: json.NewEncoder(w)}
	if c, ok := w.(io.Closer); ok {
		s.c = c
	}
	return s
}

// Write implements Sink.
func (s *WriterSink) Write(ev *metadata.Event) error {
	return errors.Wrap(s.enc.Encode(ev), "sink: encode event")
}

// Close implements Sink.
func (s *WriterSink) Close() error {
	if s.c != nil {
		return s.c.Close()
	}
	return nil
}

// WebSocketSink publishes each event as a text message on one websocket
// connection. Broker loss is terminal; there is no reconnect.
type WebSocketSink struct {
	log  *zap.Logger
	conn *websocket.Conn
	mu   sync.Mutex
}

// DialWebSocket connects to a ws:// or wss:// endpoint.
func DialWebSocket(url string, logger *zap.Logger) (*WebSocketSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "sink: dial %s", url)
	}
	logger.Info("metadata publisher connected", zap.String("url", url))
	return &WebSocketSink{log: logger, conn: conn}, nil
}

// Write implements Sink.
func (s *WebSocketSink) Write(ev *metadata.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "sink: encode event")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Wrap(s.conn.WriteMessage(websocket.TextMessage, data), "sink: publish event")
}

// Close sends a close frame and tears the connection down.
func (s *WebSocketSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return s.conn.Close()
}
