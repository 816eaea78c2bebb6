package transcribe

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/quillchat/quill/internal/protocol"
	"github.com/quillchat/quill/internal/reliability"
	"github.com/quillchat/quill/internal/speech"
)

type wsFrame struct {
	messageType int
	data        []byte
}

// conn is the per-connection actor. run is the only goroutine that touches
// session state, writes to the socket, or releases the rate slot, so no
// mutex guards any of it.
type conn struct {
	relay  *Relay
	ws     *websocket.Conn
	userID string
	logger *zap.Logger

	session   speech.Session
	events    <-chan speech.Event
	started   bool
	lastAudio time.Time

	// closeCode is what teardown sends to the browser. Retryable failures
	// use 1011 so the client's abnormal-close reconnect logic kicks in.
	closeCode int

	done chan struct{}
}

func (c *conn) run(ctx context.Context) {
	defer c.teardown()

	inbound := make(chan wsFrame, 16)
	go c.readLoop(inbound)

	var openTimer *time.Timer
	var openC <-chan time.Time
	var keepalive *time.Ticker
	var keepaliveC <-chan time.Time
	defer func() {
		if openTimer != nil {
			openTimer.Stop()
		}
		if keepalive != nil {
			keepalive.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case frame, ok := <-inbound:
			if !ok {
				// Browser went away. Teardown flushes the provider side.
				return
			}
			if frame.messageType == websocket.BinaryMessage {
				c.handleAudio(frame.data)
				continue
			}
			msg, err := protocol.ParseControlMessage(frame.data)
			if err != nil {
				c.logger.Debug("ignoring malformed control message", zap.Error(err))
				continue
			}
			c.countInbound(string(messageTypeOf(msg)))
			switch m := msg.(type) {
			case protocol.Start:
				if c.session != nil {
					c.logger.Debug("duplicate start message ignored")
					continue
				}
				if !c.openSession(ctx, m) {
					return
				}
				openTimer = time.NewTimer(c.relay.opts.OpenTimeout)
				openC = openTimer.C
			case protocol.Finalize:
				if c.session != nil {
					if err := c.session.Finalize(); err != nil {
						c.logger.Debug("finalize forward failed", zap.Error(err))
					}
				}
			case protocol.CloseStream:
				if c.session != nil {
					if err := c.session.CloseStream(); err != nil {
						c.logger.Debug("close_stream forward failed", zap.Error(err))
					}
				}
			case protocol.KeepAlive:
				// Keepalives toward the provider are relay-originated.
			}

		case ev, ok := <-c.events:
			if !ok {
				// Provider reader exited without a close event. Treat as
				// closed; the client decides whether to reconnect.
				c.sendEvent(protocol.TypeClosed, protocol.Closed{Type: protocol.TypeClosed})
				return
			}
			switch ev.Type {
			case speech.EventOpen:
				c.started = true
				if openTimer != nil {
					openTimer.Stop()
					openC = nil
				}
				keepalive = time.NewTicker(c.relay.opts.KeepAliveGap)
				keepaliveC = keepalive.C
				c.sendEvent(protocol.TypeReady, protocol.Ready{Type: protocol.TypeReady})
			case speech.EventTranscript:
				c.sendEvent(protocol.TypeTranscript, protocol.Transcript{
					Type:        protocol.TypeTranscript,
					Text:        ev.Text,
					IsFinal:     ev.IsFinal,
					SpeechFinal: ev.SpeechFinal,
				})
			case speech.EventMetadata:
				c.sendEvent(protocol.TypeMetadata, protocol.Metadata{
					Type:   protocol.TypeMetadata,
					Detail: ev.Detail,
				})
			case speech.EventError:
				if c.relay.metrics != nil {
					c.relay.metrics.ProviderErrors.WithLabelValues("speech", ev.Code).Inc()
				}
				retryable := ev.Retryable || reliability.IsNetworkError(ev.Code, ev.Detail)
				c.sendEvent(protocol.TypeError, protocol.ErrorEvent{
					Type:      protocol.TypeError,
					Message:   ev.Detail,
					Retryable: retryable,
				})
				if retryable {
					c.closeCode = websocket.CloseInternalServerErr
				}
				return
			case speech.EventClose:
				c.sendEvent(protocol.TypeClosed, protocol.Closed{Type: protocol.TypeClosed})
				return
			}

		case <-openC:
			c.sendEvent(protocol.TypeError, protocol.ErrorEvent{
				Type:      protocol.TypeError,
				Message:   "speech session open timed out",
				Retryable: true,
			})
			c.closeCode = websocket.CloseInternalServerErr
			return

		case <-keepaliveC:
			if time.Since(c.lastAudio) < c.relay.opts.KeepAliveGap {
				continue
			}
			if err := c.session.SendKeepAlive(); err != nil {
				c.logger.Debug("keepalive send failed", zap.Error(err))
			}
		}
	}
}

func (c *conn) openSession(ctx context.Context, start protocol.Start) bool {
	session, events, err := c.relay.provider.StartSession(ctx, speech.SessionOptions{
		Model:          start.Model,
		Language:       start.Language,
		DetectLanguage: start.DetectLanguage,
	})
	if err != nil {
		c.logger.Warn("speech session start failed", zap.Error(err))
		if c.relay.metrics != nil {
			c.relay.metrics.ProviderErrors.WithLabelValues("speech", "start_failed").Inc()
		}
		c.sendEvent(protocol.TypeError, protocol.ErrorEvent{
			Type:      protocol.TypeError,
			Message:   "speech session unavailable",
			Retryable: true,
		})
		return false
	}
	c.session = session
	c.events = events
	return true
}

func (c *conn) handleAudio(data []byte) {
	if c.session == nil || !c.started {
		c.logger.Debug("dropping audio before session ready", zap.Int("bytes", len(data)))
		return
	}
	if len(data) == 0 {
		return
	}
	c.countInbound("audio")
	c.lastAudio = time.Now()
	if err := c.session.SendAudio(data); err != nil {
		c.logger.Debug("audio forward failed", zap.Error(err))
	}
}

// teardown runs exactly once, from run's defer. Everything in it tolerates a
// half-open state.
func (c *conn) teardown() {
	close(c.done)
	if c.session != nil {
		if err := c.session.CloseStream(); err != nil {
			c.logger.Debug("close_stream on teardown failed", zap.Error(err))
		}
		if err := c.session.Close(); err != nil {
			c.logger.Debug("session close failed", zap.Error(err))
		}
	}
	c.relay.limiter.RemoveConnection(c.userID)
	if c.relay.metrics != nil {
		c.relay.metrics.ActiveTranscriptions.Dec()
	}
	code := c.closeCode
	if code == 0 {
		code = websocket.CloseNormalClosure
	}
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(code, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = c.ws.Close()
}

func (c *conn) readLoop(inbound chan<- wsFrame) {
	defer close(inbound)
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("websocket read ended", zap.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		select {
		case inbound <- wsFrame{messageType: messageType, data: data}:
		case <-c.done:
			return
		}
	}
}

func (c *conn) sendEvent(eventType protocol.MessageType, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("event marshal failed", zap.Error(err))
		return
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Debug("event write failed", zap.Error(err))
		return
	}
	if c.relay.metrics != nil {
		c.relay.metrics.WSMessages.WithLabelValues("outbound", string(eventType)).Inc()
	}
}

func (c *conn) countInbound(kind string) {
	if c.relay.metrics != nil {
		c.relay.metrics.WSMessages.WithLabelValues("inbound", kind).Inc()
	}
}

func messageTypeOf(msg any) protocol.MessageType {
	switch msg.(type) {
	case protocol.Start:
		return protocol.TypeStart
	case protocol.Finalize:
		return protocol.TypeFinalize
	case protocol.CloseStream:
		return protocol.TypeCloseStream
	case protocol.KeepAlive:
		return protocol.TypeKeepAlive
	}
	return ""
}
