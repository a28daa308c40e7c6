package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/riftsec/auditcore/internal/logger"
)

// wireMessage is Message's NATS-transportable shape: the response channel
// cannot cross a process boundary, so RPC replies travel on the NATS
// message's own reply subject (request/reply). encodeWire leaves
// ReplySubject empty.
type wireMessage struct {
	ID            string `json:"id"`
	Type          Type   `json:"type"`
	Code          Code   `json:"code"`
	Payload       any    `json:"payload"`
	AuditName     string `json:"audit_name"`
	PluginName    string `json:"plugin_name"`
	Priority      Priority `json:"priority"`
	SenderID      string `json:"sender_id"`
	ReceiverID    string `json:"receiver_id"`
	ReplySubject  string `json:"reply_subject,omitempty"`
}

// Subjects names the NATS subjects a single audit's cross-process traffic
// rides, namespaced by audit name so concurrent audits never cross wires.
type Subjects struct {
	AuditName string
}

func (s Subjects) inbound() string  { return fmt.Sprintf("auditcore.%s.inbound", s.AuditName) }
func (s Subjects) outbound() string { return fmt.Sprintf("auditcore.%s.outbound", s.AuditName) }

// NATSBridge forwards Bus traffic across a process boundary: messages
// destined for a worker subprocess's ReceiverID are published outbound;
// messages the bridge receives inbound are published onto the local Bus
// so they join the ordinary FIFO/handler delivery path. Same
// reconnect/error handler wiring, same "disabled, not fatal" fallback
// when NATS is unreachable.
type NATSBridge struct {
	conn    *nats.Conn
	bus     *Bus
	subject Subjects
	enabled bool
	sub     *nats.Subscription
}

// Config holds NATS connection parameters.
type Config struct {
	URL      string
	User     string
	Password string
}

// NewNATSBridge connects to NATS and wires subject to the given Bus. If
// url is empty or the connection fails, the bridge runs disabled: local
// traffic is unaffected, but nothing crosses process boundaries — callers
// should fall back to the max_process<=0 inline worker mode in that case.
func NewNATSBridge(cfg Config, b *Bus, subject Subjects) (*NATSBridge, error) {
	if cfg.URL == "" {
		logger.Bus().Warn().Msg("bus: NATS_URL not configured, cross-process delivery disabled")
		return &NATSBridge{bus: b, subject: subject, enabled: false}, nil
	}

	opts := []nats.Option{
		nats.Name("auditcore-bus"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Bus().Warn().Err(err).Msg("bus: NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Bus().Info().Str("url", nc.ConnectedUrl()).Msg("bus: NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Bus().Error().Err(err).Msg("bus: NATS async error")
		}),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		logger.Bus().Warn().Err(err).Str("url", cfg.URL).Msg("bus: failed to connect to NATS, cross-process delivery disabled")
		return &NATSBridge{bus: b, subject: subject, enabled: false}, nil
	}

	br := &NATSBridge{conn: conn, bus: b, subject: subject, enabled: true}
	return br, nil
}

// Start subscribes to this audit's inbound subject and forwards every
// message it receives onto the local Bus.
func (br *NATSBridge) Start() error {
	if !br.enabled {
		return nil
	}
	sub, err := br.conn.Subscribe(br.subject.inbound(), func(m *nats.Msg) {
		msg, err := decodeWire(m.Data)
		if err != nil {
			logger.Bus().Error().Err(err).Msg("bus: failed to decode inbound NATS message")
			return
		}
		if msg.Type == TypeRPC && m.Reply != "" {
			// Track the reply subject so Publish on the local bus can
			// eventually relay a Respond() call back out over NATS.
			br.awaitReply(msg, m.Reply)
		}
		br.bus.Publish(msg)
	})
	if err != nil {
		return err
	}
	br.sub = sub
	logger.Bus().Info().Str("subject", br.subject.inbound()).Msg("bus: NATS bridge subscribed")
	return nil
}

// awaitReply spins up a one-shot goroutine that waits for msg's local RPC
// response and republishes it to replySubject for the remote caller.
func (br *NATSBridge) awaitReply(msg *Message, replySubject string) {
	if msg.response == nil {
		msg.response = make(chan RPCResult, 1)
	}
	go func() {
		result := <-msg.response
		data, err := json.Marshal(result)
		if err != nil {
			logger.Bus().Error().Err(err).Msg("bus: failed to marshal RPC result for NATS reply")
			return
		}
		if err := br.conn.Publish(replySubject, data); err != nil {
			logger.Bus().Error().Err(err).Msg("bus: failed to publish RPC reply over NATS")
		}
	}()
}

// SendOutbound publishes msg to this audit's outbound subject, for
// delivery to a worker subprocess. RPC messages use NATS request/reply so
// the response channel is satisfied without the bridge having to track
// correlation ids itself.
func (br *NATSBridge) SendOutbound(msg *Message) error {
	if !br.enabled {
		return fmt.Errorf("bus: NATS bridge disabled, cannot reach remote receiver %s", msg.ReceiverID)
	}
	data, err := encodeWire(msg)
	if err != nil {
		return err
	}

	if msg.Type == TypeRPC {
		reply, err := br.conn.Request(br.subject.outbound(), data, 30*time.Second)
		if err != nil {
			return err
		}
		var result RPCResult
		if err := json.Unmarshal(reply.Data, &result); err != nil {
			return err
		}
		Respond(msg, result)
		return nil
	}

	return br.conn.Publish(br.subject.outbound(), data)
}

// Close drains the subscription and closes the underlying connection.
func (br *NATSBridge) Close() {
	if !br.enabled {
		return
	}
	if br.sub != nil {
		br.sub.Unsubscribe()
	}
	br.conn.Drain()
	br.conn.Close()
}

func encodeWire(msg *Message) ([]byte, error) {
	return json.Marshal(wireMessage{
		ID: msg.ID, Type: msg.Type, Code: msg.Code, Payload: msg.Payload,
		AuditName: msg.AuditName, PluginName: msg.PluginName, Priority: msg.Priority,
		SenderID: msg.SenderID, ReceiverID: msg.ReceiverID,
	})
}

func decodeWire(data []byte) (*Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	return &Message{
		ID: w.ID, Type: w.Type, Code: w.Code, Payload: w.Payload,
		AuditName: w.AuditName, PluginName: w.PluginName, Priority: w.Priority,
		SenderID: w.SenderID, ReceiverID: w.ReceiverID,
	}, nil
}
