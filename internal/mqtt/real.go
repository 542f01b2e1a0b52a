package mqtt

import (
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/sweeney/plexwatch/internal/processor"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second

	DefaultBufferSize = 100
)

var (
	ErrConnectTimeout = errors.New("mqtt: connection timeout")
	ErrPublishTimeout = errors.New("mqtt: publish timeout")
)

// Options configures a RealPublisher.
type Options struct {
	Broker      string
	ClientID    string
	Topic       string
	SystemTopic string
	// BufferSize is the number of messages kept for replay while the broker
	// is unreachable. Playback events are dropped before lifecycle events.
	BufferSize int
}

func (o *Options) setDefaults() {
	if o.Topic == "" {
		o.Topic = DefaultTopic
	}
	if o.SystemTopic == "" {
		o.SystemTopic = DefaultSystemTopic
	}
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
}

// RealPublisher publishes to an actual MQTT broker.
type RealPublisher struct {
	client      paho.Client
	topic       string
	systemTopic string
	log         zerolog.Logger
	now         func() time.Time

	mu          sync.Mutex
	outbox      *outbox
	connectedAt time.Time
}

// NewRealPublisher creates a publisher connected to the given broker. The
// broker keeps a retained OFFLINE event as last will.
func NewRealPublisher(opts Options, log zerolog.Logger) (*RealPublisher, error) {
	opts.setDefaults()
	p := newPublisher(nil, opts, log)

	will, err := FormatSystemPayload(SystemEvent{
		Timestamp: p.now(),
		Event:     EventOffline,
		Reason:    "MQTT_DISCONNECT",
	})
	if err != nil {
		return nil, fmt.Errorf("format will payload: %w", err)
	}

	clientOpts := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetBinaryWill(opts.SystemTopic, will, 1, true).
		SetOnConnectHandler(p.handleConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			p.log.Warn().Err(err).Msg("connection lost")
		})

	p.client = paho.NewClient(clientOpts)
	token := p.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		// stop the background connect retry
		p.client.Disconnect(0)
		return nil, ErrConnectTimeout
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return p, nil
}

func newPublisher(client paho.Client, opts Options, log zerolog.Logger) *RealPublisher {
	opts.setDefaults()
	log = log.With().Str("component", "mqtt").Logger()
	return &RealPublisher{
		client:      client,
		topic:       opts.Topic,
		systemTopic: opts.SystemTopic,
		log:         log,
		now:         time.Now,
		outbox:      newOutbox(opts.BufferSize, log),
	}
}

// handleConnect runs on every (re)connection. Messages buffered while
// disconnected are replayed in order, and a reconnection is announced.
func (p *RealPublisher) handleConnect(_ paho.Client) {
	p.mu.Lock()
	reconnect := !p.connectedAt.IsZero()
	p.connectedAt = p.now()
	pending := p.outbox.drain()
	p.mu.Unlock()

	p.log.Info().Bool("reconnect", reconnect).Int("buffered", len(pending)).Msg("connected")
	for _, m := range pending {
		if err := p.send(m); err != nil {
			p.log.Warn().Err(err).Str("topic", m.topic).Msg("replay failed")
		}
	}
	if reconnect {
		if err := p.PublishSystem(SystemEvent{Timestamp: p.now(), Event: EventReconnected}); err != nil {
			p.log.Warn().Err(err).Msg("publish reconnected event")
		}
	}
}

// Publish sends a matched playback event to the MQTT broker. While the
// broker is unreachable the event is buffered for replay instead.
func (p *RealPublisher) Publish(msg processor.Message) error {
	payload, err := FormatPayload(msg)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	// QoS 0 (at-most-once), not retained
	return p.publish(bufferedMsg{topic: p.topic, payload: payload})
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	// QoS 1 (at-least-once) - lifecycle events should reach the broker
	return p.publish(bufferedMsg{topic: p.systemTopic, payload: payload, qos: 1, retained: event.Retained})
}

func (p *RealPublisher) publish(m bufferedMsg) error {
	if !p.client.IsConnectionOpen() {
		p.mu.Lock()
		p.outbox.push(m)
		p.mu.Unlock()
		return nil
	}
	return p.send(m)
}

func (p *RealPublisher) send(m bufferedMsg) error {
	token := p.client.Publish(m.topic, m.qos, m.retained, m.payload)
	if !token.WaitTimeout(publishTimeout) {
		return ErrPublishTimeout
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Buffered returns the number of messages waiting for replay.
func (p *RealPublisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outbox.len()
}

// Dropped returns the number of messages evicted from a full outbox.
func (p *RealPublisher) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outbox.dropped
}

// IsConnected reports whether the broker connection is up.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}
