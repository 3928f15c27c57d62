package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/banshee-data/walker.report/internal/timeutil"
)

// MQTTConfig describes the broker connection.
type MQTTConfig struct {
	// Broker is host:port of an MQTT v5 broker.
	Broker   string
	ClientID string
	Username string
	Password string
	// Topic defaults to "walker/#".
	Topic     string
	QoS       byte
	KeepAlive time.Duration
	// RetryDelay is the pause before reconnecting after the connection drops.
	RetryDelay time.Duration
}

func (c MQTTConfig) withDefaults() MQTTConfig {
	if c.ClientID == "" {
		c.ClientID = "walker-ingest-" + uuid.NewString()[:8]
	}
	if c.Topic == "" {
		c.Topic = TopicRoot + "/#"
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 30 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	return c
}

// MQTTSubscriber subscribes to the telemetry topics and hands every publish
// to a Dispatcher.
type MQTTSubscriber struct {
	cfg        MQTTConfig
	dispatcher *Dispatcher
	clock      timeutil.Clock
	logf       func(format string, v ...interface{})

	connected atomic.Bool
}

func NewMQTTSubscriber(cfg MQTTConfig, d *Dispatcher, clock timeutil.Clock, logf func(string, ...interface{})) *MQTTSubscriber {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	return &MQTTSubscriber{cfg: cfg.withDefaults(), dispatcher: d, clock: clock, logf: logf}
}

// Connected reports whether the subscription is currently live.
func (s *MQTTSubscriber) Connected() bool { return s.connected.Load() }

// Run keeps a subscription open until ctx is cancelled, reconnecting after
// RetryDelay whenever the connection fails.
func (s *MQTTSubscriber) Run(ctx context.Context) error {
	for {
		err := s.session(ctx)
		s.connected.Store(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logf("[ingest] mqtt %s: %v; reconnecting in %s", s.cfg.Broker, err, s.cfg.RetryDelay)
		if err := s.clock.Sleep(ctx, s.cfg.RetryDelay); err != nil {
			return err
		}
	}
}

// session runs one connection from dial to disconnect.
func (s *MQTTSubscriber) session(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", s.cfg.Broker)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	down := make(chan error, 1)
	var once sync.Once
	fail := func(err error) {
		once.Do(func() { down <- err })
	}

	client := paho.NewClient(paho.ClientConfig{
		ClientID: s.cfg.ClientID,
		Conn:     conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				p := pr.Packet
				if err := s.dispatcher.Dispatch(ctx, p.Topic, p.Payload); err != nil {
					s.logf("[ingest] dropped %s: %v", p.Topic, err)
				}
				return true, nil
			},
		},
		OnClientError: func(err error) { fail(err) },
		OnServerDisconnect: func(d *paho.Disconnect) {
			fail(fmt.Errorf("server disconnect, reason %d", d.ReasonCode))
		},
	})

	cp := &paho.Connect{
		ClientID:   s.cfg.ClientID,
		CleanStart: true,
		KeepAlive:  uint16(s.cfg.KeepAlive.Seconds()),
	}
	if s.cfg.Username != "" {
		cp.Username = s.cfg.Username
		cp.UsernameFlag = true
	}
	if s.cfg.Password != "" {
		cp.Password = []byte(s.cfg.Password)
		cp.PasswordFlag = true
	}
	if _, err := client.Connect(ctx, cp); err != nil {
		conn.Close()
		return fmt.Errorf("connect: %w", err)
	}

	if _, err := client.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: s.cfg.Topic, QoS: s.cfg.QoS}},
	}); err != nil {
		_ = client.Disconnect(&paho.Disconnect{ReasonCode: 0})
		return fmt.Errorf("subscribe %s: %w", s.cfg.Topic, err)
	}
	s.connected.Store(true)
	s.logf("[ingest] subscribed to %s on %s", s.cfg.Topic, s.cfg.Broker)

	select {
	case <-ctx.Done():
		_ = client.Disconnect(&paho.Disconnect{ReasonCode: 0})
		return ctx.Err()
	case err := <-down:
		if err == nil {
			err = errors.New("connection lost")
		}
		return err
	}
}
