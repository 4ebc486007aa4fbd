// Package eventsink forwards bus events to an NSQ topic as JSON, so other
// services can follow runs without polling the ops server.
package eventsink

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nsqio/go-nsq"

	"groupcast/internal/eventbus"
	logx "groupcast/pkg/logx"
)

type Config struct {
	Addr  string
	Topic string
	// Only limits forwarding to event types with these prefixes.
	Only []string
}

// Publisher is the part of *nsq.Producer the sink uses.
type Publisher interface {
	Publish(topic string, body []byte) error
	Stop()
}

type envelope struct {
	Type     string    `json:"type"`
	Identity string    `json:"identity,omitempty"`
	Time     time.Time `json:"time"`
	Data     any       `json:"data,omitempty"`
}

type Sink struct {
	cfg    Config
	pub    Publisher
	log    logx.Logger
	failed  atomic.Uint64
	failing atomic.Bool
}

// New connects a producer to nsqd at cfg.Addr. The connection is made
// lazily by the first publish.
func New(cfg Config, log logx.Logger) (*Sink, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("eventsink: nsqd address is empty")
	}
	if cfg.Topic == "" {
		cfg.Topic = "groupcast.events"
	}
	if !nsq.IsValidTopicName(cfg.Topic) {
		return nil, errors.New("eventsink: invalid topic " + cfg.Topic)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "eventsink"))

	ncfg := nsq.NewConfig()
	ncfg.DialTimeout = 5 * time.Second
	prod, err := nsq.NewProducer(cfg.Addr, ncfg)
	if err != nil {
		return nil, err
	}
	prod.SetLogger(nsqLogger{log}, nsq.LogLevelWarning)
	return NewWithPublisher(cfg, prod, log), nil
}

func NewWithPublisher(cfg Config, pub Publisher, log logx.Logger) *Sink {
	if cfg.Topic == "" {
		cfg.Topic = "groupcast.events"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sink{cfg: cfg, pub: pub, log: log}
}

// Run forwards events until ctx ends, then stops the producer.
func (s *Sink) Run(ctx context.Context, bus eventbus.Bus) error {
	events, unsub := bus.Subscribe(512, s.cfg.Only...)
	defer unsub()
	defer s.pub.Stop()

	s.log.Info("forwarding events", logx.String("addr", s.cfg.Addr), logx.String("topic", s.cfg.Topic))
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			s.forward(e)
		}
	}
}

func (s *Sink) forward(e eventbus.Event) {
	body, err := json.Marshal(envelope(e))
	if err != nil {
		s.failed.Add(1)
		s.log.Warn("event not encodable", logx.String("type", e.Type), logx.Err(err))
		return
	}
	if err := s.pub.Publish(s.cfg.Topic, body); err != nil {
		s.failed.Add(1)
		// Only the first failure of a streak is logged.
		if !s.failing.Swap(true) {
			s.log.Warn("event publish failed", logx.String("type", e.Type), logx.Err(err))
		}
		return
	}
	if s.failing.Swap(false) {
		s.log.Info("event publishing recovered")
	}
}

// Failed counts events that could not be published.
func (s *Sink) Failed() uint64 { return s.failed.Load() }

type nsqLogger struct{ log logx.Logger }

func (l nsqLogger) Output(_ int, msg string) error {
	l.log.Debug(strings.TrimSpace(msg))
	return nil
}
