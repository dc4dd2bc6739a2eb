package telemetry

import (
	"context"
	"errors"
	"strings"

	"github.com/nsqio/go-nsq"

	logx "reposter/pkg/logx"
)

// Publisher ships one encoded cycle summary somewhere outside the process.
type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
	Close()
}

// NSQPublisher publishes to one nsqd topic.
type NSQPublisher struct {
	p     *nsq.Producer
	topic string
}

func NewNSQPublisher(addr, topic string, log logx.Logger) (*NSQPublisher, error) {
	if strings.TrimSpace(addr) == "" || strings.TrimSpace(topic) == "" {
		return nil, errors.New("nsq: addr and topic are required")
	}
	p, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, err
	}
	p.SetLogger(nsqLogger{log: log.With(logx.String("comp", "nsq"))}, nsq.LogLevelWarning)
	return &NSQPublisher{p: p, topic: topic}, nil
}

// Publish sends synchronously. go-nsq takes no context; ctx is checked
// before the round trip only.
func (n *NSQPublisher) Publish(ctx context.Context, payload []byte) error {
	if len(payload) == 0 {
		return errors.New("nsq: empty payload")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return n.p.Publish(n.topic, payload)
}

func (n *NSQPublisher) Close() {
	if n.p != nil {
		n.p.Stop()
	}
}

// nsqLogger routes go-nsq's own log lines into logx.
type nsqLogger struct{ log logx.Logger }

func (l nsqLogger) Output(_ int, s string) error {
	l.log.Debug(strings.TrimSpace(s))
	return nil
}
