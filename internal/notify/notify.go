// Package notify publishes finished run reports to an NSQ topic so other
// services can react to index changes.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/Aman-CERP/amansync/internal/config"
	amerrors "github.com/Aman-CERP/amansync/internal/errors"
	"github.com/Aman-CERP/amansync/internal/index"
)

// EventRunCompleted is the event type of every published message.
const EventRunCompleted = "sync.run.completed"

// Publisher is the subset of *nsq.Producer the notifier needs.
type Publisher interface {
	Publish(topic string, body []byte) error
	Stop()
}

// Event is the message body.
type Event struct {
	Type        string           `json:"type"`
	Host        string           `json:"host"`
	Root        string           `json:"root"`
	PublishedAt time.Time        `json:"published_at"`
	Report      *index.RunReport `json:"report"`
}

// Notifier implements index.Observer by publishing each report.
type Notifier struct {
	pub   Publisher
	topic string
	root  string
	host  string
	retry amerrors.RetryConfig
}

var _ index.Observer = (*Notifier)(nil)

// New creates a notifier over pub.
func New(pub Publisher, topic, root string) *Notifier {
	host, _ := os.Hostname()
	return &Notifier{
		pub:   pub,
		topic: topic,
		root:  root,
		host:  host,
		retry: amerrors.RetryConfig{
			MaxRetries:   2,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2,
			Jitter:       true,
		},
	}
}

// Dial connects a producer to cfg.NSQDAddress. It returns nil when
// publishing is disabled. An unreachable nsqd is logged, not fatal: the
// producer reconnects on the next publish.
func Dial(cfg config.NotifyConfig, root string) (*Notifier, error) {
	if cfg.NSQDAddress == "" {
		return nil, nil
	}
	if !nsq.IsValidTopicName(cfg.Topic) {
		return nil, amerrors.ConfigError(fmt.Sprintf("invalid notify.topic %q", cfg.Topic), nil)
	}

	nsqCfg := nsq.NewConfig()
	nsqCfg.DialTimeout = 2 * time.Second
	producer, err := nsq.NewProducer(cfg.NSQDAddress, nsqCfg)
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	producer.SetLogger(nsqLogger{}, nsq.LogLevelWarning)

	if err := producer.Ping(); err != nil {
		slog.Warn("nsqd_unreachable",
			slog.String("address", cfg.NSQDAddress),
			slog.String("error", err.Error()))
	}
	return New(producer, cfg.Topic, root), nil
}

// RunCompleted publishes report. Failures are logged and never affect the run.
func (n *Notifier) RunCompleted(ctx context.Context, report *index.RunReport) {
	if report == nil || report.DryRun {
		return
	}
	body, err := json.Marshal(Event{
		Type:        EventRunCompleted,
		Host:        n.host,
		Root:        n.root,
		PublishedAt: time.Now().UTC(),
		Report:      report,
	})
	if err != nil {
		slog.Error("notify_encode_failed", slog.String("error", err.Error()))
		return
	}

	// The run context may already be cancelled after an aborted run.
	ctx = context.WithoutCancel(ctx)
	err = amerrors.Retry(ctx, n.retry, func() error {
		return n.pub.Publish(n.topic, body)
	})
	if err != nil {
		slog.WarnContext(ctx, "notify_publish_failed",
			slog.String("topic", n.topic),
			slog.String("error", err.Error()))
		return
	}
	slog.DebugContext(ctx, "notify_published",
		slog.String("topic", n.topic),
		slog.String("status", string(report.Status)))
}

// Close stops the producer.
func (n *Notifier) Close() {
	n.pub.Stop()
}

// nsqLogger routes go-nsq's logger to slog.
type nsqLogger struct{}

func (nsqLogger) Output(_ int, s string) error {
	slog.Debug("nsq", slog.String("message", s))
	return nil
}
