package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
)

type EventType string

const (
	EventAccountEvicted   EventType = "account_evicted"
	EventAccountRestored  EventType = "account_restored"
	EventAccountRemoved   EventType = "account_removed"
	EventAccountRefreshed EventType = "account_refresh_requested"
)

// Event is published whenever an account leaves or re-enters rotation.
type Event struct {
	Type         EventType `json:"type"`
	AccountID    string    `json:"account_id"`
	Reason       string    `json:"reason,omitempty"`
	FailureCount int       `json:"failure_count,omitempty"`
	At           time.Time `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

type snsAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type SNSNotifier struct {
	client   snsAPI
	topicArn string
}

func NewSNSNotifier(ctx context.Context, region, topicArn string) (*SNSNotifier, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewSNSNotifierWithConfig(cfg, topicArn), nil
}

func NewSNSNotifierWithConfig(cfg aws.Config, topicArn string) *SNSNotifier {
	return newSNSNotifier(sns.NewFromConfig(cfg), topicArn)
}

func newSNSNotifier(client snsAPI, topicArn string) *SNSNotifier {
	return &SNSNotifier{client: client, topicArn: topicArn}
}

func (n *SNSNotifier) Notify(ctx context.Context, event Event) error {
	message, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(n.topicArn),
		Message:  aws.String(string(message)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"Type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(event.Type)),
			},
			"AccountID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.AccountID),
			},
		},
	}

	if _, err := n.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}

	slog.Info("account event published", "type", event.Type, "account_id", event.AccountID)
	return nil
}

// InMemoryNotifier records events; it is the default when no topic is set.
type InMemoryNotifier struct {
	mu     sync.Mutex
	events []Event
}

func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{}
}

func (n *InMemoryNotifier) Notify(ctx context.Context, event Event) error {
	n.mu.Lock()
	n.events = append(n.events, event)
	n.mu.Unlock()

	slog.Info("account event", "type", event.Type, "account_id", event.AccountID, "reason", event.Reason)
	return nil
}

func (n *InMemoryNotifier) Events() []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Event, len(n.events))
	copy(out, n.events)
	return out
}
