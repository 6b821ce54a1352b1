package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/felipepmaragno/gemini-gateway/internal/domain"
)

// RefreshRequest asks the registration automation to log an account in
// again. The gateway never performs the login itself.
type RefreshRequest struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	Mail      string    `json:"mail,omitempty"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// CredentialUpdate is the automation's answer: fresh cookies for an account.
type CredentialUpdate struct {
	AccountID     string             `json:"account_id"`
	Credentials   domain.Credentials `json:"credentials"`
	ExpiresAt     time.Time          `json:"expires_at"`
	ReceiptHandle string             `json:"-"`
}

type Queue interface {
	PublishRefresh(ctx context.Context, req RefreshRequest) error
	ReceiveUpdates(ctx context.Context, maxMessages int) ([]CredentialUpdate, error)
	Ack(ctx context.Context, receiptHandle string) error
}

type sqsAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSQueue publishes refresh requests on one queue and reads credential
// updates from another. Either URL may be empty.
type SQSQueue struct {
	client         sqsAPI
	refreshURL     string
	credentialsURL string
}

func NewSQSQueue(ctx context.Context, region, refreshURL, credentialsURL string) (*SQSQueue, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewSQSQueueWithConfig(cfg, refreshURL, credentialsURL), nil
}

func NewSQSQueueWithConfig(cfg aws.Config, refreshURL, credentialsURL string) *SQSQueue {
	return newSQSQueue(sqs.NewFromConfig(cfg), refreshURL, credentialsURL)
}

func newSQSQueue(client sqsAPI, refreshURL, credentialsURL string) *SQSQueue {
	return &SQSQueue{
		client:         client,
		refreshURL:     refreshURL,
		credentialsURL: credentialsURL,
	}
}

func (q *SQSQueue) PublishRefresh(ctx context.Context, req RefreshRequest) error {
	if q.refreshURL == "" {
		return nil
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal refresh request: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.refreshURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"AccountID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(req.AccountID),
			},
			"Reason": {
				DataType:    aws.String("String"),
				StringValue: aws.String(req.Reason),
			},
		},
	}

	if _, err := q.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send refresh request: %w", err)
	}
	return nil
}

func (q *SQSQueue) ReceiveUpdates(ctx context.Context, maxMessages int) ([]CredentialUpdate, error) {
	if q.credentialsURL == "" {
		return nil, nil
	}

	input := &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(q.credentialsURL),
		MaxNumberOfMessages:   int32(maxMessages),
		WaitTimeSeconds:       20,
		MessageAttributeNames: []string{"All"},
	}

	result, err := q.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("receive credential updates: %w", err)
	}

	updates := make([]CredentialUpdate, 0, len(result.Messages))
	for _, msg := range result.Messages {
		var upd CredentialUpdate
		if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &upd); err != nil {
			slog.Warn("failed to unmarshal credential update", "error", err)
			continue
		}
		upd.ReceiptHandle = aws.ToString(msg.ReceiptHandle)
		updates = append(updates, upd)
	}
	return updates, nil
}

func (q *SQSQueue) Ack(ctx context.Context, receiptHandle string) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.credentialsURL),
		ReceiptHandle: aws.String(receiptHandle),
	}

	if _, err := q.client.DeleteMessage(ctx, input); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

type InMemoryQueue struct {
	mu       sync.Mutex
	requests []RefreshRequest
	updates  []CredentialUpdate
	acked    []string
}

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{}
}

func (q *InMemoryQueue) PublishRefresh(ctx context.Context, req RefreshRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requests = append(q.requests, req)
	return nil
}

func (q *InMemoryQueue) ReceiveUpdates(ctx context.Context, maxMessages int) ([]CredentialUpdate, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := maxMessages
	if count > len(q.updates) {
		count = len(q.updates)
	}

	result := make([]CredentialUpdate, count)
	copy(result, q.updates[:count])
	q.updates = q.updates[count:]
	return result, nil
}

func (q *InMemoryQueue) Ack(ctx context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, receiptHandle)
	return nil
}

// PushUpdate simulates the automation posting fresh credentials.
func (q *InMemoryQueue) PushUpdate(upd CredentialUpdate) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.updates = append(q.updates, upd)
}

func (q *InMemoryQueue) Requests() []RefreshRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]RefreshRequest, len(q.requests))
	copy(out, q.requests)
	return out
}

func (q *InMemoryQueue) Acked() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.acked))
	copy(out, q.acked)
	return out
}
