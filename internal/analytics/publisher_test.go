package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/errs"
	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/queue"
)

type fakeSQS struct {
	sent []*sqs.SendMessageInput
	err  error
}

func (f *fakeSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, params)
	return &sqs.SendMessageOutput{MessageId: aws.String("msg-1")}, nil
}

func TestPublishSendsToConfiguredQueue(t *testing.T) {
	client := &fakeSQS{}
	p := &Publisher{
		client:   client,
		queueURL: "https://sqs.example/analytics",
		logger:   zap.NewNop(),
	}

	ev := Event{
		TenantID:  uuid.NewString(),
		Name:      EventBookingConfirmed,
		BookingID: uuid.NewString(),
	}
	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(client.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(client.sent))
	}
	if got := aws.ToString(client.sent[0].QueueUrl); got != "https://sqs.example/analytics" {
		t.Fatalf("queue url = %s", got)
	}

	var decoded Event
	if err := json.Unmarshal([]byte(aws.ToString(client.sent[0].MessageBody)), &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded.Name != ev.Name || decoded.TenantID != ev.TenantID {
		t.Fatalf("decoded = %+v, want %+v", decoded, ev)
	}
	if decoded.OccurredAt.IsZero() {
		t.Fatal("occurred_at should be stamped on publish")
	}
}

func TestPublishWithoutQueueLogsOnly(t *testing.T) {
	p := &Publisher{logger: zap.NewNop()}

	if err := p.Publish(context.Background(), Event{Name: EventBookingCreated}); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestSendFailureIsRetryable(t *testing.T) {
	p := &Publisher{
		client:   &fakeSQS{err: errors.New("throttled")},
		queueURL: "https://sqs.example/analytics",
		logger:   zap.NewNop(),
	}

	err := p.Publish(context.Background(), Event{Name: EventBookingFailed})
	if err == nil {
		t.Fatal("expected error")
	}
	if errs.IsPermanent(err) {
		t.Fatal("sqs outage must stay retryable")
	}
}

func TestHandleJob(t *testing.T) {
	client := &fakeSQS{}
	p := &Publisher{
		client:   client,
		queueURL: "https://sqs.example/analytics",
		logger:   zap.NewNop(),
	}

	body, _ := json.Marshal(Event{
		TenantID:   uuid.NewString(),
		Name:       EventBookingConfirmed,
		OccurredAt: time.Now().UTC(),
	})
	job := &queue.Job{
		ID:      uuid.New(),
		Queue:   queue.QueueAnalytics,
		Kind:    queue.KindAnalytics,
		Payload: body,
	}

	if err := p.HandleJob(context.Background(), job); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(client.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(client.sent))
	}
}

func TestHandleJobInvalidPayloadIsPermanent(t *testing.T) {
	p := &Publisher{logger: zap.NewNop()}

	job := &queue.Job{
		ID:      uuid.New(),
		Queue:   queue.QueueAnalytics,
		Kind:    queue.KindAnalytics,
		Payload: json.RawMessage(`{broken`),
	}

	err := p.HandleJob(context.Background(), job)
	if !errs.IsPermanent(err) {
		t.Fatalf("class = %v, want permanent", errs.ClassOf(err))
	}
}
