package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/felipepmaragno/gemini-gateway/internal/domain"
	"github.com/felipepmaragno/gemini-gateway/internal/queue"
)

type failingSource struct{ err error }

func (s failingSource) ReceiveUpdates(ctx context.Context, maxMessages int) ([]queue.CredentialUpdate, error) {
	return nil, s.err
}

func (s failingSource) Ack(ctx context.Context, receiptHandle string) error { return nil }

func TestApplyUpdates(t *testing.T) {
	f := newFixture(t, "a", "b")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.pool.ReportFailure(ctx, "a")
	}
	if acc, _ := f.pool.Get("a"); acc.Status != domain.StatusDisabled {
		t.Fatalf("setup: status = %s", acc.Status)
	}

	q := queue.NewInMemoryQueue()
	expiry := f.clock.Now().Add(30 * 24 * time.Hour)
	q.PushUpdate(queue.CredentialUpdate{AccountID: "a", Credentials: domain.Credentials{SecureCSes: "new", CSesIdx: "9"}, ExpiresAt: expiry, ReceiptHandle: "r1"})
	q.PushUpdate(queue.CredentialUpdate{AccountID: "ghost", ReceiptHandle: "r2"})

	n, err := f.pool.ApplyUpdates(ctx, q)
	if err != nil || n != 1 {
		t.Fatalf("ApplyUpdates() = %d, %v", n, err)
	}

	acc, _ := f.pool.Get("a")
	if acc.Status != domain.StatusActive || acc.FailureCount != 0 || acc.Credentials.SecureCSes != "new" || !acc.ExpiresAt.Equal(expiry) {
		t.Errorf("account a = %+v", acc)
	}
	if acked := q.Acked(); len(acked) != 2 {
		t.Errorf("acked = %v, want both messages", acked)
	}
}

func TestApplyUpdates_ReceiveError(t *testing.T) {
	f := newFixture(t, "a")
	boom := errors.New("sqs unavailable")

	if _, err := f.pool.ApplyUpdates(context.Background(), failingSource{err: boom}); !errors.Is(err, boom) {
		t.Errorf("error = %v", err)
	}
}

func TestConsumeCredentials_StopsOnCancel(t *testing.T) {
	f := newFixture(t, "a")
	q := queue.NewInMemoryQueue()
	q.PushUpdate(queue.CredentialUpdate{AccountID: "a", Credentials: domain.Credentials{SecureCSes: "v2"}, ReceiptHandle: "r1"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.pool.ConsumeCredentials(ctx, q, 10*time.Millisecond)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for len(q.Acked()) == 0 {
		select {
		case <-deadline:
			t.Fatal("update was never consumed")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}

	if acc, _ := f.pool.Get("a"); acc.Credentials.SecureCSes != "v2" {
		t.Errorf("credentials = %+v", acc.Credentials)
	}
}
