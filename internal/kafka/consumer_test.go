package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/highscore-gateway/internal/domain"
)

type fakeHandler struct {
	err    error
	bodies []string
}

func (f *fakeHandler) SubmitScore(_ context.Context, body string) (domain.HighscoreEntry, error) {
	f.bodies = append(f.bodies, body)
	return domain.HighscoreEntry{PlayerScore: 1}, f.err
}

func TestProcess(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want outcome
	}{
		{name: "accepted", want: accepted},
		{name: "malformed", err: fmt.Errorf("%w: bad json", domain.ErrMalformedPayload), want: rejected},
		{name: "replay", err: domain.ErrReplayDetected, want: rejected},
		{name: "forged", err: domain.ErrInvalidSignature, want: rejected},
		{name: "store", err: fmt.Errorf("%w: busy", domain.ErrStoreFailure), want: failed},
		{name: "unexpected", err: errors.New("boom"), want: failed},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := &fakeHandler{err: tt.err}
			msg := &sarama.ConsumerMessage{Value: []byte("payload.sig"), Partition: 2, Offset: 7}

			if got := process(context.Background(), h, logger, msg); got != tt.want {
				t.Fatalf("process() = %v, want %v", got, tt.want)
			}
			if len(h.bodies) != 1 || h.bodies[0] != "payload.sig" {
				t.Fatalf("handler saw %q, want the raw message value", h.bodies)
			}
		})
	}
}

func TestProducerSend(t *testing.T) {
	t.Parallel()

	mock := mocks.NewSyncProducer(t, NewProducerConfig())
	mock.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != "payload.sig" {
			return fmt.Errorf("value = %q, want %q", val, "payload.sig")
		}
		return nil
	})
	mock.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)

	p := NewProducerWith(mock, "highscore-submissions")
	if _, _, err := p.Send("table", "payload.sig"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, _, err := p.Send("table", "payload.sig"); !errors.Is(err, sarama.ErrNotLeaderForPartition) {
		t.Fatalf("Send = %v, want %v", err, sarama.ErrNotLeaderForPartition)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
