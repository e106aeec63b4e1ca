//go:build integration

package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/docuflow/docuflow/natstest"
	"github.com/nats-io/nats.go"
)

func TestPublisher_PublishesEvent(t *testing.T) {
	nc, _ := natstest.RunServer(t)

	received := make(chan *nats.Msg, 1)
	sub, err := nc.Subscribe("workflow_updates", func(msg *nats.Msg) {
		received <- msg
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	p := NewPublisher(nc)
	p.Publish(context.Background(), Event{
		ExecutionID: "exec-1",
		Log:         "Extracting report.pdf\n",
		Status:      StatusProcessing,
	})

	select {
	case msg := <-received:
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		if event.ExecutionID != "exec-1" {
			t.Errorf("ExecutionID = %q, want exec-1", event.ExecutionID)
		}
		if event.Status != StatusProcessing {
			t.Errorf("Status = %q, want %q", event.Status, StatusProcessing)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}

func TestPublisher_CustomChannel(t *testing.T) {
	nc, _ := natstest.RunServer(t)

	received := make(chan *nats.Msg, 1)
	sub, err := nc.Subscribe("custom_updates", func(msg *nats.Msg) {
		received <- msg
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	p := NewPublisher(nc, WithChannel("custom_updates"))
	p.Publish(context.Background(), Event{ExecutionID: "exec-2", Status: StatusDone, AssetsReady: true})

	select {
	case msg := <-received:
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		if !event.AssetsReady {
			t.Error("expected AssetsReady true")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}
