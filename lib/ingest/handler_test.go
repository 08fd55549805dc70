// Copyright 2026 The AMI Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/ami-project/ami/lib/results"
	"github.com/ami-project/ami/lib/testutil"
)

type recordingRecorder struct {
	mu        sync.Mutex
	processed []MessageType
	stored    []int
}

func (r *recordingRecorder) MessageProcessed(messageType MessageType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processed = append(r.processed, messageType)
}

func (r *recordingRecorder) ResultsStored(count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stored = append(r.stored, count)
}

func TestHandlerStoresDatagramsOnly(t *testing.T) {
	store := results.NewStore()
	recorder := &recordingRecorder{}
	handler := NewHandler(store, recorder, testutil.Logger())

	handler.Process(Message{Type: Heartbeat, Source: 1})
	handler.Process(Message{Type: Transition, Source: 1})
	handler.Process(Message{Type: Datagram, Source: 2, Payload: &results.Payload{
		Name: "charge", Descriptor: "float64", Data: []byte{1},
	}})
	handler.Process(Message{Type: Occurrence, Source: 2})
	handler.Process(Message{Type: Datagram, Source: 1, Payload: &results.Payload{
		Name: "charge", Descriptor: "float64", Data: []byte{2},
	}})

	got, ok := store.Get("charge")
	if !ok {
		t.Fatal("charge not stored")
	}
	if got.Data[0] != 2 {
		t.Errorf("charge data = %v, want the last write", got.Data)
	}
	if store.Len() != 1 {
		t.Errorf("store holds %d names, want 1", store.Len())
	}

	wantCounts := map[MessageType]uint64{Heartbeat: 1, Transition: 1, Occurrence: 1, Datagram: 2}
	if counts := handler.Counts(); !reflect.DeepEqual(counts, wantCounts) {
		t.Errorf("Counts() = %v, want %v", counts, wantCounts)
	}
	if len(recorder.processed) != 5 {
		t.Errorf("recorder saw %d messages, want 5", len(recorder.processed))
	}
	if want := []int{1, 1}; !reflect.DeepEqual(recorder.stored, want) {
		t.Errorf("recorder store sizes = %v, want %v", recorder.stored, want)
	}
}

func TestHandlerWithoutRecorder(t *testing.T) {
	store := results.NewStore()
	handler := NewHandler(store, nil, testutil.Logger())
	handler.Process(Message{Type: Datagram, Payload: &results.Payload{Name: "x"}})
	if _, ok := store.Get("x"); !ok {
		t.Fatal("x not stored")
	}
}

type channelProcessor chan Message

func (c channelProcessor) Process(message Message) { c <- message }

func TestQueueDeliversInArrivalOrder(t *testing.T) {
	processed := make(channelProcessor, 100)
	queue := NewQueue(processed, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go queue.Run(ctx)

	for i := range 50 {
		if err := queue.Deliver(ctx, Message{Type: Heartbeat, Source: i}); err != nil {
			t.Fatalf("Deliver %d: %v", i, err)
		}
	}
	for i := range 50 {
		message := testutil.RequireReceive(t, processed, 5*time.Second, "waiting for message", i)
		if message.Source != i {
			t.Fatalf("message %d has source %d, delivered out of order", i, message.Source)
		}
	}
}

func TestQueueDeliverHonorsContext(t *testing.T) {
	queue := NewQueue(make(channelProcessor), 1)
	ctx, cancel := context.WithCancel(context.Background())

	if err := queue.Deliver(ctx, Message{Type: Heartbeat}); err != nil {
		t.Fatal(err)
	}
	if queue.Len() != 1 {
		t.Fatalf("Len = %d, want 1", queue.Len())
	}

	cancel()
	if err := queue.Deliver(ctx, Message{Type: Heartbeat}); err == nil {
		t.Fatal("Deliver on a full queue with cancelled context succeeded")
	}
}
