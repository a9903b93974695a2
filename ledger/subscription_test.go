package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

type fakeUpstream struct {
	errs chan error
	once sync.Once
}

func (s *fakeUpstream) Err() <-chan error { return s.errs }

func (s *fakeUpstream) Unsubscribe() {
	s.once.Do(func() { close(s.errs) })
}

type fakeStreamer struct {
	mu       sync.Mutex
	opened   int
	failOpen int
	logs     chan<- gethtypes.Log
	upstream *fakeUpstream
}

func (f *fakeStreamer) SubscribeFilterLogs(_ context.Context, _ ethereum.FilterQuery, ch chan<- gethtypes.Log) (ethereum.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened++
	if f.opened <= f.failOpen {
		return nil, errors.New("dial ws: connection refused")
	}
	f.logs = ch
	f.upstream = &fakeUpstream{errs: make(chan error, 1)}
	return f.upstream, nil
}

func (f *fakeStreamer) deliver(lg gethtypes.Log) {
	f.mu.Lock()
	ch := f.logs
	f.mu.Unlock()
	ch <- lg
}

func (f *fakeStreamer) drop(err error) {
	f.mu.Lock()
	f.upstream.errs <- err
	f.mu.Unlock()
}

func (f *fakeStreamer) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

func newStreamGateway(t *testing.T, streamer *fakeStreamer) *Gateway {
	t.Helper()
	contract := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	return NewGateway(contract, newFakeNode(), streamer, nil, nil)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSubscribeDeliversEvents(t *testing.T) {
	streamer := &fakeStreamer{}
	gw := newStreamGateway(t, streamer)

	var mu sync.Mutex
	var got []Event
	sub, err := gw.Subscribe(context.Background(), EventCampaignCreated, func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	}, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Cancel()

	if sub.Kind() != EventCampaignCreated {
		t.Fatalf("Kind = %q", sub.Kind())
	}

	waitFor(t, "subscription open", func() bool { return streamer.openCount() == 1 })
	streamer.deliver(gethtypes.Log{BlockNumber: 42, TxHash: common.HexToHash("0x1")})

	waitFor(t, "event delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if got[0].Kind != EventCampaignCreated || got[0].BlockNumber != 42 {
		t.Fatalf("unexpected event: %+v", got[0])
	}
}

func TestSubscribeReestablishesDroppedStream(t *testing.T) {
	streamer := &fakeStreamer{}
	gw := newStreamGateway(t, streamer)

	delivered := make(chan Event, 4)
	sub, err := gw.Subscribe(context.Background(), EventCampaignFunded, func(ev Event) {
		delivered <- ev
	}, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Cancel()

	waitFor(t, "first subscription", func() bool { return streamer.openCount() == 1 })
	streamer.drop(errors.New("websocket: close 1006"))
	waitFor(t, "resubscribe", func() bool { return streamer.openCount() == 2 })

	streamer.deliver(gethtypes.Log{BlockNumber: 43})
	select {
	case ev := <-delivered:
		if ev.BlockNumber != 43 {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery after re-establishment")
	}
}

func TestSubscribeSignalsResyncAfterReestablishment(t *testing.T) {
	streamer := &fakeStreamer{}
	gw := newStreamGateway(t, streamer)

	var mu sync.Mutex
	resyncs := 0
	sub, err := gw.Subscribe(context.Background(), EventCampaignFunded, func(Event) {}, func() {
		mu.Lock()
		resyncs++
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Cancel()

	waitFor(t, "first subscription", func() bool { return streamer.openCount() == 1 })
	mu.Lock()
	if resyncs != 0 {
		mu.Unlock()
		t.Fatal("resync fired before any drop")
	}
	mu.Unlock()

	streamer.drop(errors.New("websocket: close 1006"))
	waitFor(t, "resync signal", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return resyncs == 1
	})
}

func TestSubscribeRetriesInitialOpen(t *testing.T) {
	streamer := &fakeStreamer{failOpen: 2}
	gw := newStreamGateway(t, streamer)

	sub, err := gw.Subscribe(context.Background(), EventBackerRefunded, func(Event) {}, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Cancel()

	waitFor(t, "retried open", func() bool { return streamer.openCount() >= 3 })
}

func TestCancelIsIdempotent(t *testing.T) {
	streamer := &fakeStreamer{}
	gw := newStreamGateway(t, streamer)

	sub, err := gw.Subscribe(context.Background(), EventOwnerChanged, func(Event) {}, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor(t, "subscription open", func() bool { return streamer.openCount() == 1 })

	sub.Cancel()
	sub.Cancel()

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not stop after Cancel")
	}
}

func TestSubscribeWithoutStreamEndpoint(t *testing.T) {
	gw := NewGateway(common.HexToAddress("0xaa"), newFakeNode(), nil, nil, nil)
	if _, err := gw.Subscribe(context.Background(), EventCampaignCreated, func(Event) {}, nil); !errors.Is(err, ErrRemoteCall) {
		t.Fatalf("expected ErrRemoteCall, got %v", err)
	}
}
