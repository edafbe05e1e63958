package hub_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blescope/internal/event"
	"github.com/srg/blescope/internal/hub"
	"github.com/stretchr/testify/suite"
)

type HubTestSuite struct {
	suite.Suite
	logger *logrus.Logger
}

func (s *HubTestSuite) SetupTest() {
	s.logger = logrus.New()
	s.logger.SetLevel(logrus.ErrorLevel)
}

func seq(i int) event.Event {
	return event.Event{TS: int64(i), Type: event.TypeScan, Data: event.ScanState{Active: true}}
}

func (s *HubTestSuite) newHub(opts *hub.Options) *hub.Hub {
	h := hub.New(opts, s.logger)
	s.T().Cleanup(h.Close)
	return h
}

func (s *HubTestSuite) next(sub *hub.PullSubscription) event.Event {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	s.Require().NoError(err)
	return ev
}

func (s *HubTestSuite) TestReplayKeepsExactlyTheNewest() {
	h := s.newHub(nil)

	for i := 0; i < 150; i++ {
		h.Publish(seq(i))
	}

	replay := h.Replay()
	s.Require().Len(replay, 100)
	s.EqualValues(50, replay[0].TS)
	s.EqualValues(149, replay[99].TS)
}

func (s *HubTestSuite) TestPullReplaysThenStreamsLive() {
	h := s.newHub(nil)
	for i := 0; i < 5; i++ {
		h.Publish(seq(i))
	}

	sub, err := h.SubscribePull()
	s.Require().NoError(err)
	defer sub.Close()

	for i := 5; i < 8; i++ {
		h.Publish(seq(i))
	}

	for i := 0; i < 8; i++ {
		s.EqualValues(i, s.next(sub).TS, "no gap and no duplicate between replay and live")
	}
}

func (s *HubTestSuite) TestPushSnapshotComesFirst() {
	h := s.newHub(nil)
	h.Publish(seq(1))
	h.SetSnapshotSource(func() event.Event {
		return event.NewSnapshot([]string{"a"}, true)
	})

	sub, err := h.SubscribePush()
	s.Require().NoError(err)
	defer sub.Close()
	h.Publish(seq(2))

	first := <-sub.C()
	s.Equal(event.TypeSnapshot, first.Type)
	snap, ok := first.Data.(event.Snapshot)
	s.Require().True(ok)
	s.True(snap.ScanningActive)

	second := <-sub.C()
	s.EqualValues(2, second.TS, "push subscribers get no replay, only live events after the snapshot")
}

func (s *HubTestSuite) TestSlowPushSubscriberIsDropped() {
	h := s.newHub(&hub.Options{PushBuffer: 2})

	slow, err := h.SubscribePush()
	s.Require().NoError(err)
	fast, err := h.SubscribePush()
	s.Require().NoError(err)
	defer fast.Close()

	for i := 0; i < 5; i++ {
		h.Publish(seq(i))
		s.EqualValues(i, (<-fast.C()).TS)
	}

	s.EqualValues(0, (<-slow.C()).TS)
	s.EqualValues(1, (<-slow.C()).TS)
	_, open := <-slow.C()
	s.False(open, "slow subscriber channel is closed once it overflows")

	push, _ := h.Stats()
	s.Equal(1, push)

	slow.Close() // already removed, must be a no-op
}

func (s *HubTestSuite) TestSlowPullReaderLosesOldest() {
	h := s.newHub(&hub.Options{ReplaySize: 4, PullBuffer: 4})

	sub, err := h.SubscribePull()
	s.Require().NoError(err)
	defer sub.Close()

	for i := 0; i < 20; i++ {
		h.Publish(seq(i))
	}

	var got []int64
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		ev, err := sub.Next(ctx)
		cancel()
		if err != nil {
			s.ErrorIs(err, context.DeadlineExceeded)
			break
		}
		got = append(got, ev.TS)
	}

	s.Require().NotEmpty(got)
	s.Less(len(got), 20)
	s.EqualValues(19, got[len(got)-1], "the newest event always survives")
	s.IsIncreasing(got)
	s.Positive(sub.Dropped())
}

func (s *HubTestSuite) TestEmitIsDeliveredByDispatchLoop() {
	h := s.newHub(nil)
	sub, err := h.SubscribePull()
	s.Require().NoError(err)
	defer sub.Close()

	h.Emit(event.NewNotify("dev", "2a37", []byte{0x01, 0xff}))

	ev := s.next(sub)
	s.Equal(event.TypeNotify, ev.Type)
	s.Equal("01ff", ev.Data.(event.Notify).DataHex)
}

func (s *HubTestSuite) TestUnsubscribeIsIdempotent() {
	h := s.newHub(nil)
	push, err := h.SubscribePush()
	s.Require().NoError(err)
	pull, err := h.SubscribePull()
	s.Require().NoError(err)

	push.Close()
	push.Close()
	pull.Close()
	pull.Close()

	p, q := h.Stats()
	s.Zero(p)
	s.Zero(q)

	_, err = pull.Next(context.Background())
	s.ErrorIs(err, hub.ErrClosed)
}

func (s *HubTestSuite) TestCloseEndsSubscriptions() {
	h := hub.New(nil, s.logger)
	push, err := h.SubscribePush()
	s.Require().NoError(err)
	pull, err := h.SubscribePull()
	s.Require().NoError(err)

	h.Close()
	h.Close()

	_, open := <-push.C()
	s.False(open)
	_, err = pull.Next(context.Background())
	s.True(errors.Is(err, hub.ErrClosed))

	_, err = h.SubscribePush()
	s.ErrorIs(err, hub.ErrClosed)
	_, err = h.SubscribePull()
	s.ErrorIs(err, hub.ErrClosed)
}

func (s *HubTestSuite) TestConcurrentPublishersAndSubscribers() {
	h := s.newHub(nil)
	var wg sync.WaitGroup

	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				h.Publish(seq(i))
				h.Emit(seq(i))
			}
		}()
	}
	for c := 0; c < 4; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				sub, err := h.SubscribePush()
				if err == nil {
					sub.Close()
				}
				pull, err := h.SubscribePull()
				if err == nil {
					pull.Close()
				}
			}
		}()
	}
	wg.Wait()

	s.Len(h.Replay(), 100)
}

func TestHubTestSuite(t *testing.T) {
	suite.Run(t, new(HubTestSuite))
}
