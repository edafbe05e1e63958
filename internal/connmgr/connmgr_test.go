package connmgr_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/srg/blescope/internal/connmgr"
	"github.com/srg/blescope/internal/device"
	"github.com/srg/blescope/internal/event"
	"github.com/srg/blescope/internal/registry"
	"github.com/srg/blescope/internal/testutils"
	"github.com/stretchr/testify/suite"
)

const (
	strapID   = "strap"
	strapAddr = "AA:BB:CC:DD:EE:FF"
)

func heartRateServices() []device.Service {
	return []device.Service{
		{
			UUID: "180d",
			Name: "Heart Rate",
			Characteristics: []device.Characteristic{
				{UUID: "2a37", Name: "Heart Rate Measurement", Properties: device.Properties{device.PropNotify}},
				{UUID: "2a38", Name: "Body Sensor Location", Properties: device.Properties{device.PropRead}},
			},
		},
		{
			UUID: "180f",
			Name: "Battery",
			Characteristics: []device.Characteristic{
				{UUID: "2a19", Name: "Battery Level", Properties: device.Properties{device.PropRead, device.PropIndicate}},
			},
		},
	}
}

type ConnMgrTestSuite struct {
	suite.Suite

	registry  *registry.Registry
	emitter   *testutils.EventRecorder
	connector *testutils.FakeConnector
	session   *testutils.FakeSession
	opts      connmgr.Options
}

func (s *ConnMgrTestSuite) SetupTest() {
	s.registry = registry.New()
	s.emitter = &testutils.EventRecorder{}
	s.session = testutils.NewFakeSession(heartRateServices()...)
	s.connector = testutils.NewFakeConnector().AddSession(strapAddr, s.session)
	s.opts = connmgr.Options{ConnectTimeout: 200 * time.Millisecond, RetryDelay: time.Millisecond}

	addr, name := strapAddr, "Heart Strap"
	s.registry.Upsert(strapID, registry.Update{
		Address:      &addr,
		LocalName:    &name,
		LastRSSI:     testutils.Ptr(-60),
		ServiceUUIDs: []string{"180d"},
	})
}

func (s *ConnMgrTestSuite) newManager() *connmgr.Manager {
	m := connmgr.New(s.connector, s.registry, s.emitter, &s.opts, testutils.QuietLogger())
	s.T().Cleanup(m.Close)
	return m
}

func (s *ConnMgrTestSuite) connectStatuses() []event.ConnectStatus {
	var out []event.ConnectStatus
	for _, ev := range s.emitter.OfType(event.TypeConnect) {
		out = append(out, ev.Data.(event.Connect).Status)
	}
	return out
}

func (s *ConnMgrTestSuite) TestConnectSubscribesAndReportsDetails() {
	m := s.newManager()

	details, err := m.Connect(context.Background(), strapID)
	s.Require().NoError(err)

	s.Equal(strapAddr, details.Address)
	s.Equal("Heart Strap", *details.LocalName)
	s.Len(details.Services, 2)
	s.Len(details.Characteristics, 3)
	s.Positive(details.ConnectedAt)

	s.True(s.session.Subscribed("2a37"))
	s.True(s.session.Subscribed("2a19"), "indicate counts as notifying")
	s.False(s.session.Subscribed("2a38"))

	s.Equal([]event.Type{event.TypeConnect, event.TypeConnected, event.TypeConnect}, s.emitter.Types())
	s.Equal([]event.ConnectStatus{event.ConnectStarting, event.ConnectSuccess}, s.connectStatuses())

	s.True(m.IsConnected(strapID))
	s.Equal([]string{strapID}, m.ConnectedIDs())
	status, ok := m.Status(strapID)
	s.True(ok)
	s.Equal(connmgr.StatusConnected, status)

	testutils.NewJSONAsserter(s.T()).AssertValue(s.emitter.OfType(event.TypeConnected)[0].Data, `{
		"id": "strap",
		"address": "AA:BB:CC:DD:EE:FF",
		"localName": "Heart Strap",
		"rssi": -60,
		"serviceUuids": ["180d"],
		"manufacturerDataHex": null,
		"connectedAt": "<<PRESENCE>>",
		"services": [{"uuid": "180d", "name": "Heart Rate"}, {"uuid": "180f", "name": "Battery"}],
		"characteristics": [
			{"serviceUuid": "180d", "uuid": "2a37", "properties": ["notify"]},
			{"serviceUuid": "180d", "uuid": "2a38", "properties": ["read"]},
			{"serviceUuid": "180f", "uuid": "2a19", "properties": ["read", "indicate"]}
		]
	}`)
}

func (s *ConnMgrTestSuite) TestNotificationsAreEmittedAsHex() {
	m := s.newManager()
	_, err := m.Connect(context.Background(), strapID)
	s.Require().NoError(err)

	s.True(s.session.Notify("2a37", []byte{0x06, 0x48}))

	notifies := s.emitter.OfType(event.TypeNotify)
	s.Require().Len(notifies, 1)
	s.Equal(event.Notify{ID: strapID, CharUUID: "2a37", DataHex: "0648"}, notifies[0].Data)
}

func (s *ConnMgrTestSuite) TestSubscriptionFailureIsSkipped() {
	s.session.FailSubscribe("2a37", errors.New("att: insufficient authentication"))
	m := s.newManager()

	_, err := m.Connect(context.Background(), strapID)

	s.Require().NoError(err)
	s.False(s.session.Subscribed("2a37"))
	s.True(s.session.Subscribed("2a19"))
}

func (s *ConnMgrTestSuite) TestServiceDiscoveryFailureStillConnects() {
	s.session.FailServices(errors.New("gatt: discovery timed out"))
	m := s.newManager()

	details, err := m.Connect(context.Background(), strapID)

	s.Require().NoError(err)
	s.Empty(details.Services)
	s.Empty(details.Characteristics)
	s.True(m.IsConnected(strapID))
}

func (s *ConnMgrTestSuite) TestConnectMissingDevice() {
	m := s.newManager()

	_, err := m.Connect(context.Background(), "missing-id")

	s.ErrorIs(err, device.ErrDeviceNotFound)
	s.Empty(s.emitter.OfType(event.TypeConnected))
	s.Equal([]event.ConnectStatus{event.ConnectStarting, event.ConnectError}, s.connectStatuses())
}

func (s *ConnMgrTestSuite) TestConnectDeviceWithoutAddress() {
	s.registry.Upsert("anon-1234abcd", registry.Update{LastRSSI: testutils.Ptr(-40)})
	m := s.newManager()

	_, err := m.Connect(context.Background(), "anon-1234abcd")

	s.ErrorIs(err, device.ErrDeviceNotFound)
}

func (s *ConnMgrTestSuite) TestConnectTimeoutLeavesNoSession() {
	s.opts.ConnectTimeout = 30 * time.Millisecond
	s.connector.Block = make(chan struct{})
	m := s.newManager()

	_, err := m.Connect(context.Background(), strapID)

	s.ErrorIs(err, device.ErrConnectionFailed)
	s.Contains(err.Error(), "timeout")
	s.False(m.IsConnected(strapID))
	s.Empty(m.ConnectedIDs())
	s.Equal([]event.ConnectStatus{event.ConnectStarting, event.ConnectError}, s.connectStatuses())

	status, _ := m.Status(strapID)
	s.Equal(connmgr.StatusError, status)

	// the slot is free again
	close(s.connector.Block)
	_, err = m.Connect(context.Background(), strapID)
	s.NoError(err)
}

func (s *ConnMgrTestSuite) TestTransientAbortIsRetried() {
	abort := errors.New("le-connection-abort-by-local")
	s.connector.FailNext(abort, abort)
	m := s.newManager()

	_, err := m.Connect(context.Background(), strapID)

	s.Require().NoError(err)
	s.Equal(3, s.connector.Attempts(strapAddr))
}

func (s *ConnMgrTestSuite) TestRetriesAreBounded() {
	abort := errors.New("le-connection-abort-by-local")
	s.connector.FailNext(abort, abort, abort, abort)
	m := s.newManager()

	_, err := m.Connect(context.Background(), strapID)

	s.ErrorIs(err, device.ErrConnectionFailed)
	s.Equal(3, s.connector.Attempts(strapAddr))
}

func (s *ConnMgrTestSuite) TestPermanentFailureIsNotRetried() {
	s.connector.FailNext(errors.New("no such device"))
	m := s.newManager()

	_, err := m.Connect(context.Background(), strapID)

	s.ErrorIs(err, device.ErrConnectionFailed)
	s.Equal(1, s.connector.Attempts(strapAddr))
}

func (s *ConnMgrTestSuite) TestSecondConnectFailsWithAlreadyConnected() {
	m := s.newManager()
	_, err := m.Connect(context.Background(), strapID)
	s.Require().NoError(err)

	_, err = m.Connect(context.Background(), strapID)

	s.ErrorIs(err, device.ErrAlreadyConnected)
	s.True(m.IsConnected(strapID), "the first session survives")
}

func (s *ConnMgrTestSuite) TestConcurrentConnectsAdmitOne() {
	s.connector.Block = make(chan struct{})
	m := s.newManager()

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Connect(context.Background(), strapID)
		}(i)
	}

	s.Require().Eventually(func() bool {
		status, ok := m.Status(strapID)
		return ok && status == connmgr.StatusConnecting
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(s.connector.Block)
	wg.Wait()

	var ok, already int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, device.ErrAlreadyConnected):
			already++
		}
	}
	s.Equal(1, ok)
	s.Equal(3, already)
}

func (s *ConnMgrTestSuite) TestDisconnect() {
	m := s.newManager()
	_, err := m.Connect(context.Background(), strapID)
	s.Require().NoError(err)

	s.NoError(m.Disconnect(strapID))

	s.False(m.IsConnected(strapID))
	s.Equal(1, s.session.Disconnects())
	disc := s.emitter.OfType(event.TypeDisconnected)
	s.Require().Len(disc, 1)
	s.Equal(event.Disconnected{ID: strapID, Reason: connmgr.ReasonManual}, disc[0].Data)

	err = m.Disconnect(strapID)
	s.ErrorIs(err, device.ErrNotConnected, "second disconnect is safe and reports the same failure")
	s.ErrorIs(m.Disconnect(strapID), device.ErrNotConnected)
	s.Len(s.emitter.OfType(event.TypeDisconnected), 1)

	status, _ := m.Status(strapID)
	s.Equal(connmgr.StatusDisconnected, status)
}

func (s *ConnMgrTestSuite) TestDisconnectUnknown() {
	m := s.newManager()
	s.ErrorIs(m.Disconnect(strapID), device.ErrNotConnected)
}

func (s *ConnMgrTestSuite) TestRemoteDisconnectRemovesSession() {
	m := s.newManager()
	_, err := m.Connect(context.Background(), strapID)
	s.Require().NoError(err)

	s.session.Drop()

	s.Require().Eventually(func() bool { return !m.IsConnected(strapID) }, time.Second, time.Millisecond)
	s.Require().Eventually(func() bool { return len(s.emitter.OfType(event.TypeDisconnected)) == 1 }, time.Second, time.Millisecond)
	s.Equal(event.Disconnected{ID: strapID, Reason: connmgr.ReasonAutomatic}, s.emitter.OfType(event.TypeDisconnected)[0].Data)
	s.ErrorIs(m.Disconnect(strapID), device.ErrNotConnected)
}

func (s *ConnMgrTestSuite) TestDisconnectWhileConnecting() {
	s.connector.Block = make(chan struct{})
	m := s.newManager()

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Connect(context.Background(), strapID)
		errCh <- err
	}()

	s.Require().Eventually(func() bool {
		status, _ := m.Status(strapID)
		return status == connmgr.StatusConnecting
	}, time.Second, time.Millisecond)

	s.NoError(m.Disconnect(strapID))

	select {
	case err := <-errCh:
		s.ErrorIs(err, device.ErrConnectionFailed)
	case <-time.After(time.Second):
		s.Fail("connect did not return after disconnect")
	}
	s.Empty(m.ConnectedIDs())
}

func (s *ConnMgrTestSuite) TestCloseDisconnectsAll() {
	m := s.newManager()
	_, err := m.Connect(context.Background(), strapID)
	s.Require().NoError(err)

	m.Close()

	s.Empty(m.ConnectedIDs())
	s.Equal(1, s.session.Disconnects())
	s.Equal(event.Disconnected{ID: strapID, Reason: connmgr.ReasonShutdown}, s.emitter.OfType(event.TypeDisconnected)[0].Data)
}

// connectWithin fails the test instead of hanging when Connect never returns
func (s *ConnMgrTestSuite) connectWithin(m *connmgr.Manager, d time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		_, err := m.Connect(context.Background(), strapID)
		errCh <- err
	}()
	select {
	case err := <-errCh:
		return err
	case <-time.After(d):
		s.FailNow("connect did not return")
		return nil
	}
}

func (s *ConnMgrTestSuite) freshSession() *testutils.FakeSession {
	session := testutils.NewFakeSession(heartRateServices()...)
	s.connector.AddSession(strapAddr, session)
	return session
}

func (s *ConnMgrTestSuite) TestReconnectAfterDisconnect() {
	m := s.newManager()
	s.Require().NoError(s.connectWithin(m, 2*time.Second))
	s.Require().NoError(m.Disconnect(strapID))

	second := s.freshSession()
	s.Require().NoError(s.connectWithin(m, 2*time.Second))

	s.True(m.IsConnected(strapID))
	s.Equal([]string{strapID}, m.ConnectedIDs())
	s.True(second.Subscribed("2a37"))
	status, _ := m.Status(strapID)
	s.Equal(connmgr.StatusConnected, status)

	s.Require().NoError(m.Disconnect(strapID))
	s.freshSession()
	s.Require().NoError(s.connectWithin(m, 2*time.Second), "the slot is reusable any number of times")
}

func (s *ConnMgrTestSuite) TestReconnectAfterTimeout() {
	s.connector.Block = make(chan struct{})
	m := s.newManager()
	s.Require().ErrorIs(s.connectWithin(m, 2*time.Second), device.ErrConnectionFailed)

	s.connector.Block = nil
	s.Require().NoError(s.connectWithin(m, 2*time.Second))
	s.True(m.IsConnected(strapID))
}

func (s *ConnMgrTestSuite) TestReconnectAfterRemoteDrop() {
	m := s.newManager()
	s.Require().NoError(s.connectWithin(m, 2*time.Second))

	s.session.Drop()
	s.Require().Eventually(func() bool {
		return len(s.emitter.OfType(event.TypeDisconnected)) == 1
	}, time.Second, time.Millisecond)

	s.freshSession()
	s.Require().NoError(s.connectWithin(m, 2*time.Second))
	s.True(m.IsConnected(strapID))
	s.Len(s.emitter.OfType(event.TypeDisconnected), 1)
}

func TestConnMgrTestSuite(t *testing.T) {
	suite.Run(t, new(ConnMgrTestSuite))
}
