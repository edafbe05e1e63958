package goble

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blescope/internal/device"
	"github.com/srg/blescope/internal/groutine"
)

// gattClient is the part of ble.Client a session uses
type gattClient interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	CancelConnection() error
}

type subscription struct {
	char *ble.Characteristic
	ind  bool
}

// session is a live go-ble client connection
type session struct {
	client  gattClient
	address string
	logger  *logrus.Logger

	mu      sync.Mutex
	profile *ble.Profile
	subs    []subscription

	done         chan struct{}
	closeOnce    sync.Once
	releaseOnce  sync.Once
	onRelease    func()
	disconnected <-chan struct{}
}

func newSession(client gattClient, address string, onRelease func(), logger *logrus.Logger) *session {
	s := &session{
		client:    client,
		address:   address,
		logger:    logger,
		done:      make(chan struct{}),
		onRelease: onRelease,
	}
	s.disconnected = s.done

	// CoreBluetooth and BlueZ clients both report link loss through Disconnected()
	if dc, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		remote := dc.Disconnected()
		merged := make(chan struct{})
		s.disconnected = merged
		groutine.Go(context.Background(), "ble-session-monitor", func(context.Context) {
			select {
			case <-remote:
				s.logger.WithField("address", address).Warn("BLE link reported disconnection")
			case <-s.done:
			}
			close(merged)
			s.release()
		})
	} else {
		logger.Debug("Client does not support Disconnected() channel")
	}
	return s
}

// Services discovers the GATT profile. DiscoverProfile is not cancellable, so
// ctx only bounds how long the caller waits.
func (s *session) Services(ctx context.Context) ([]device.Service, error) {
	type result struct {
		profile *ble.Profile
		err     error
	}
	ch := make(chan result, 1)
	groutine.Go(ctx, "ble-discover-profile", func(context.Context) {
		p, err := s.client.DiscoverProfile(true)
		ch <- result{p, err}
	})

	var res result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, device.NormalizeError(ctx.Err())
	}
	if res.err != nil {
		return nil, NormalizeError(res.err)
	}

	s.mu.Lock()
	s.profile = res.profile
	s.mu.Unlock()

	return convertProfile(res.profile), nil
}

// Subscribe enables notifications (or indications when notify is absent) for one characteristic
func (s *session) Subscribe(serviceUUID, charUUID string, handler func(data []byte)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	char := findCharacteristic(s.profile, serviceUUID, charUUID)
	if char == nil {
		return fmt.Errorf("characteristic %s not found in service %s", charUUID, serviceUUID)
	}
	if char.Property&(ble.CharNotify|ble.CharIndicate) == 0 {
		return fmt.Errorf("characteristic %s does not support notifications", charUUID)
	}

	ind := char.Property&ble.CharNotify == 0
	err := s.client.Subscribe(char, ind, func(data []byte) {
		// go-ble reuses its read buffer
		handler(append([]byte(nil), data...))
	})
	if err != nil {
		return NormalizeError(err)
	}
	s.subs = append(s.subs, subscription{char: char, ind: ind})
	return nil
}

// Disconnect unsubscribes everything and cancels the connection. Safe to call more than once.
func (s *session) Disconnect() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		subs := s.subs
		s.subs = nil
		s.mu.Unlock()

		for _, sub := range subs {
			if uerr := s.client.Unsubscribe(sub.char, sub.ind); uerr != nil {
				s.logger.WithFields(logrus.Fields{
					"address":   s.address,
					"char_uuid": sub.char.UUID.String(),
					"error":     uerr,
				}).Debug("Failed to unsubscribe during disconnect")
			}
		}

		err = NormalizeError(s.client.CancelConnection())
		close(s.done)
		s.release()
	})
	return err
}

// Disconnected is closed when the link drops or Disconnect is called
func (s *session) Disconnected() <-chan struct{} {
	return s.disconnected
}

func (s *session) release() {
	s.releaseOnce.Do(func() {
		if s.onRelease != nil {
			s.onRelease()
		}
	})
}

// convertProfile maps a go-ble profile to services sorted by UUID
func convertProfile(p *ble.Profile) []device.Service {
	if p == nil {
		return nil
	}

	services := make([]device.Service, 0, len(p.Services))
	for _, svc := range p.Services {
		svcUUID := device.NormalizeUUID(svc.UUID.String())
		out := device.Service{
			UUID:            svcUUID,
			Name:            device.LookupServiceName(svcUUID),
			Characteristics: make([]device.Characteristic, 0, len(svc.Characteristics)),
		}
		for _, c := range svc.Characteristics {
			charUUID := device.NormalizeUUID(c.UUID.String())
			out.Characteristics = append(out.Characteristics, device.Characteristic{
				UUID:       charUUID,
				Name:       device.LookupCharacteristicName(charUUID),
				Properties: NewProperties(c.Property),
			})
		}
		sort.Slice(out.Characteristics, func(i, j int) bool {
			return out.Characteristics[i].UUID < out.Characteristics[j].UUID
		})
		services = append(services, out)
	}
	sort.Slice(services, func(i, j int) bool { return services[i].UUID < services[j].UUID })
	return services
}

func findCharacteristic(p *ble.Profile, serviceUUID, charUUID string) *ble.Characteristic {
	if p == nil {
		return nil
	}
	svcWant := device.NormalizeUUID(serviceUUID)
	charWant := device.NormalizeUUID(charUUID)
	for _, svc := range p.Services {
		if device.NormalizeUUID(svc.UUID.String()) != svcWant {
			continue
		}
		for _, c := range svc.Characteristics {
			if device.NormalizeUUID(c.UUID.String()) == charWant {
				return c
			}
		}
	}
	return nil
}
