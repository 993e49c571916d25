package discovery

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/schollz/peerdiscovery"
)

// Peer is one discovered transport.
type Peer struct {
	TransportID uint64
	Address     string
}

// Service multicasts this transport's Announcement while collecting peers'
// announcements. Discovered peers are reported through the notify callback,
// possibly repeatedly.
type Service struct {
	localID uint64
	notify  func(Peer)

	stopChan4 chan struct{}
	stopChan6 chan struct{}
}

// NewService starts a discovery Service promoting the given Announcements
// through IPv4 and/or IPv6. Announcements from the local transport id are
// suppressed.
func NewService(ans []Announcement, localID uint64, notify func(Peer), ipv4, ipv6 bool) (*Service, error) {
	log.WithFields(log.Fields{
		"ipv4":    ipv4,
		"ipv6":    ipv6,
		"message": ans,
	}).Info("Started discovery service")

	var s = &Service{
		localID: localID,
		notify:  notify,
	}

	if ipv4 {
		s.stopChan4 = make(chan struct{})
	}

	if ipv6 {
		s.stopChan6 = make(chan struct{})
	}

	msg, err := AnnouncementsToCbor(ans)
	if err != nil {
		return nil, err
	}

	sets := []struct {
		active           bool
		multicastAddress string
		stopChan         chan struct{}
		ipVersion        peerdiscovery.IPVersion
		handle           func(discovered peerdiscovery.Discovered)
	}{
		{ipv4, Address4, s.stopChan4, peerdiscovery.IPv4, s.handle},
		{ipv6, Address6, s.stopChan6, peerdiscovery.IPv6, s.handle6},
	}

	for _, set := range sets {
		if !set.active {
			continue
		}

		settings := peerdiscovery.Settings{
			Limit:            -1,
			Port:             fmt.Sprintf("%d", Port),
			MulticastAddress: set.multicastAddress,
			Payload:          msg,
			Delay:            10 * time.Second,
			TimeLimit:        -1,
			StopChan:         set.stopChan,
			AllowSelf:        true,
			IPVersion:        set.ipVersion,
			Notify:           set.handle,
		}

		go peerdiscovery.Discover(settings)
	}

	return s, nil
}

func (s *Service) handle6(discovered peerdiscovery.Discovered) {
	discovered.Address = fmt.Sprintf("[%s]", discovered.Address)

	s.handle(discovered)
}

func (s *Service) handle(discovered peerdiscovery.Discovered) {
	ans, err := AnnouncementsFromCbor(discovered.Payload)
	if err != nil {
		log.WithFields(log.Fields{
			"peer":  discovered.Address,
			"error": err,
		}).Warn("Discovery failed to parse incoming package")

		return
	}

	for _, an := range ans {
		if an.TransportID == s.localID {
			continue
		}

		log.WithFields(log.Fields{
			"peer":    discovered.Address,
			"message": an,
		}).Debug("Discovery received an announcement")

		s.notify(Peer{TransportID: an.TransportID, Address: an.Address})
	}
}

// Close shuts the Service down.
func (s *Service) Close() {
	if s.stopChan4 != nil {
		s.stopChan4 <- struct{}{}
	}

	if s.stopChan6 != nil {
		s.stopChan6 <- struct{}{}
	}
}
