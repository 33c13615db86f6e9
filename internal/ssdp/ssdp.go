// Package ssdp implements the SSDP Responder (C10): a UPnP discovery
// surface that answers multicast M-SEARCH requests and periodically
// announces the device so Plex can find tunerd without the operator
// typing in an IP address.
//
// Grounded on ManuGH-xg2g's internal/hdhr.StartSSDPAnnouncer, which
// joins the 239.255.255.250:1900 multicast group on every multicast
// interface via golang.org/x/net/ipv4, answers M-SEARCH with a unicast
// HTTP/1.1 200 response, and fires periodic NOTIFY announcements.
package ssdp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/ipv4"

	"github.com/plexbridge/tunerd/internal/log"
	"github.com/plexbridge/tunerd/internal/metrics"
	"github.com/plexbridge/tunerd/internal/netutil"
)

const (
	multicastGroup = "239.255.255.250"
	multicastPort  = 1900

	// notifyInterval is the NOTIFY announcement cadence. The spec
	// supplements the teacher's M-SEARCH-only behavior with periodic
	// self-announcement so clients that missed the boot-time NOTIFY
	// still discover tunerd within half an hour.
	notifyInterval = 30 * time.Minute

	deviceType = "urn:schemas-upnp-org:device:MediaServer:1"
)

// Responder answers SSDP discovery traffic for one emulated tuner.
type Responder struct {
	deviceID string
	hostCfg  netutil.AdvertisedHostConfig
	server   string
}

// New builds a Responder advertising deviceID via hostCfg's precedence
// chain (the same one C7's discover.json and C8 share, per spec §9).
func New(deviceID string, hostCfg netutil.AdvertisedHostConfig, serverBanner string) *Responder {
	if serverBanner == "" {
		serverBanner = "Linux/UPnP/1.0 tunerd/1.0"
	}
	return &Responder{deviceID: deviceID, hostCfg: hostCfg, server: serverBanner}
}

// Run joins the SSDP multicast group on every multicast-capable
// interface, answers M-SEARCH requests, and sends periodic NOTIFY
// announcements until ctx is cancelled.
func (r *Responder) Run(ctx context.Context) error {
	logger := log.WithComponent("ssdp")

	addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", multicastGroup, multicastPort))
	if err != nil {
		return fmt.Errorf("resolve multicast address: %w", err)
	}

	lc := &net.ListenConfig{}
	conn, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf(":%d", multicastPort))
	if err != nil {
		return fmt.Errorf("listen udp %d: %w", multicastPort, err)
	}
	defer conn.Close()

	udpConn, ok := conn.(*net.UDPConn)
	if !ok {
		return fmt.Errorf("unexpected packet conn type %T", conn)
	}
	if err := udpConn.SetReadBuffer(2048); err != nil {
		logger.Warn().Err(err).Msg("failed to set read buffer size")
	}

	pc := ipv4.NewPacketConn(udpConn)
	if err := pc.SetMulticastTTL(2); err != nil {
		logger.Warn().Err(err).Msg("failed to set multicast TTL")
	}
	if err := pc.SetMulticastLoopback(true); err != nil {
		logger.Warn().Err(err).Msg("failed to set multicast loopback")
	}

	r.joinAllInterfaces(pc, logger)

	go r.sendPeriodicNotify(ctx, conn, addr, logger)
	r.listenForSearches(ctx, conn, logger)

	return nil
}

func (r *Responder) joinAllInterfaces(pc *ipv4.PacketConn, logger zerolog.Logger) {
	ifaces, err := net.Interfaces()
	if err != nil {
		logger.Warn().Err(err).Msg("failed to enumerate network interfaces")
		return
	}

	groupIP := net.IPv4(239, 255, 255, 250)
	joined := 0
	for i := range ifaces {
		iface := ifaces[i]
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := pc.JoinGroup(&iface, &net.UDPAddr{IP: groupIP}); err != nil {
			logger.Debug().Err(err).Str("interface", iface.Name).Msg("failed to join multicast group on interface")
			continue
		}
		joined++
	}
	if joined == 0 {
		logger.Warn().Msg("failed to join SSDP multicast group on any interface")
	} else {
		logger.Info().Int("interfaces", joined).Msg("joined SSDP multicast group")
	}
}

func (r *Responder) listenForSearches(ctx context.Context, conn net.PacketConn, logger zerolog.Logger) {
	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
			logger.Error().Err(err).Msg("failed to set SSDP read deadline")
			continue
		}
		n, remoteAddr, err := conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			logger.Error().Err(err).Msg("failed to read SSDP packet")
			continue
		}

		msg := string(buf[:n])
		if isDiscoverySearch(msg) {
			r.respondTo(conn, remoteAddr, logger)
		}
	}
}

func isDiscoverySearch(msg string) bool {
	if !strings.Contains(msg, "M-SEARCH") {
		return false
	}
	return strings.Contains(msg, "ssdp:all") ||
		strings.Contains(msg, deviceType) ||
		strings.Contains(msg, "urn:schemas-upnp-org:device:Basic:1") ||
		strings.Contains(msg, "upnp:rootdevice")
}

func (r *Responder) respondTo(conn net.PacketConn, addr net.Addr, logger zerolog.Logger) {
	location := r.deviceXMLURL()
	if location == "" {
		return
	}
	response := fmt.Sprintf(
		"HTTP/1.1 200 OK\r\n"+
			"CACHE-CONTROL: max-age=1800\r\n"+
			"EXT:\r\n"+
			"LOCATION: %s\r\n"+
			"SERVER: %s\r\n"+
			"ST: %s\r\n"+
			"USN: uuid:%s::%s\r\n"+
			"\r\n",
		location, r.server, deviceType, r.deviceID, deviceType,
	)
	if _, err := conn.WriteTo([]byte(response), addr); err != nil {
		logger.Error().Err(err).Msg("failed to send SSDP response")
		return
	}
	metrics.RecordSSDPResponse()
}

func (r *Responder) sendPeriodicNotify(ctx context.Context, conn net.PacketConn, addr *net.UDPAddr, logger zerolog.Logger) {
	ticker := time.NewTicker(notifyInterval)
	defer ticker.Stop()

	r.sendNotify(conn, addr, logger)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sendNotify(conn, addr, logger)
		}
	}
}

func (r *Responder) sendNotify(conn net.PacketConn, addr *net.UDPAddr, logger zerolog.Logger) {
	location := r.deviceXMLURL()
	if location == "" {
		return
	}
	notify := fmt.Sprintf(
		"NOTIFY * HTTP/1.1\r\n"+
			"HOST: %s:%d\r\n"+
			"CACHE-CONTROL: max-age=1800\r\n"+
			"LOCATION: %s\r\n"+
			"NT: %s\r\n"+
			"NTS: ssdp:alive\r\n"+
			"SERVER: %s\r\n"+
			"USN: uuid:%s::%s\r\n"+
			"\r\n",
		multicastGroup, multicastPort, location, deviceType, r.server, r.deviceID, deviceType,
	)
	if _, err := conn.WriteTo([]byte(notify), addr); err != nil {
		logger.Error().Err(err).Msg("failed to send SSDP NOTIFY")
	}
}

// deviceXMLURL resolves the advertised base URL (no *http.Request is
// available off the wire here, so resolution falls through to the
// env/file/interface-IP tiers of the shared precedence chain).
func (r *Responder) deviceXMLURL() string {
	base := netutil.AdvertisedBaseURL(r.hostCfg, nil)
	return strings.TrimRight(base, "/") + "/device.xml"
}
