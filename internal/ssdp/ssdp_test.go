package ssdp

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/plexbridge/tunerd/internal/netutil"
)

func TestIsDiscoverySearch_MatchesMediaServerAndRootDevice(t *testing.T) {
	require.True(t, isDiscoverySearch("M-SEARCH * HTTP/1.1\r\nST: ssdp:all\r\n"))
	require.True(t, isDiscoverySearch("M-SEARCH * HTTP/1.1\r\nST: urn:schemas-upnp-org:device:MediaServer:1\r\n"))
	require.True(t, isDiscoverySearch("M-SEARCH * HTTP/1.1\r\nST: upnp:rootdevice\r\n"))
}

func TestIsDiscoverySearch_IgnoresUnrelatedTraffic(t *testing.T) {
	require.False(t, isDiscoverySearch("NOTIFY * HTTP/1.1\r\nNTS: ssdp:alive\r\n"))
	require.False(t, isDiscoverySearch("M-SEARCH * HTTP/1.1\r\nST: urn:schemas-upnp-org:device:Printer:1\r\n"))
}

func TestResponder_DeviceXMLURL_UsesExplicitSetting(t *testing.T) {
	r := New("TUNERD0001", netutil.AdvertisedHostConfig{ExplicitSetting: "http://192.0.2.1:3000"}, "")
	require.Equal(t, "http://192.0.2.1:3000/device.xml", r.deviceXMLURL())
}

func TestResponder_DefaultsServerBanner(t *testing.T) {
	r := New("TUNERD0001", netutil.AdvertisedHostConfig{}, "")
	require.Equal(t, "Linux/UPnP/1.0 tunerd/1.0", r.server)
}
