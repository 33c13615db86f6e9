// Package catalog defines the Channel/Stream data model shared by the
// core and implements the ChannelStore collaborator contract on top of
// an embedded pure-Go sqlite database. Importing channels into the
// store is out of scope for the core; this package only reads.
package catalog

import "context"

// Protocol tags a Stream's declared upstream transport, one of the nine
// formats the Stream Format Analyzer (C1) classifies against.
type Protocol string

const (
	ProtocolHLS    Protocol = "hls"
	ProtocolDASH   Protocol = "dash"
	ProtocolTS     Protocol = "ts"
	ProtocolRTSP   Protocol = "rtsp"
	ProtocolRTMP   Protocol = "rtmp"
	ProtocolUDP    Protocol = "udp"
	ProtocolMMS    Protocol = "mms"
	ProtocolSRT    Protocol = "srt"
	ProtocolDirect Protocol = "direct"
)

// Channel is a stable, human-numbered lineup entry. Created by the
// out-of-scope importer/admin surface; the core only ever reads it.
type Channel struct {
	ID      string
	Number  int
	Name    string
	LogoURI string
	EPGID   string
	Enabled bool
}

// Stream belongs to exactly one Channel.
type Stream struct {
	ID         string
	ChannelID  string
	URI        string
	Protocol   Protocol
	BackupURIs []string
	AuthUser   string
	AuthPass   string
	Headers    map[string]string
	Options    map[string]string
	Enabled    bool
}

// ChannelEntry pairs a Channel with its enabled Stream(s), the shape the
// ChannelStore collaborator contract returns.
type ChannelEntry struct {
	Channel Channel
	Streams []Stream
}

// Store is the ChannelStore collaborator contract named in spec §6:
// get(id) / listEnabled(). Invariant: only enabled streams whose
// channel is enabled are visible here.
type Store interface {
	Get(ctx context.Context, id string) (ChannelEntry, bool, error)
	ListEnabled(ctx context.Context) ([]ChannelEntry, error)
}

// PrimaryStream returns the first enabled stream for entry, if any.
func (e ChannelEntry) PrimaryStream() (Stream, bool) {
	for _, s := range e.Streams {
		if s.Enabled {
			return s, true
		}
	}
	return Stream{}, false
}
