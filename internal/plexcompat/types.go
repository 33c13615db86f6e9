package plexcompat

import "encoding/xml"

// MediaContainer is the root envelope every Plex-compat XML response
// wraps itself in (spec §6: "a well-formed MediaContainer with
// identifier=\"com.plexapp.plugins.library\"").
type MediaContainer struct {
	XMLName    xml.Name `xml:"MediaContainer"`
	Size       int      `xml:"size,attr"`
	Identifier string   `xml:"identifier,attr"`
	Error      string   `xml:"error,attr,omitempty"`
	Videos     []Video  `xml:"Video,omitempty"`
}

// Video describes one Live TV item. Invariant I-per spec §4.9: type
// must be "clip" (or "episode"), never the forbidden trailer/movie
// type code 5.
type Video struct {
	Type     string  `xml:"type,attr"`
	Live     string  `xml:"live,attr"`
	Duration string  `xml:"duration,attr"`
	Title    string  `xml:"title,attr,omitempty"`
	Media    []Media `xml:"Media"`
}

// Media holds the codec/container description and its Part(s).
type Media struct {
	VideoCodec string `xml:"videoCodec,attr,omitempty"`
	AudioCodec string `xml:"audioCodec,attr,omitempty"`
	Container  string `xml:"container,attr,omitempty"`
	Parts      []Part `xml:"Part"`
}

// Part points at the byte stream C6 serves.
type Part struct {
	Key      string `xml:"key,attr"`
	Duration string `xml:"duration,attr,omitempty"`
}

func newMediaContainer() MediaContainer {
	return MediaContainer{Identifier: "com.plexapp.plugins.library"}
}

// liveTVVideo builds the single-Video envelope the §4.8 table requires
// for /livetv/sessions/:id and /library/metadata/:id: type="clip",
// live="1", a 24h duration, one Media/Part pointing at /stream/:id.
func liveTVVideo(streamPath string) Video {
	return Video{
		Type:     "clip",
		Live:     "1",
		Duration: "86400000",
		Media: []Media{{
			VideoCodec: "h264",
			AudioCodec: "aac",
			Container:  "mpegts",
			Parts:      []Part{{Key: streamPath, Duration: "86400000"}},
		}},
	}
}
