// Package epg declares the EPGService collaborator contract. The
// EPG/XMLTV ingester and scheduler are explicitly out of scope for the
// core (spec §1); this package only carries the read-only interface C7
// and C8 depend on, plus a no-op implementation usable before a real
// ingester is wired in.
package epg

import "context"

// Program describes the currently-airing program for a channel, as far
// as the core needs to know (title only; full metadata belongs to the
// out-of-scope ingester).
type Program struct {
	Title string
	Start int64
	End   int64
}

// Service is the EPGService collaborator contract named in spec §6.
type Service interface {
	GetProgramCount(ctx context.Context) (int, error)
	GetCurrent(ctx context.Context, channelID string) (Program, bool, error)
	XMLTVURL(ctx context.Context) (string, error)
}

// Unavailable is an EPGService that reports no guide data. It lets C7's
// /lineup_status.json and C8's /guide.xml handlers function correctly
// before a real ingester collaborator is wired in.
type Unavailable struct{}

func (Unavailable) GetProgramCount(context.Context) (int, error) { return 0, nil }

func (Unavailable) GetCurrent(context.Context, string) (Program, bool, error) {
	return Program{}, false, nil
}

func (Unavailable) XMLTVURL(context.Context) (string, error) { return "", nil }
