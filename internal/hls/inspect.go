package hls

import (
	"strings"

	"github.com/grafov/m3u8"
)

// Playlist kinds reported by Inspect.
const (
	KindMaster  = "master"
	KindMedia   = "media"
	KindUnknown = "unknown"
)

// Info summarizes a playlist for logs and metrics.
type Info struct {
	Kind    string
	Entries int // variants for a master playlist, segments for a media playlist
}

// Inspect decodes content leniently and reports what kind of playlist it is.
// It never fails: anything the decoder rejects is KindUnknown.
func Inspect(content string) (info Info) {
	// The decoder dereferences nil on a URI line without a preceding #EXTINF.
	defer func() {
		if recover() != nil {
			info = Info{Kind: KindUnknown}
		}
	}()

	p, listType, err := m3u8.DecodeFrom(strings.NewReader(content), false)
	if err != nil || p == nil {
		return Info{Kind: KindUnknown}
	}

	switch listType {
	case m3u8.MASTER:
		if master, ok := p.(*m3u8.MasterPlaylist); ok {
			return Info{Kind: KindMaster, Entries: len(master.Variants)}
		}
	case m3u8.MEDIA:
		if media, ok := p.(*m3u8.MediaPlaylist); ok {
			return Info{Kind: KindMedia, Entries: int(media.Count())}
		}
	}
	return Info{Kind: KindUnknown}
}
