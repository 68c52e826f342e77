package replay

import (
	"fmt"
	"math"
	"strings"
)

// BuildLivePlaylist renders the replay window (oldest first) as an HLS
// playlist. prefix is prepended to each filename so a player can fetch the
// segment files. If ended is true, #EXT-X-ENDLIST is appended.
func BuildLivePlaylist(segments []Segment, prefix string, ended bool) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")

	if len(segments) == 0 {
		b.WriteString("#EXT-X-TARGETDURATION:1\n")
		b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
		if ended {
			b.WriteString("#EXT-X-ENDLIST\n")
		}
		return b.String()
	}

	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", targetDuration(segments))
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n\n", segments[0].ID)

	for _, seg := range segments {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", seg.Duration)
		b.WriteString(prefix)
		b.WriteString(seg.Filename)
		b.WriteString("\n")
	}

	if ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}

	return b.String()
}

// targetDuration is the ceiling of the longest segment, at least 1.
func targetDuration(segments []Segment) int {
	longest := 0.0
	for _, seg := range segments {
		longest = math.Max(longest, seg.Duration)
	}
	if longest <= 0 {
		return 1
	}
	return int(math.Ceil(longest))
}
