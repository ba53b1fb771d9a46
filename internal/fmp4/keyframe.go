package fmp4

import (
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
)

// DetectKeyframe parses a media segment's moof+mdat structure with
// mediacommon and reports whether any sample in it is a sync sample,
// grounded on the pack's jmylchreest-tvarr fMP4 demuxer
// (internal/daemon/fmp4_demuxer.go: processVideoTrack), which reads the
// same IsNonSyncSample flag off fmp4.PartTrack.Samples. ok is false when
// the segment doesn't parse as a track fragment at all, leaving the
// caller to fall back on its own heuristic.
func DetectKeyframe(segment []byte) (isKeyframe, ok bool) {
	var parts fmp4.Parts
	if err := parts.Unmarshal(segment); err != nil {
		return false, false
	}
	found := false
	for _, part := range parts {
		for _, track := range part.Tracks {
			for _, sample := range track.Samples {
				found = true
				if !sample.IsNonSyncSample {
					return true, true
				}
			}
		}
	}
	return false, found
}
