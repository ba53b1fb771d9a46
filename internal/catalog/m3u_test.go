package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseM3UExtractsAttributesAndURL(t *testing.T) {
	content := `#EXTM3U
#EXTINF:-1 tvg-id="bbc1.uk" tvg-chno="1" tvg-logo="http://logo/bbc1.png" group-title="Entertainment",BBC One
rtsp://fritz.box/bbc-one
#EXTINF:-1 tvg-id="bbc2.uk" group-title="Entertainment",BBC Two
rtsp://fritz.box/bbc-two
`
	entries := parseM3U(content)
	assert.Len(t, entries, 2)
	assert.Equal(t, "bbc1.uk", entries[0].tvgID)
	assert.Equal(t, "1", entries[0].tvgChNo)
	assert.Equal(t, "http://logo/bbc1.png", entries[0].logo)
	assert.Equal(t, "Entertainment", entries[0].group)
	assert.Equal(t, "BBC One", entries[0].name)
	assert.Equal(t, "rtsp://fritz.box/bbc-one", entries[0].url)
	assert.Equal(t, "bbc2.uk", entries[1].tvgID)
}

func TestParseM3USkipsMalformedEntries(t *testing.T) {
	content := `#EXTM3U
rtsp://fritz.box/orphan-url-with-no-extinf
#EXTINF:-1 tvg-id="bbc1.uk",BBC One
rtsp://fritz.box/bbc-one
#EXTINF:-1 tvg-id="dangling",Dangling Entry With No URL Line
`
	entries := parseM3U(content)
	assert.Len(t, entries, 1)
	assert.Equal(t, "bbc1.uk", entries[0].tvgID)
}

func TestParseM3UIgnoresBlankAndCommentLines(t *testing.T) {
	content := "#EXTM3U\n\n# a stray comment\n#EXTINF:-1 tvg-id=\"x\",X\n\nrtsp://x\n"
	entries := parseM3U(content)
	assert.Len(t, entries, 1)
	assert.Equal(t, "x", entries[0].tvgID)
}

func TestStableIDPrefersTvgID(t *testing.T) {
	id := stableID(entry{tvgID: "bbc1.uk", url: "rtsp://fritz.box/bbc-one"})
	assert.Equal(t, "bbc1.uk", id)
}

func TestStableIDFallsBackToURLHash(t *testing.T) {
	id1 := stableID(entry{url: "rtsp://fritz.box/bbc-one"})
	id2 := stableID(entry{url: "rtsp://fritz.box/bbc-one"})
	id3 := stableID(entry{url: "rtsp://fritz.box/bbc-two"})

	assert.NotEmpty(t, id1)
	assert.Equal(t, id1, id2, "the same URL must always hash to the same id")
	assert.NotEqual(t, id1, id3)
	assert.Len(t, id1, 16)
}
