// Package model holds the data types shared across fbxstream's session
// layer: the channel catalog entry, the stream format a viewer requested,
// and the composite key identifying a Session.
package model

import "fmt"

// Channel is one entry of the ingested playlist catalog.
type Channel struct {
	ID              string `json:"id"`
	DisplayName     string `json:"name"`
	Group           string `json:"group,omitempty"`
	LogoURL         string `json:"logo,omitempty"`
	UpstreamRTSPURL string `json:"-"`
}

// StreamFormat is the tagged variant of output container a subscriber requested.
type StreamFormat string

const (
	FormatFmp4 StreamFormat = "fmp4"
	FormatHLS  StreamFormat = "hls"
)

// Valid reports whether f is a recognized format.
func (f StreamFormat) Valid() bool {
	return f == FormatFmp4 || f == FormatHLS
}

// SessionKey identifies a Session uniquely by channel and format: two
// subscribers of the same channel in different formats get independent
// Sessions and independent transcoder subprocesses.
type SessionKey struct {
	ChannelID string
	Format    StreamFormat
}

func (k SessionKey) String() string {
	return fmt.Sprintf("%s:%s", k.ChannelID, k.Format)
}
