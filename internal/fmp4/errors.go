package fmp4

import "errors"

// ErrProtocolParse is returned when the box stream cannot be parsed: a
// declared size smaller than its own header, or a header that never
// resolves within the bounded scan buffer.
var ErrProtocolParse = errors.New("fmp4: protocol parse error")

// ErrNeedMoreData is an internal sentinel meaning "read more bytes before
// retrying"; it never escapes the package.
var ErrNeedMoreData = errors.New("fmp4: need more data")
