package fmp4

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// box builds a short-form ISO-BMFF box: 4-byte size + 4-byte type + body.
func box(boxType string, body []byte) []byte {
	buf := make([]byte, 8+len(body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(8+len(body)))
	copy(buf[4:8], boxType)
	copy(buf[8:], body)
	return buf
}

func extendedBox(boxType string, body []byte) []byte {
	buf := make([]byte, 16+len(body))
	binary.BigEndian.PutUint32(buf[0:4], 1)
	copy(buf[4:8], boxType)
	binary.BigEndian.PutUint64(buf[8:16], uint64(16+len(body)))
	copy(buf[16:], body)
	return buf
}

func zeroSizeBox(boxType string, body []byte) []byte {
	buf := make([]byte, 8+len(body))
	binary.BigEndian.PutUint32(buf[0:4], 0)
	copy(buf[4:8], boxType)
	copy(buf[8:], body)
	return buf
}

func alwaysKeyframe(segment []byte) (bool, bool) { return true, true }
func neverKeyframe(segment []byte) (bool, bool)  { return false, true }

func TestSegmenterEmitsInitThenSegments(t *testing.T) {
	stream := bytes.Join([][]byte{
		box("ftyp", []byte("isom")),
		box("moov", []byte("moovdata")),
		box("moof", []byte("moof0")),
		box("mdat", []byte("mdat0")),
		box("moof", []byte("moof1")),
		box("mdat", []byte("mdat1")),
	}, nil)

	seg := NewSegmenter(bytes.NewReader(stream), alwaysKeyframe)

	var init []byte
	var segments []Segment
	err := seg.Run(context.Background(), func(b []byte) { init = b }, func(s Segment) error {
		segments = append(segments, s)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, bytes.Join([][]byte{box("ftyp", []byte("isom")), box("moov", []byte("moovdata"))}, nil), init)
	require.Len(t, segments, 2)
	assert.Equal(t, uint64(0), segments[0].Sequence)
	assert.Equal(t, uint64(1), segments[1].Sequence)
	assert.Equal(t, bytes.Join([][]byte{box("moof", []byte("moof0")), box("mdat", []byte("mdat0"))}, nil), segments[0].Bytes)
}

func TestSegmenterSequenceStrictlyIncreasing(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(box("ftyp", []byte("isom")))
	for i := 0; i < 10; i++ {
		stream.Write(box("moof", []byte{byte(i)}))
		stream.Write(box("mdat", []byte{byte(i)}))
	}

	seg := NewSegmenter(bytes.NewReader(stream.Bytes()), neverKeyframe)
	var last uint64
	first := true
	err := seg.Run(context.Background(), func([]byte) {}, func(s Segment) error {
		if !first {
			assert.Equal(t, last+1, s.Sequence)
		}
		last = s.Sequence
		first = false
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(9), last)
}

func TestSegmenterFirstSegmentIsKeyframeFallback(t *testing.T) {
	stream := bytes.Join([][]byte{
		box("ftyp", []byte("isom")),
		box("moof", []byte("moof0")),
		box("mdat", []byte("mdat0")),
		box("moof", []byte("moof1")),
		box("mdat", []byte("mdat1")),
	}, nil)

	// detect=nil means every call falls back to "ok=false", which in turn
	// falls back to "first segment after init is a keyframe".
	seg := NewSegmenter(bytes.NewReader(stream), nil)
	var segments []Segment
	err := seg.Run(context.Background(), func([]byte) {}, func(s Segment) error {
		segments = append(segments, s)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, segments, 2)
	assert.True(t, segments[0].IsKeyframe)
	assert.False(t, segments[1].IsKeyframe)
}

func TestSegmenterExtendedSize(t *testing.T) {
	stream := bytes.Join([][]byte{
		extendedBox("ftyp", []byte("isom")),
		box("moof", []byte("moof0")),
		extendedBox("mdat", []byte("mdat0")),
	}, nil)

	seg := NewSegmenter(bytes.NewReader(stream), alwaysKeyframe)
	var segments []Segment
	err := seg.Run(context.Background(), func([]byte) {}, func(s Segment) error {
		segments = append(segments, s)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Contains(t, string(segments[0].Bytes), "mdat0")
}

func TestSegmenterZeroSizeExtendsToEOF(t *testing.T) {
	stream := bytes.Join([][]byte{
		box("ftyp", []byte("isom")),
		box("moof", []byte("moof0")),
		zeroSizeBox("mdat", []byte("rest-of-stream-data")),
	}, nil)

	seg := NewSegmenter(bytes.NewReader(stream), alwaysKeyframe)
	var segments []Segment
	err := seg.Run(context.Background(), func([]byte) {}, func(s Segment) error {
		segments = append(segments, s)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Contains(t, string(segments[0].Bytes), "rest-of-stream-data")
}

func TestSegmenterRejectsUndersizedDeclaration(t *testing.T) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], 4) // smaller than the 8-byte header itself
	copy(buf[4:8], "free")

	seg := NewSegmenter(bytes.NewReader(buf), alwaysKeyframe)
	err := seg.Run(context.Background(), func([]byte) {}, func(Segment) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocolParse)
}

func TestSegmenterRoundTripsBoxBytesExactly(t *testing.T) {
	original := bytes.Join([][]byte{
		box("ftyp", []byte("isom")),
		box("moov", []byte("moovdata")),
		box("moof", []byte("moof0")),
		box("mdat", []byte("mdat-payload-bytes")),
	}, nil)

	seg := NewSegmenter(bytes.NewReader(original), alwaysKeyframe)
	var init []byte
	var segments []Segment
	err := seg.Run(context.Background(), func(b []byte) { init = b }, func(s Segment) error {
		segments = append(segments, s)
		return nil
	})
	require.NoError(t, err)

	var reassembled bytes.Buffer
	reassembled.Write(init)
	for _, s := range segments {
		reassembled.Write(s.Bytes)
	}
	assert.Equal(t, original, reassembled.Bytes())
}

func TestSegmenterContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	seg := NewSegmenter(bytes.NewReader(box("ftyp", []byte("isom"))), alwaysKeyframe)
	err := seg.Run(ctx, func([]byte) {}, func(Segment) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

type erroringReader struct{}

func (erroringReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestSegmenterPropagatesReadErrors(t *testing.T) {
	seg := NewSegmenter(erroringReader{}, alwaysKeyframe)
	err := seg.Run(context.Background(), func([]byte) {}, func(Segment) error { return nil })
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
}
