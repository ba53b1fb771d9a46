// Package fmp4 implements the fMP4 Segmenter (C3): it parses the raw
// ISO-BMFF byte stream emitted by the transcoder on stdout into one
// initialization segment followed by a sequence of keyframe-flagged media
// segments, grounded on the box-scanning approach of the pack's
// jmylchreest-tvarr fMP4 demuxer (internal/daemon/fmp4_demuxer.go), which
// reads the same big-endian size+type header and handles the size==1
// extended-size case the same way.
package fmp4

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	readChunk     = 64 * 1024
	maxScanBuffer = 16 * 1024 * 1024
)

// Segment is one fMP4 media segment: a moof plus its following mdat (and
// any intervening free/sidx boxes), up to the byte before the next moof
// or end of stream.
type Segment struct {
	Sequence   uint64
	Bytes      []byte
	IsKeyframe bool
	ProducedAt time.Time
}

// KeyframeDetector inspects a fully-assembled media segment and reports
// whether it contains a sync sample. ok is false when the detector cannot
// determine this (e.g. the segment doesn't parse as a track fragment),
// signalling the Segmenter to fall back to its own heuristic.
type KeyframeDetector func(segment []byte) (isKeyframe, ok bool)

// Segmenter turns a raw ISO-BMFF byte stream into an init segment and a
// sequence of media segments.
type Segmenter struct {
	src    io.Reader
	detect KeyframeDetector

	scan bytes.Buffer // bytes read from src not yet attributed to a parsed box header
	seq  uint64
}

// NewSegmenter creates a Segmenter reading from src. detect may be nil, in
// which case every segment uses the pragmatic fallback (first segment
// after init is a keyframe).
func NewSegmenter(src io.Reader, detect KeyframeDetector) *Segmenter {
	return &Segmenter{src: src, detect: detect}
}

// Run drives the parse loop until src is exhausted or ctx is canceled,
// invoking onInit exactly once (with the concatenation of every top-level
// box seen before the first moof) and onSegment once per media segment,
// strictly in increasing Sequence order. A non-nil error from onSegment
// aborts the loop and is returned as-is.
func (s *Segmenter) Run(ctx context.Context, onInit func([]byte), onSegment func(Segment) error) error {
	var init bytes.Buffer
	var current bytes.Buffer
	initEmitted := false
	currentOpen := false
	sawFirstMedia := false

	emitCurrent := func() error {
		if !currentOpen || current.Len() == 0 {
			return nil
		}
		body := make([]byte, current.Len())
		copy(body, current.Bytes())

		isKey, ok := false, false
		if s.detect != nil {
			isKey, ok = s.detect(body)
		}
		if !ok {
			isKey = !sawFirstMedia
		}
		sawFirstMedia = true

		seg := Segment{Sequence: s.seq, Bytes: body, IsKeyframe: isKey, ProducedAt: time.Now()}
		s.seq++
		current.Reset()
		currentOpen = false
		return onSegment(seg)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		h, err := s.nextHeader(ctx)
		if errors.Is(err, io.EOF) {
			if err := emitCurrent(); err != nil {
				return err
			}
			if !initEmitted && init.Len() > 0 {
				onInit(init.Bytes())
			}
			return nil
		}
		if err != nil {
			return err
		}

		if h.extendsToEOF {
			dst := &current
			if !initEmitted {
				dst = &init
			}
			dst.Write(encodeHeader(h))
			if _, err := s.copyBody(ctx, dst, -1); err != nil && !errors.Is(err, io.EOF) {
				return err
			}
			if !initEmitted {
				onInit(dst.Bytes())
			} else if err := emitCurrent(); err != nil {
				return err
			}
			return nil
		}

		bodyLen := int64(h.bodyLen())

		if h.boxType == "moof" {
			// TODO: no timestamp-regression resync here; a transcoder restart
			// that resets PTS to zero mid-stream produces a ring with a
			// decreasing timeline and no special handling.
			if !initEmitted {
				onInit(init.Bytes())
				initEmitted = true
			} else if err := emitCurrent(); err != nil {
				return err
			}
			currentOpen = true
			current.Write(encodeHeader(h))
			if _, err := s.copyBody(ctx, &current, bodyLen); err != nil {
				return fmt.Errorf("%w: reading moof body: %v", ErrProtocolParse, err)
			}
			continue
		}

		dst := &current
		if !initEmitted {
			dst = &init
		}
		dst.Write(encodeHeader(h))
		if _, err := s.copyBody(ctx, dst, bodyLen); err != nil {
			return fmt.Errorf("%w: reading %q body: %v", ErrProtocolParse, h.boxType, err)
		}
	}
}

// nextHeader returns the next top-level box header, consuming its bytes
// from the internal scan buffer (topping it up from src as needed).
func (s *Segmenter) nextHeader(ctx context.Context) (header, error) {
	for s.scan.Len() < shortHeaderLen {
		if err := s.fill(ctx); err != nil {
			return header{}, err
		}
	}

	h, err := parseHeader(s.scan.Bytes())
	if errors.Is(err, ErrNeedMoreData) {
		for s.scan.Len() < longHeaderLen {
			if err := s.fill(ctx); err != nil {
				if errors.Is(err, io.EOF) {
					return header{}, fmt.Errorf("%w: truncated extended box header", ErrProtocolParse)
				}
				return header{}, err
			}
		}
		h, err = parseHeader(s.scan.Bytes())
	}
	if err != nil {
		return header{}, err
	}

	s.scan.Next(h.headerLen)
	return h, nil
}

// fill reads one more chunk from src into the scan buffer, bounded by
// maxScanBuffer so a stream that never resolves into a valid header
// cannot grow this buffer without limit.
func (s *Segmenter) fill(ctx context.Context) error {
	if s.scan.Len() >= maxScanBuffer {
		return fmt.Errorf("%w: scan buffer exceeded %d bytes without a parseable box header", ErrProtocolParse, maxScanBuffer)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	buf := make([]byte, readChunk)
	n, err := s.src.Read(buf)
	if n > 0 {
		s.scan.Write(buf[:n])
	}
	if err != nil {
		return err
	}
	return nil
}

// copyBody copies n bytes (or, if n < 0, all remaining bytes until EOF)
// from the scan buffer and then directly from src into dst, in bounded
// chunks, so a single box's declared size is never used to preallocate a
// buffer of that size up front.
func (s *Segmenter) copyBody(ctx context.Context, dst *bytes.Buffer, n int64) (int64, error) {
	var written int64

	if s.scan.Len() > 0 {
		take := s.scan.Len()
		if n >= 0 && int64(take) > n {
			take = int(n)
		}
		dst.Write(s.scan.Next(take))
		written += int64(take)
	}

	buf := make([]byte, readChunk)
	for n < 0 || written < n {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}
		want := len(buf)
		if n >= 0 {
			if remaining := n - written; remaining < int64(want) {
				want = int(remaining)
			}
		}
		if want == 0 {
			break
		}
		rn, err := s.src.Read(buf[:want])
		if rn > 0 {
			dst.Write(buf[:rn])
			written += int64(rn)
		}
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// encodeHeader reconstructs the exact on-wire bytes of a parsed header, so
// that re-emitting init+segments reproduces the original byte stream.
func encodeHeader(h header) []byte {
	if h.headerLen == longHeaderLen {
		buf := make([]byte, longHeaderLen)
		binary.BigEndian.PutUint32(buf[0:4], 1)
		copy(buf[4:8], h.boxType)
		binary.BigEndian.PutUint64(buf[8:16], h.size)
		return buf
	}
	buf := make([]byte, shortHeaderLen)
	if h.extendsToEOF {
		binary.BigEndian.PutUint32(buf[0:4], 0)
	} else {
		binary.BigEndian.PutUint32(buf[0:4], uint32(h.size))
	}
	copy(buf[4:8], h.boxType)
	return buf
}
