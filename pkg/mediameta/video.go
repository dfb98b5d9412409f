package mediameta

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
)

// moovReadCap bounds how much of a moov box the walker loads into memory.
const moovReadCap = 4 << 20

var errShortMP4 = errors.New("mp4 box structure truncated")

// mp4TopLevel are box types legal at file scope; the first box must be one
// of these or the object is not an MP4-family container.
var mp4TopLevel = map[string]bool{
	"ftyp": true, "styp": true, "moov": true, "mdat": true,
	"free": true, "skip": true, "wide": true, "pnot": true, "uuid": true,
}

type mp4Box struct {
	typ       string
	offset    int64
	size      int64 // total, header included
	headerLen int64
}

// readBoxHeader reads one box header via a small range read. Size 0 means
// the box runs to end of file; size 1 carries a 64-bit size.
func (e *Extractor) readBoxHeader(ctx context.Context, bucket, key string, offset, fileSize int64) (mp4Box, error) {
	buf, err := e.objects.GetRange(ctx, bucket, key, offset, 16)
	if err != nil {
		return mp4Box{}, err
	}
	if len(buf) < 8 {
		return mp4Box{}, errShortMP4
	}
	box := mp4Box{
		typ:       string(buf[4:8]),
		offset:    offset,
		size:      int64(binary.BigEndian.Uint32(buf[0:4])),
		headerLen: 8,
	}
	switch box.size {
	case 0:
		box.size = fileSize - offset
	case 1:
		if len(buf) < 16 {
			return mp4Box{}, errShortMP4
		}
		box.size = int64(binary.BigEndian.Uint64(buf[8:16]))
		box.headerLen = 16
	}
	if box.size < box.headerLen {
		return mp4Box{}, fmt.Errorf("mp4 box %q carries corrupt size %d", box.typ, box.size)
	}
	return box, nil
}

// parseMP4 hops top-level boxes by their size fields, so a trailing moov
// (no faststart) costs a handful of small range reads rather than a full
// object download.
func (e *Extractor) parseMP4(ctx context.Context, bucket, key string, fileSize int64) (*VideoMetadata, error) {
	video := &VideoMetadata{Container: "mp4"}
	moovSeen := false

	var offset int64
	for offset+8 <= fileSize {
		box, err := e.readBoxHeader(ctx, bucket, key, offset, fileSize)
		if err != nil {
			return nil, err
		}
		if offset == 0 && !mp4TopLevel[box.typ] {
			return nil, fmt.Errorf("object is not an mp4 container (leading box %q)", box.typ)
		}

		switch box.typ {
		case "ftyp", "styp":
			brand, err := e.objects.GetRange(ctx, bucket, key, box.offset+box.headerLen, 4)
			if err != nil {
				return nil, err
			}
			if len(brand) == 4 {
				video.MajorBrand = string(brand)
			}
		case "moov":
			payloadLen := box.size - box.headerLen
			if payloadLen > moovReadCap {
				return nil, fmt.Errorf("moov box of %d bytes exceeds read cap", payloadLen)
			}
			payload, err := e.objects.GetRange(ctx, bucket, key, box.offset+box.headerLen, payloadLen)
			if err != nil {
				return nil, err
			}
			if err := walkMoov(payload, video); err != nil {
				return nil, err
			}
			moovSeen = true
		}

		if moovSeen && video.MajorBrand != "" {
			return video, nil
		}
		offset += box.size
	}

	if !moovSeen {
		return nil, errors.New("mp4 moov box not found")
	}
	return video, nil
}

// walkBoxes iterates sibling boxes inside an already-loaded payload.
func walkBoxes(data []byte, fn func(typ string, payload []byte) error) error {
	var off int64
	n := int64(len(data))
	for off+8 <= n {
		size := int64(binary.BigEndian.Uint32(data[off : off+4]))
		typ := string(data[off+4 : off+8])
		headerLen := int64(8)
		switch size {
		case 0:
			size = n - off
		case 1:
			if off+16 > n {
				return errShortMP4
			}
			size = int64(binary.BigEndian.Uint64(data[off+8 : off+16]))
			headerLen = 16
		}
		if size < headerLen || off+size > n {
			return errShortMP4
		}
		if err := fn(typ, data[off+headerLen:off+size]); err != nil {
			return err
		}
		off += size
	}
	return nil
}

func walkMoov(payload []byte, video *VideoMetadata) error {
	return walkBoxes(payload, func(typ string, child []byte) error {
		switch typ {
		case "mvhd":
			return parseMVHD(child, video)
		case "trak":
			return walkBoxes(child, func(inner string, grandchild []byte) error {
				if inner == "tkhd" {
					return parseTKHD(grandchild, video)
				}
				return nil
			})
		}
		return nil
	})
}

func parseMVHD(payload []byte, video *VideoMetadata) error {
	if len(payload) < 4 {
		return errShortMP4
	}
	if payload[0] == 1 {
		if len(payload) < 32 {
			return errShortMP4
		}
		video.Timescale = binary.BigEndian.Uint32(payload[20:24])
		if video.Timescale > 0 {
			video.DurationSeconds = float64(binary.BigEndian.Uint64(payload[24:32])) / float64(video.Timescale)
		}
		return nil
	}
	if len(payload) < 20 {
		return errShortMP4
	}
	video.Timescale = binary.BigEndian.Uint32(payload[12:16])
	if video.Timescale > 0 {
		video.DurationSeconds = float64(binary.BigEndian.Uint32(payload[16:20])) / float64(video.Timescale)
	}
	return nil
}

// parseTKHD records the first track with nonzero dimensions; audio tracks
// report zero width and are skipped.
func parseTKHD(payload []byte, video *VideoMetadata) error {
	if len(payload) < 4 {
		return errShortMP4
	}
	wOff := 76
	if payload[0] == 1 {
		wOff = 88
	}
	if len(payload) < wOff+8 {
		return errShortMP4
	}
	width := int(binary.BigEndian.Uint32(payload[wOff:wOff+4]) >> 16)
	height := int(binary.BigEndian.Uint32(payload[wOff+4:wOff+8]) >> 16)
	if width > 0 && video.Width == 0 {
		video.Width, video.Height = width, height
	}
	return nil
}
