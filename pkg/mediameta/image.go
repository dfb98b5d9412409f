package mediameta

import (
	"bytes"
	"encoding/binary"
	"errors"
	"regexp"
)

var (
	pngMagic = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}
	gif87    = []byte("GIF87a")
	gif89    = []byte("GIF89a")
)

var errShortImageHeader = errors.New("image header truncated")

// exifDateTimeRe matches the EXIF ASCII timestamp layout. The APP1 segment
// is scanned rather than IFD-walked; the first timestamp is taken as the
// original capture time.
var exifDateTimeRe = regexp.MustCompile(`(19|20)\d{2}:\d{2}:\d{2} \d{2}:\d{2}:\d{2}`)

// parseImageHeader sniffs the container magic and recovers dimensions.
func parseImageHeader(head []byte) (*ImageMetadata, string, error) {
	switch {
	case len(head) >= 24 && bytes.Equal(head[:8], pngMagic):
		return parsePNG(head)
	case len(head) >= 10 && (bytes.Equal(head[:6], gif87) || bytes.Equal(head[:6], gif89)):
		return parseGIF(head)
	case len(head) >= 4 && head[0] == 0xFF && head[1] == 0xD8:
		return parseJPEG(head)
	case len(head) >= 26 && head[0] == 'B' && head[1] == 'M':
		return parseBMP(head)
	case len(head) >= 30 && bytes.Equal(head[0:4], []byte("RIFF")) && bytes.Equal(head[8:12], []byte("WEBP")):
		return parseWebP(head)
	}
	return nil, "image_header", errors.New("unrecognized image container")
}

func parsePNG(head []byte) (*ImageMetadata, string, error) {
	if !bytes.Equal(head[12:16], []byte("IHDR")) {
		return nil, "png_header", errors.New("png missing IHDR chunk")
	}
	return &ImageMetadata{
		Format: "png",
		Width:  int(binary.BigEndian.Uint32(head[16:20])),
		Height: int(binary.BigEndian.Uint32(head[20:24])),
	}, "png_header", nil
}

func parseGIF(head []byte) (*ImageMetadata, string, error) {
	return &ImageMetadata{
		Format: "gif",
		Width:  int(binary.LittleEndian.Uint16(head[6:8])),
		Height: int(binary.LittleEndian.Uint16(head[8:10])),
	}, "gif_header", nil
}

// isSOF reports whether a JPEG marker is a start-of-frame variant.
func isSOF(marker byte) bool {
	switch marker {
	case 0xC0, 0xC1, 0xC2, 0xC3, 0xC5, 0xC6, 0xC7, 0xC9, 0xCA, 0xCB, 0xCD, 0xCE, 0xCF:
		return true
	}
	return false
}

// parseJPEG walks marker segments until the frame header. APP1/Exif segments
// precede the frame in practice, so the timestamp scan happens on the way.
func parseJPEG(head []byte) (*ImageMetadata, string, error) {
	img := &ImageMetadata{Format: "jpeg"}
	method := "jpeg_sof"

	i := 2
	for i+4 <= len(head) {
		if head[i] != 0xFF {
			return nil, method, errors.New("jpeg marker stream corrupt")
		}
		marker := head[i+1]
		if marker == 0xFF { // fill byte
			i++
			continue
		}
		i += 2
		if marker == 0x01 || (marker >= 0xD0 && marker <= 0xD9) {
			continue // standalone markers carry no length
		}
		if i+2 > len(head) {
			break
		}
		segLen := int(binary.BigEndian.Uint16(head[i : i+2]))
		if segLen < 2 {
			return nil, method, errors.New("jpeg segment length corrupt")
		}
		end := i + segLen
		if end > len(head) {
			end = len(head)
		}
		seg := head[i+2 : end]

		switch {
		case isSOF(marker):
			if len(seg) < 5 {
				return nil, method, errShortImageHeader
			}
			img.Height = int(binary.BigEndian.Uint16(seg[1:3]))
			img.Width = int(binary.BigEndian.Uint16(seg[3:5]))
			return img, method, nil
		case marker == 0xE1 && len(seg) >= 6 && bytes.Equal(seg[:6], []byte("Exif\x00\x00")):
			if m := exifDateTimeRe.Find(seg); m != nil {
				img.DateTimeOriginal = string(m)
				method = "jpeg_sof+exif_scan"
			}
		case marker == 0xDA:
			// Entropy-coded data follows; a frame header should have
			// appeared before it.
			return nil, method, errors.New("jpeg scan data reached before frame header")
		}
		i += segLen
	}
	return nil, method, errors.New("jpeg frame header not in header window")
}

func parseBMP(head []byte) (*ImageMetadata, string, error) {
	width := int32(binary.LittleEndian.Uint32(head[18:22]))
	height := int32(binary.LittleEndian.Uint32(head[22:26]))
	if height < 0 { // top-down bitmap
		height = -height
	}
	if width <= 0 {
		return nil, "bmp_header", errors.New("bmp dimensions corrupt")
	}
	return &ImageMetadata{Format: "bmp", Width: int(width), Height: int(height)}, "bmp_header", nil
}

func parseWebP(head []byte) (*ImageMetadata, string, error) {
	img := &ImageMetadata{Format: "webp"}
	switch string(head[12:16]) {
	case "VP8X":
		img.Width = 1 + int(uint32(head[24])|uint32(head[25])<<8|uint32(head[26])<<16)
		img.Height = 1 + int(uint32(head[27])|uint32(head[28])<<8|uint32(head[29])<<16)
	case "VP8 ":
		if head[23] != 0x9D || head[24] != 0x01 || head[25] != 0x2A {
			return nil, "webp_header", errors.New("webp keyframe sync code missing")
		}
		img.Width = int(binary.LittleEndian.Uint16(head[26:28]) & 0x3FFF)
		img.Height = int(binary.LittleEndian.Uint16(head[28:30]) & 0x3FFF)
	case "VP8L":
		if head[20] != 0x2F {
			return nil, "webp_header", errors.New("webp lossless signature missing")
		}
		img.Width = 1 + int(uint32(head[21])|uint32(head[22]&0x3F)<<8)
		img.Height = 1 + int(uint32(head[22]>>6)|uint32(head[23])<<2|uint32(head[24]&0x0F)<<10)
	default:
		return nil, "webp_header", errors.New("webp variant not recognized")
	}
	return img, "webp_header", nil
}
