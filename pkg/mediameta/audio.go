package mediameta

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// mp3BitrateKbps indexes Layer III bitrates by (mpeg1, bitrateIndex).
var mp3BitrateKbps = map[bool][16]int{
	true:  {0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 0},
	false: {0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160, 0},
}

var mp3SampleRates = map[byte][3]int{
	3: {44100, 48000, 32000}, // MPEG1
	2: {22050, 24000, 16000}, // MPEG2
	0: {11025, 12000, 8000},  // MPEG2.5
}

// parseAudioHeader sniffs the container magic and recovers audio parameters.
// fileSize feeds the CBR duration estimate for MP3.
func parseAudioHeader(head []byte, fileSize int64) (*AudioMetadata, string, error) {
	switch {
	case len(head) >= 44 && bytes.Equal(head[0:4], []byte("RIFF")) && bytes.Equal(head[8:12], []byte("WAVE")):
		return parseWAV(head)
	case len(head) >= 10 && bytes.Equal(head[0:3], []byte("ID3")):
		return parseMP3(head, fileSize, true)
	case len(head) >= 4 && head[0] == 0xFF && head[1]&0xE0 == 0xE0:
		return parseMP3(head, fileSize, false)
	case len(head) >= 42 && bytes.Equal(head[0:4], []byte("fLaC")):
		return parseFLAC(head)
	}
	return nil, "audio_header", errors.New("unrecognized audio container")
}

// parseWAV walks RIFF chunks for fmt and data. Chunks are word-aligned.
func parseWAV(head []byte) (*AudioMetadata, string, error) {
	audio := &AudioMetadata{Format: "wav"}
	var byteRate uint32
	var dataSize uint32

	off := 12
	for off+8 <= len(head) {
		chunkID := string(head[off : off+4])
		chunkSize := binary.LittleEndian.Uint32(head[off+4 : off+8])
		body := head[off+8:]

		switch chunkID {
		case "fmt ":
			if len(body) < 16 {
				return nil, "wav_riff", errors.New("wav fmt chunk truncated")
			}
			audio.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			audio.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			byteRate = binary.LittleEndian.Uint32(body[8:12])
			audio.BitsPerSample = int(binary.LittleEndian.Uint16(body[14:16]))
		case "data":
			dataSize = chunkSize
		}

		off += 8 + int(chunkSize)
		if chunkSize%2 == 1 {
			off++
		}
		if audio.SampleRate > 0 && dataSize > 0 {
			break
		}
	}

	if audio.SampleRate == 0 {
		return nil, "wav_riff", errors.New("wav fmt chunk not found")
	}
	if byteRate > 0 && dataSize > 0 {
		audio.DurationSeconds = float64(dataSize) / float64(byteRate)
	}
	return audio, "wav_riff", nil
}

// parseMP3 records ID3 presence and estimates duration from the first frame
// header assuming constant bitrate.
func parseMP3(head []byte, fileSize int64, hasID3 bool) (*AudioMetadata, string, error) {
	audio := &AudioMetadata{Format: "mp3", HasID3: hasID3}
	method := "mp3_frame"

	var audioStart int64
	if hasID3 {
		method = "mp3_id3+frame"
		// ID3v2 size is 28 bits, syncsafe.
		tagSize := int64(head[6]&0x7F)<<21 | int64(head[7]&0x7F)<<14 | int64(head[8]&0x7F)<<7 | int64(head[9]&0x7F)
		audioStart = 10 + tagSize
	}

	// Find the first frame sync inside the header window.
	i := int(audioStart)
	for ; i+4 <= len(head); i++ {
		if head[i] == 0xFF && head[i+1]&0xE0 == 0xE0 {
			break
		}
	}
	if i+4 > len(head) {
		// Tag may swallow the whole window; report what we have.
		return audio, method, nil
	}

	version := (head[i+1] >> 3) & 0x03 // 3=MPEG1 2=MPEG2 0=MPEG2.5
	layer := (head[i+1] >> 1) & 0x03   // 1=Layer III
	if layer != 1 {
		return audio, method, nil
	}
	rates, ok := mp3SampleRates[version]
	if !ok {
		return audio, method, nil
	}
	bitrateIdx := head[i+2] >> 4
	rateIdx := (head[i+2] >> 2) & 0x03
	if rateIdx > 2 {
		return audio, method, nil
	}
	audio.SampleRate = rates[rateIdx]
	if head[i+3]>>6 == 3 {
		audio.Channels = 1
	} else {
		audio.Channels = 2
	}

	kbps := mp3BitrateKbps[version == 3][bitrateIdx]
	if kbps > 0 && fileSize > audioStart {
		audio.DurationSeconds = float64(fileSize-audioStart) * 8 / float64(kbps*1000)
	}
	return audio, method, nil
}

// parseFLAC reads the mandatory STREAMINFO block.
func parseFLAC(head []byte) (*AudioMetadata, string, error) {
	if head[4]&0x7F != 0 {
		return nil, "flac_streaminfo", errors.New("flac STREAMINFO block not first")
	}
	// STREAMINFO payload starts at byte 8; sample rate is 20 bits at
	// payload offset 10.
	si := head[8:]
	audio := &AudioMetadata{
		Format:        "flac",
		SampleRate:    int(uint32(si[10])<<12 | uint32(si[11])<<4 | uint32(si[12])>>4),
		Channels:      int((si[12]>>1)&0x07) + 1,
		BitsPerSample: int((si[12]&0x01)<<4|si[13]>>4) + 1,
	}
	totalSamples := uint64(si[13]&0x0F)<<32 | uint64(si[14])<<24 | uint64(si[15])<<16 | uint64(si[16])<<8 | uint64(si[17])
	if audio.SampleRate > 0 && totalSamples > 0 {
		audio.DurationSeconds = float64(totalSamples) / float64(audio.SampleRate)
	}
	return audio, "flac_streaminfo", nil
}
