// Package voicemask disguises voice notes before broadcast. The pipeline is
// decode ogg/opus to PCM, shift pitch and formant, re-encode. Callers cache
// the platform file id of the first upload, so the DSP runs once per
// broadcast.
package voicemask

import (
	"bytes"
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"gopkg.in/hraban/opus.v2"
)

const (
	sampleRate = 48000
	channels   = 1
	frameSize  = 960 // 20ms @ 48kHz
	maxPacket  = 1275
)

// Masker transforms a voice payload into an unrecognizable one.
type Masker interface {
	MaskVoice(ctx context.Context, ogg []byte) ([]byte, time.Duration, error)
}

// Shifter is the default Masker: a random pitch shift of up to three
// semitones in either direction plus a formant preset.
type Shifter struct {
	// test seam
	pick func() (semitones float64, formant float64)
}

func NewShifter() *Shifter {
	return &Shifter{pick: randomProfile}
}

// randomProfile draws the per-message disguise: pitch in [-3,+3] semitones
// away from neutral, and one of the two formant presets.
func randomProfile() (float64, float64) {
	semis := rand.Float64()*6 - 3
	formant := formantLow
	if rand.IntN(2) == 1 {
		formant = formantHigh
	}
	return semis, formant
}

func (s *Shifter) MaskVoice(ctx context.Context, ogg []byte) ([]byte, time.Duration, error) {
	pcm, err := decode(ogg)
	if err != nil {
		return nil, 0, fmt.Errorf("decode voice: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	semis, formant := s.pick()
	shifted := shiftVoice(pcm, semis, formant)

	out, err := encode(shifted)
	if err != nil {
		return nil, 0, fmt.Errorf("encode voice: %w", err)
	}
	duration := time.Duration(len(shifted)) * time.Second / sampleRate
	return out, duration, nil
}

func decode(ogg []byte) ([]int16, error) {
	stream, err := opus.NewStream(bytes.NewReader(ogg))
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var pcm []int16
	buf := make([]int16, frameSize)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			pcm = append(pcm, buf[:n]...)
		}
		if err != nil {
			break
		}
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("empty opus stream")
	}
	return pcm, nil
}

func encode(pcm []int16) ([]byte, error) {
	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	w, err := oggwriter.NewWith(&out, sampleRate, channels)
	if err != nil {
		return nil, err
	}

	// Pad the tail to a whole frame so the encoder always sees frameSize
	// samples.
	if rem := len(pcm) % frameSize; rem != 0 {
		pcm = append(pcm, make([]int16, frameSize-rem)...)
	}

	packet := make([]byte, maxPacket)
	var seq uint16
	var timestamp uint32
	for off := 0; off < len(pcm); off += frameSize {
		n, err := enc.Encode(pcm[off:off+frameSize], packet)
		if err != nil {
			w.Close()
			return nil, err
		}
		payload := make([]byte, n)
		copy(payload, packet[:n])
		err = w.WriteRTP(&rtp.Packet{
			Header:  rtp.Header{SequenceNumber: seq, Timestamp: timestamp},
			Payload: payload,
		})
		if err != nil {
			w.Close()
			return nil, err
		}
		seq++
		timestamp += frameSize
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
