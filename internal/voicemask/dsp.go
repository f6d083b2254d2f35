package voicemask

import "math"

// Formant presets: a mild spectral-envelope shift toward a deeper or
// brighter voice.
const (
	formantLow  = 0.88
	formantHigh = 1.14
)

// semitoneRatio converts a semitone offset to a frequency ratio.
func semitoneRatio(semis float64) float64 {
	return math.Pow(2, semis/12)
}

// resample stretches pcm by ratio using linear interpolation. ratio > 1
// raises pitch (and shortens the signal) when played back at the original
// rate.
func resample(pcm []int16, ratio float64) []int16 {
	if ratio == 1 || len(pcm) == 0 {
		out := make([]int16, len(pcm))
		copy(out, pcm)
		return out
	}
	n := int(float64(len(pcm)) / ratio)
	if n < 1 {
		n = 1
	}
	out := make([]int16, n)
	for i := range out {
		pos := float64(i) * ratio
		j := int(pos)
		if j >= len(pcm)-1 {
			out[i] = pcm[len(pcm)-1]
			continue
		}
		frac := pos - float64(j)
		out[i] = int16(float64(pcm[j])*(1-frac) + float64(pcm[j+1])*frac)
	}
	return out
}

// shiftVoice applies the pitch ratio globally and the formant ratio in short
// windows. The windowed pass moves the spectral envelope without changing
// the overall duration again, which is enough to break speaker recognition
// by ear.
func shiftVoice(pcm []int16, semis, formant float64) []int16 {
	shifted := resample(pcm, semitoneRatio(semis))
	return windowedResample(shifted, formant)
}

// windowedResample resamples each window independently and pads or trims it
// back to its original length, so only the local spectrum moves.
func windowedResample(pcm []int16, ratio float64) []int16 {
	if ratio == 1 {
		return pcm
	}
	const window = 1920 // 40ms @ 48kHz
	out := make([]int16, 0, len(pcm))
	for off := 0; off < len(pcm); off += window {
		end := off + window
		if end > len(pcm) {
			end = len(pcm)
		}
		chunk := resample(pcm[off:end], ratio)
		want := end - off
		switch {
		case len(chunk) > want:
			chunk = chunk[:want]
		case len(chunk) < want:
			pad := make([]int16, want-len(chunk))
			last := chunk[len(chunk)-1]
			for i := range pad {
				pad[i] = last
			}
			chunk = append(chunk, pad...)
		}
		out = append(out, chunk...)
	}
	return out
}
