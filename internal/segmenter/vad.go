package segmenter

import (
	"encoding/binary"
	"math"
)

// energyVAD decides whether a PCM16LE chunk carries speech energy. The RMS
// verdict is smoothed over a short majority window so a single noisy chunk
// does not flip the decision.
type energyVAD struct {
	threshold float64
	window    []bool
	windowLen int
}

func newEnergyVAD() *energyVAD {
	return &energyVAD{threshold: 300.0, windowLen: 4}
}

func (v *energyVAD) isSpeech(chunk []byte) bool {
	n := len(chunk) / 2
	if n == 0 {
		return false
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(chunk[2*i:]))
		f := float64(s)
		sum += f * f
	}
	rms := math.Sqrt(sum / float64(n))

	v.window = append(v.window, rms >= v.threshold)
	if len(v.window) > v.windowLen {
		v.window = v.window[len(v.window)-v.windowLen:]
	}
	speech := 0
	for _, b := range v.window {
		if b {
			speech++
		}
	}
	return speech*2 >= len(v.window)
}
