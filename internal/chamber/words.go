package chamber

import "github.com/auger-prime-sde/ess-sub000/internal/transport/modbus"

// floatToWordsLSW converts a (temperature, humidity) pair into the 4
// Modbus words the MB2 float blob packs them as, using the same
// word-swapped float encoding the rest of the wire protocol uses.
func floatToWordsLSW(temp, humid float64) []uint16 {
	words := modbus.FloatToWords(float32(temp))
	words = append(words, modbus.FloatToWords(float32(humid))...)
	return words
}
