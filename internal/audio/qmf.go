package audio

// FilterState is the memory of one three-stage all-pass chain.
type FilterState [6]int32

// QMFState holds the two all-pass chains of one direction (analysis or
// synthesis). It must persist across chunks and is zero at start.
type QMFState [2]FilterState

// All-pass coefficients in Q16.
var (
	allPass1 = [3]uint16{6418, 36982, 57261}
	allPass2 = [3]uint16{21333, 49062, 63010}
)

// maxBandLen bounds the half-band length handled without allocation:
// 10 ms at 32 kHz.
const maxBandLen = 160

func scaleDiff32(a int32, b int32, c int32) int32 {
	return c + (b>>16)*a + int32((uint32(b&0xFFFF)*uint32(a))>>16)
}

func subSat32(a, b int32) int32 {
	d := int64(a) - int64(b)
	if d > 0x7FFFFFFF {
		return 0x7FFFFFFF
	}
	if d < -0x80000000 {
		return -0x80000000
	}
	return int32(d)
}

func sat16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// allPassQMF runs data through three first-order all-pass sections in place,
// using out as scratch. Both slices must have the same length.
func allPassQMF(data, out []int32, coef *[3]uint16, st *FilterState) {
	n := len(data)
	if n == 0 {
		return
	}
	var diff int32

	diff = subSat32(data[0], st[1])
	out[0] = scaleDiff32(int32(coef[0]), diff, st[0])
	for k := 1; k < n; k++ {
		diff = subSat32(data[k], out[k-1])
		out[k] = scaleDiff32(int32(coef[0]), diff, data[k-1])
	}
	st[0] = data[n-1]
	st[1] = out[n-1]

	diff = subSat32(out[0], st[3])
	data[0] = scaleDiff32(int32(coef[1]), diff, st[2])
	for k := 1; k < n; k++ {
		diff = subSat32(out[k], data[k-1])
		data[k] = scaleDiff32(int32(coef[1]), diff, out[k-1])
	}
	st[2] = out[n-1]
	st[3] = data[n-1]

	diff = subSat32(data[0], st[5])
	out[0] = scaleDiff32(int32(coef[2]), diff, st[4])
	for k := 1; k < n; k++ {
		diff = subSat32(data[k], out[k-1])
		out[k] = scaleDiff32(int32(coef[2]), diff, data[k-1])
	}
	st[4] = data[n-1]
	st[5] = out[n-1]
}

// Analysis splits in into a low and a high band, each half the length of in.
// len(in) must be even and at most 2*maxBandLen.
func Analysis(in, lo, hi []int16, st *QMFState) error {
	half := len(in) / 2
	if len(in)%2 != 0 || half > maxBandLen {
		return sameLength(2*maxBandLen, in)
	}
	if err := sameLength(half, lo, hi); err != nil {
		return err
	}

	var (
		half1, half2 [maxBandLen]int32
		f1, f2       [maxBandLen]int32
	)
	for i := 0; i < half; i++ {
		half2[i] = int32(in[2*i]) << 10
		half1[i] = int32(in[2*i+1]) << 10
	}
	allPassQMF(half1[:half], f1[:half], &allPass1, &st[0])
	allPassQMF(half2[:half], f2[:half], &allPass2, &st[1])

	for i := 0; i < half; i++ {
		lo[i] = sat16((f1[i] + f2[i] + 1024) >> 11)
		hi[i] = sat16((f1[i] - f2[i] + 1024) >> 11)
	}
	return nil
}

// Synthesis merges a low and a high band back into out, which must be twice
// their length.
func Synthesis(lo, hi, out []int16, st *QMFState) error {
	half := len(lo)
	if half > maxBandLen {
		return sameLength(maxBandLen, lo)
	}
	if err := sameLength(half, hi); err != nil {
		return err
	}
	if err := sameLength(2*half, out); err != nil {
		return err
	}

	var (
		half1, half2 [maxBandLen]int32
		f1, f2       [maxBandLen]int32
	)
	for i := 0; i < half; i++ {
		t := int32(lo[i]) + int32(hi[i])
		half1[i] = t << 10
		t = int32(lo[i]) - int32(hi[i])
		half2[i] = t << 10
	}
	allPassQMF(half1[:half], f1[:half], &allPass2, &st[0])
	allPassQMF(half2[:half], f2[:half], &allPass1, &st[1])

	for i := 0; i < half; i++ {
		out[2*i] = sat16((f2[i] + 512) >> 10)
		out[2*i+1] = sat16((f1[i] + 512) >> 10)
	}
	return nil
}
