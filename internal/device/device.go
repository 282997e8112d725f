// Package device defines the hardware layer contract of the duplex unit and
// the helpers shared by its backends.
//
// A backend owns the realtime thread. On every period it commits captured
// audio per channel, flushes once, then renders playback per channel.
package device

// Callbacks is what a backend drives from its realtime thread. None of the
// methods may block or allocate.
type Callbacks interface {
	CommitInput(channel int, in []int16)
	FlushInput()
	RenderOutput(channel int, out []int16)
}

// Device is a running duplex stream.
type Device interface {
	Start() error
	Stop() error
	Close() error
	InputChannels() int
	OutputChannels() int
	SampleRate() int
}

// Info describes a hardware endpoint.
type Info struct {
	Name      string
	Inputs    int
	Outputs   int
	IsDefault bool
}

// Bridge adapts interleaved or planar hardware buffers to Callbacks using
// scratch buffers sized at construction.
type Bridge struct {
	cb        Callbacks
	inputs    int
	outputs   int
	maxFrames int
	in        [][]int16
	out       [][]int16
}

// NewBridge prepares scratch for periods of up to maxFrames frames. Longer
// periods are handled in maxFrames slices.
func NewBridge(cb Callbacks, inputs, outputs, maxFrames int) *Bridge {
	b := &Bridge{
		cb:        cb,
		inputs:    inputs,
		outputs:   outputs,
		maxFrames: maxFrames,
		in:        make([][]int16, inputs),
		out:       make([][]int16, outputs),
	}
	for i := range b.in {
		b.in[i] = make([]int16, maxFrames)
	}
	for i := range b.out {
		b.out[i] = make([]int16, maxFrames)
	}
	return b
}

// Interleaved runs one period on interleaved buffers. input holds frames *
// inputs samples, output frames * outputs samples; either may be nil when
// the side has no channels.
func (b *Bridge) Interleaved(input, output []int16, frames int) {
	for done := 0; done < frames; {
		n := min(frames-done, b.maxFrames)
		if b.inputs > 0 {
			Deinterleave(input[done*b.inputs:(done+n)*b.inputs], b.in, n)
			for c := 0; c < b.inputs; c++ {
				b.cb.CommitInput(c, b.in[c][:n])
			}
			b.cb.FlushInput()
		}
		if b.outputs > 0 {
			for c := 0; c < b.outputs; c++ {
				b.cb.RenderOutput(c, b.out[c][:n])
			}
			Interleave(b.out, output[done*b.outputs:(done+n)*b.outputs], n)
		}
		done += n
	}
}

// Planar runs one period on per-channel buffers.
func (b *Bridge) Planar(in, out [][]int16) {
	for c := 0; c < min(b.inputs, len(in)); c++ {
		b.cb.CommitInput(c, in[c])
	}
	if b.inputs > 0 {
		b.cb.FlushInput()
	}
	for c := 0; c < min(b.outputs, len(out)); c++ {
		b.cb.RenderOutput(c, out[c])
	}
}

// Deinterleave splits frames interleaved frames of src into dst[c][:frames].
func Deinterleave(src []int16, dst [][]int16, frames int) {
	channels := len(dst)
	for c, ch := range dst {
		for i := 0; i < frames; i++ {
			ch[i] = src[i*channels+c]
		}
	}
}

// Interleave merges src[c][:frames] into dst.
func Interleave(src [][]int16, dst []int16, frames int) {
	channels := len(src)
	for c, ch := range src {
		for i := 0; i < frames; i++ {
			dst[i*channels+c] = ch[i]
		}
	}
}
