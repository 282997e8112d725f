package unit

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/CoyAce/duplex/internal/audio"
	"github.com/CoyAce/duplex/internal/ring"
)

const flagEcho int16 = 1

// Channel is the processing pipeline of one audio channel. It owns the DSP
// handles, the persistent filter state and the four ring buffers that
// connect it to the hardware callbacks and the host.
//
// Ring roles:
//
//	echoIn       capture callback  -> processing goroutine
//	echoOut      playback callback -> processing goroutine
//	deliveryIn   processing goroutine -> delivery goroutine (with flags)
//	deliveryOut  host Play -> playback callback
type Channel struct {
	index   int
	chunk   int
	delayMs int

	aec audio.EchoCanceller
	ns  audio.NoiseSuppressor
	agc audio.GainController // nil when gain control is off

	analysis  audio.QMFState
	synthesis audio.QMFState
	level     int32

	echoIn      *ring.RingBuffer
	echoOut     *ring.RingBuffer
	deliveryIn  *ring.RingBuffer
	deliveryOut *ring.RingBuffer
	flags       *ring.RingBuffer

	// scratch, sized at construction
	near []int16
	far  []int16
	out  []int16
	lo   []int16
	hi   []int16

	processed       atomic.Uint64
	echoChunks      atomic.Uint64
	gainWarnings    atomic.Uint64
	deliveryDropped atomic.Uint64
	lastLevel       atomic.Int32
	lastEcho        atomic.Bool
	erle            atomic.Uint32 // float32 bits

	// set by Cycle, consumed by flush
	ready       bool
	pendingEcho bool

	released bool
}

func newChannel(index int, cfg Config, factory audio.Factory) (ch *Channel, err error) {
	chunk := audio.ChunkSize(cfg.SampleRate)
	ch = &Channel{
		index:   index,
		chunk:   chunk,
		delayMs: cfg.EchoDelayMs,
		near:    make([]int16, chunk),
		far:     make([]int16, chunk),
		out:     make([]int16, chunk),
		lo:      make([]int16, chunk/2),
		hi:      make([]int16, chunk/2),
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, ch.Close())
			ch = nil
		}
	}()

	for _, rb := range []**ring.RingBuffer{&ch.echoIn, &ch.echoOut, &ch.deliveryIn, &ch.deliveryOut} {
		if *rb, err = ring.New(cfg.BufferCapacity); err != nil {
			return ch, err
		}
	}
	if ch.flags, err = ring.New(flagCapacity(cfg.BufferCapacity, chunk)); err != nil {
		return ch, err
	}

	bandRate := cfg.SampleRate / 2
	if ch.aec, err = factory.NewEchoCanceller(cfg.SampleRate, cfg.ReferenceRate); err != nil {
		return ch, fmt.Errorf("channel %d: echo canceller: %w", index, err)
	}
	if cfg.GainControl {
		if ch.agc, err = factory.NewGainController(cfg.MinLevel, cfg.MaxLevel, cfg.GainMode, bandRate); err != nil {
			return ch, fmt.Errorf("channel %d: gain controller: %w", index, err)
		}
	}
	if ch.ns, err = factory.NewNoiseSuppressor(bandRate, cfg.NoisePolicy); err != nil {
		return ch, fmt.Errorf("channel %d: noise suppressor: %w", index, err)
	}
	return ch, nil
}

// flagCapacity returns a power of two large enough to hold one flag per
// chunk that fits into the delivery buffer.
func flagCapacity(capacity, chunk int) int {
	n := 2
	for n < capacity/chunk+1 {
		n <<= 1
	}
	return n
}

// Cycle runs one processing step. availIn and availOut are the sample counts
// the caller established as readable from echoIn and echoOut; a side with
// less than one chunk is skipped without touching any DSP state.
func (ch *Channel) Cycle(availIn, availOut int) error {
	if availOut >= ch.chunk {
		ch.echoOut.Read(ch.far)
		if err := ch.aec.BufferFarEnd(ch.far); err != nil {
			return ch.stageErr("aec far-end", err)
		}
	}
	if availIn < ch.chunk {
		return nil
	}
	ch.echoIn.Read(ch.near)

	if err := audio.Analysis(ch.near, ch.lo, ch.hi, &ch.analysis); err != nil {
		return ch.stageErr("analysis", err)
	}
	if ch.agc != nil {
		if err := ch.agc.AddMic(ch.lo, ch.hi); err != nil {
			return ch.stageErr("agc add-mic", err)
		}
	}
	if err := ch.aec.Process(ch.lo, ch.hi, ch.lo, ch.hi, ch.delayMs); err != nil {
		return ch.stageErr("aec", err)
	}
	echo, err := ch.aec.EchoStatus()
	if err != nil {
		return ch.stageErr("aec status", err)
	}
	ch.erle.Store(math.Float32bits(ch.aec.ERLE()))
	if err := ch.ns.Process(ch.lo, ch.hi, ch.lo, ch.hi); err != nil {
		return ch.stageErr("ns", err)
	}
	if ch.agc != nil {
		level, warning, err := ch.agc.Process(ch.lo, ch.hi, ch.lo, ch.hi, ch.level, echo)
		if err != nil {
			return ch.stageErr("agc", err)
		}
		ch.level = level
		ch.lastLevel.Store(level)
		if warning {
			ch.gainWarnings.Add(1)
		}
	}
	if err := audio.Synthesis(ch.lo, ch.hi, ch.out, &ch.synthesis); err != nil {
		return ch.stageErr("synthesis", err)
	}

	ch.processed.Add(1)
	ch.lastEcho.Store(echo)
	if echo {
		ch.echoChunks.Add(1)
	}
	ch.ready = true
	ch.pendingEcho = echo
	return nil
}

// hasRoom reports whether a whole chunk and its flag fit into delivery.
func (ch *Channel) hasRoom() bool {
	return ch.deliveryIn.AvailableToWrite() >= ch.chunk && ch.flags.AvailableToWrite() >= 1
}

// flush hands the chunk produced by the last Cycle to delivery, or drops it
// when room is false. The Unit decides room for all input channels at once
// so they stay in lockstep.
func (ch *Channel) flush(room bool) {
	if !ch.ready {
		return
	}
	ch.ready = false
	if !room {
		ch.deliveryDropped.Add(1)
		return
	}
	ch.deliveryIn.Write(ch.out)
	var flag [1]int16
	if ch.pendingEcho {
		flag[0] = flagEcho
	}
	ch.flags.Write(flag[:])
}

// receive reads one delivered chunk into dst. It reports false when no
// complete chunk is pending.
func (ch *Channel) receive(dst []int16) (echo, ok bool) {
	var flag [1]int16
	if ch.flags.AvailableToRead() < 1 {
		return false, false
	}
	ch.deliveryIn.Read(dst[:ch.chunk])
	ch.flags.Read(flag[:])
	return flag[0]&flagEcho != 0, true
}

func (ch *Channel) stageErr(stage string, err error) error {
	return fmt.Errorf("%w: channel %d %s: %w", ErrStage, ch.index, stage, err)
}

// Level returns the persisted gain controller level.
func (ch *Channel) Level() int32 {
	return ch.lastLevel.Load()
}

// ERLE returns the echo return loss enhancement of the last processed chunk.
func (ch *Channel) ERLE() float32 {
	return math.Float32frombits(ch.erle.Load())
}

// Close releases the DSP handles. It is safe to call more than once.
func (ch *Channel) Close() error {
	if ch.released {
		return nil
	}
	ch.released = true
	var errs []error
	if ch.aec != nil {
		errs = append(errs, ch.aec.Close())
	}
	if ch.ns != nil {
		errs = append(errs, ch.ns.Close())
	}
	if ch.agc != nil {
		errs = append(errs, ch.agc.Close())
	}
	return errors.Join(errs...)
}
