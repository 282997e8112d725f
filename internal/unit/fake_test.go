package unit

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CoyAce/duplex/internal/audio"
)

var errInjected = errors.New("injected failure")

// fakeDSP counts and records every call made by the pipeline. Processors
// pass audio through unchanged.
type fakeDSP struct {
	mu    sync.Mutex
	calls []string

	created atomic.Int32
	closed  atomic.Int32

	// failNSAt makes the n-th noise suppressor creation fail (1-based).
	failNSAt int32
	nsMade   atomic.Int32
	// nsErr is returned from every NoiseSuppressor.Process call.
	nsErr error

	aecDelay       time.Duration
	inProcess      atomic.Bool
	closedInFlight atomic.Bool
	echo           bool
}

func (f *fakeDSP) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeDSP) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeDSP) release() error {
	if f.inProcess.Load() {
		f.closedInFlight.Store(true)
	}
	f.closed.Add(1)
	return nil
}

func (f *fakeDSP) NewEchoCanceller(sampleRate, referenceRate int) (audio.EchoCanceller, error) {
	f.created.Add(1)
	return &fakeAEC{f: f}, nil
}

func (f *fakeDSP) NewNoiseSuppressor(bandRate int, policy audio.Policy) (audio.NoiseSuppressor, error) {
	if n := f.nsMade.Add(1); n == f.failNSAt {
		return nil, errInjected
	}
	f.created.Add(1)
	return &fakeNS{f: f}, nil
}

func (f *fakeDSP) NewGainController(minLevel, maxLevel int32, mode audio.GainMode, bandRate int) (audio.GainController, error) {
	f.created.Add(1)
	return &fakeAGC{f: f}, nil
}

type fakeAEC struct{ f *fakeDSP }

func (a *fakeAEC) BufferFarEnd(far []int16) error {
	a.f.record("far")
	return nil
}

func (a *fakeAEC) Process(nearLo, nearHi, outLo, outHi []int16, delayMs int) error {
	a.f.inProcess.Store(true)
	defer a.f.inProcess.Store(false)
	a.f.record("aec")
	if a.f.aecDelay > 0 {
		time.Sleep(a.f.aecDelay)
	}
	copy(outLo, nearLo)
	copy(outHi, nearHi)
	return nil
}

func (a *fakeAEC) EchoStatus() (bool, error) {
	a.f.record("status")
	return a.f.echo, nil
}

// fakeERLE is what every fake canceller reports.
const fakeERLE = 12.5

func (a *fakeAEC) ERLE() float32 { return fakeERLE }

func (a *fakeAEC) Close() error { return a.f.release() }

type fakeNS struct{ f *fakeDSP }

func (n *fakeNS) Process(inLo, inHi, outLo, outHi []int16) error {
	n.f.record("ns")
	if n.f.nsErr != nil {
		return n.f.nsErr
	}
	copy(outLo, inLo)
	copy(outHi, inHi)
	return nil
}

func (n *fakeNS) Close() error { return n.f.release() }

type fakeAGC struct{ f *fakeDSP }

func (g *fakeAGC) AddMic(lo, hi []int16) error {
	g.f.record("mic")
	return nil
}

func (g *fakeAGC) Process(lo, hi, outLo, outHi []int16, levelIn int32, echo bool) (int32, bool, error) {
	g.f.record("agc")
	copy(outLo, lo)
	copy(outHi, hi)
	return levelIn + 1, false, nil
}

func (g *fakeAGC) Close() error { return g.f.release() }
