package session

import "sync"

// Ownership is the state of one device-shared resource.
type Ownership string

const (
	OwnAvailable  Ownership = "available"
	OwnController Ownership = "owned_by_controller"
	OwnDevice     Ownership = "owned_by_device"
	OwnPaused     Ownership = "paused"
)

// Ledger is the controller's authoritative record of who holds the
// microphone and the speaker. Mutations come only from the controller
// loop; the mutex exists so observers can snapshot concurrently.
type Ledger struct {
	mu       sync.Mutex
	mic      Ownership
	spk      Ownership
	violated func(cause string)
}

func NewLedger(violated func(cause string)) *Ledger {
	return &Ledger{mic: OwnAvailable, spk: OwnAvailable, violated: violated}
}

func (l *Ledger) Mic() Ownership {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mic
}

func (l *Ledger) Spk() Ownership {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.spk
}

// SetMic records a microphone ownership change. Handing the mic to the
// device while the speaker is already device-owned is a programming
// error and trips the violation hook.
func (l *Ledger) SetMic(o Ownership) {
	l.mu.Lock()
	if o == OwnDevice && l.spk == OwnDevice {
		l.mu.Unlock()
		l.violated("mic and spk both owned_by_device")
		return
	}
	l.mic = o
	l.mu.Unlock()
}

func (l *Ledger) SetSpk(o Ownership) {
	l.mu.Lock()
	if o == OwnDevice && l.mic == OwnDevice {
		l.mu.Unlock()
		l.violated("mic and spk both owned_by_device")
		return
	}
	l.spk = o
	l.mu.Unlock()
}

// ReleaseAll returns both resources to available.
func (l *Ledger) ReleaseAll() {
	l.mu.Lock()
	l.mic = OwnAvailable
	l.spk = OwnAvailable
	l.mu.Unlock()
}

// RequireIdle asserts both resources are available, as demanded on
// every entry to Idle.
func (l *Ledger) RequireIdle() {
	l.mu.Lock()
	mic, spk := l.mic, l.spk
	l.mu.Unlock()
	if mic != OwnAvailable || spk != OwnAvailable {
		l.violated("entered idle with mic=" + string(mic) + " spk=" + string(spk))
	}
}

func (l *Ledger) Snapshot() ResourceSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ResourceSnapshot{Mic: string(l.mic), Spk: string(l.spk)}
}
