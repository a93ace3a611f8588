package pagetable

import "sync"

// Installer is the hook PageTable.EnableLow/EnableHigh calls to perform
// the actual hardware root-register switch plus full TLB flush
// (spec.md §4.2). Real boot code wires this to the arch's CSR/MMU
// instructions; this module only needs to observe that the call
// happened, so RecordingInstaller below is the implementation used by
// everything except real hardware bring-up.
type Installer interface {
	InstallLow(Token)
	InstallHigh(Token)
}

// RecordingInstaller is a trivial Installer that remembers the last
// token installed on each half, for tests and for the kernel VM space
// to read back what is "currently active" without needing real CPU
// registers.
type RecordingInstaller struct {
	mu    sync.Mutex
	Low   Token
	High  Token
	haveL bool
	haveH bool
}

func (r *RecordingInstaller) InstallLow(t Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Low, r.haveL = t, true
}

func (r *RecordingInstaller) InstallHigh(t Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.High, r.haveH = t, true
}

func (r *RecordingInstaller) CurrentLow() (Token, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Low, r.haveL
}

func (r *RecordingInstaller) CurrentHigh() (Token, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.High, r.haveH
}
