// Package limits implements the system-wide resource budgets every
// subsystem enforces a hard cap against rather than growing
// unbounded, adapted from Biscuit's Sysatomic_t: an atomically-updated
// Take/Give counter guarding a single budget.
//
// Biscuit's Syslimit_t carried TCP/ARP/route/pipe/vnode counters for
// subsystems this kernel has no equivalent of (networking and a
// general-purpose VFS are both out of scope here); those fields are
// dropped rather than carried as dead weight, leaving the three
// budgets this kernel's subsystems actually enforce.
package limits

import "sync/atomic"

// / Sysatomic_t is a numeric budget that can be atomically taken from
// / and given back to, the same Take/Give contract Biscuit's
// / Sysatomic_t exposes.
type Sysatomic_t int64

// / Taken tries to decrement the budget by n, returning false (and
// / leaving the budget unchanged) if doing so would drive it negative.
func (s *Sysatomic_t) Taken(n int64) bool {
	if atomic.AddInt64((*int64)(s), -n) >= 0 {
		return true
	}
	atomic.AddInt64((*int64)(s), n)
	return false
}

// / Given increases the budget by n, used when a caller releases the
// / resource it had taken.
func (s *Sysatomic_t) Given(n int64) {
	atomic.AddInt64((*int64)(s), n)
}

// / Take/Give are the n=1 shorthand the per-process and per-handle
// / caps use.
func (s *Sysatomic_t) Take() bool { return s.Taken(1) }
func (s *Sysatomic_t) Give()      { s.Given(1) }

// / Remaining reports the budget currently available, for diagnostics.
func (s *Sysatomic_t) Remaining() int64 { return atomic.LoadInt64((*int64)(s)) }

// / Syslimit_t is the set of budgets this kernel simulation enforces.
type Syslimit_t struct {
	// Procs bounds concurrently-spawned processes.
	Procs Sysatomic_t
	// Handles bounds occupied handle-table slots summed over every
	// process's table.
	Handles Sysatomic_t
	// Blocks bounds the FAT32 server's cached disk blocks.
	Blocks Sysatomic_t
}

// / Syslimit holds the process-wide default budgets, mirroring
// / Biscuit's package-level Syslimit variable.
var Syslimit = MkSysLimit()

// / MkSysLimit returns a fresh set of default budgets, sized for a
// / simulated single-machine kernel rather than Biscuit's
// / real-hardware figures.
func MkSysLimit() *Syslimit_t {
	return &Syslimit_t{
		Procs:   1024,
		Handles: 4096,
		Blocks:  65536,
	}
}
