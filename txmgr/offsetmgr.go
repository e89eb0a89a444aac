package txmgr

import "sync"

// OffsetMgr tracks the implicit file-position cursor shared by a file's
// do_read/do_write calls and hands out a monotonically increasing ticket
// each time one of them starts, mirroring the teacher's
// txn.Txn.GetTransId (mu-guarded counter, never reused, zero skipped so
// it can double as "no ticket").
type OffsetMgr struct {
	mu        sync.Mutex
	offset    uint64
	nextTicket uint64
}

// NewOffsetMgr constructs an OffsetMgr with the cursor at the start of
// the file.
func NewOffsetMgr() *OffsetMgr {
	return &OffsetMgr{nextTicket: 1}
}

// Acquire issues a ticket for an implicit-offset operation of count
// bytes and returns the byte offset it should read or write at,
// advancing the shared cursor by count. A read that consumes fewer bytes
// pulls the cursor back afterwards via Release.
func (om *OffsetMgr) Acquire(count uint64) (ticket, offset uint64) {
	om.mu.Lock()
	defer om.mu.Unlock()
	ticket = om.nextTicket
	om.nextTicket++
	offset = om.offset
	om.offset += count
	return ticket, offset
}

// Release corrects the cursor after a read consumed fewer bytes than
// requested (end of file), so the next implicit-offset operation starts
// exactly where this one left off.
func (om *OffsetMgr) Release(reservedEnd, actualEnd uint64) {
	om.mu.Lock()
	defer om.mu.Unlock()
	if om.offset == reservedEnd {
		om.offset = actualEnd
	}
}

// Offset returns the current implicit cursor position, used by lseek.
func (om *OffsetMgr) Offset() uint64 {
	om.mu.Lock()
	defer om.mu.Unlock()
	return om.offset
}

// Seek sets the implicit cursor to an absolute position, per the Open
// Question decision in DESIGN.md: lseek does not itself take a ticket
// and may interleave arbitrarily with concurrent implicit-offset
// read/write calls.
func (om *OffsetMgr) Seek(pos uint64) {
	om.mu.Lock()
	defer om.mu.Unlock()
	om.offset = pos
}
