// This file implements the BDOS functions, which provide the meat of
// the system-call layer: console I/O, drive selection, and all the
// FCB-based file operations.
//
// Handlers receive the emulator object, pull their arguments from the
// guest's registers and memory, and reflect results back the same
// way.  A handler returning a non-nil error aborts the whole run, so
// guest-visible failures set the A register instead.

package cpm

import (
	"fmt"
	"log/slog"

	"github.com/cpmbox/cpmbox/drive"
	"github.com/cpmbox/cpmbox/fcb"
)

// setResult sets the single-byte result of a syscall, which the guest
// may read from either A or L.
func (c *CPM) setResult(val uint8) {
	c.CPU.States.AF.Hi = val
	c.CPU.States.HL.Lo = val
}

// setResultU16 sets a two-byte result, which the guest may read from
// HL or from the B/A pair.
func (c *CPM) setResultU16(val uint16) {
	c.CPU.States.HL.SetU16(val)
	c.CPU.States.BC.Hi = uint8(val >> 8)
	c.CPU.States.AF.Hi = uint8(val & 0xFF)
}

// fcbAt reads the FCB the guest passed in DE.
func (c *CPM) fcbAt(addr uint16) fcb.FCB {
	return fcb.FromBytes(c.Memory.GetRange(addr, fcb.Size))
}

// driveFor resolves an FCB's drive field, honouring "0 means the
// current drive", and returns the storage mounted there.
func (c *CPM) driveFor(f *fcb.FCB) (uint8, drive.Drive, bool) {
	n := c.currentDrive
	if f.Drive != 0 {
		n = f.Drive - 1
	}
	if n > 15 || c.drives[n] == nil {
		return n, nil, false
	}
	return n, c.drives[n], true
}

// fileFor returns the open-file entry an FCB's handle cookie refers
// to, if the cookie is intact and the handle is live.
func (c *CPM) fileFor(f *fcb.FCB) (*openFile, bool) {
	handle, ok := f.GetHandle()
	if !ok {
		return nil, false
	}
	of, ok := c.files[handle]
	return of, ok
}

// SysCallExit terminates the program; BDOS function 0 is equivalent to
// jumping to the warm-boot vector.
func SysCallExit(cpm *CPM) error {
	return errWarmBoot
}

// SysCallReadChar reads a single character from the console, with
// echo.  The dispatcher guarantees input is waiting before we're
// invoked.
func SysCallReadChar(cpm *CPM) error {
	ch, err := cpm.con.GetCharacter()
	if err != nil {
		return fmt.Errorf("error reading console %s", err)
	}

	cpm.con.PutCharacter(ch)
	cpm.setResult(ch)
	return nil
}

// SysCallWriteChar writes the character in E to the console.
func SysCallWriteChar(cpm *CPM) error {
	cpm.con.PutCharacter(cpm.CPU.States.DE.Lo)
	cpm.setResult(StatusOK)
	return nil
}

// SysCallAuxRead reads a character from the auxiliary device, which we
// map to the console, without echo.
func SysCallAuxRead(cpm *CPM) error {
	ch, err := cpm.con.GetCharacter()
	if err != nil {
		return fmt.Errorf("error reading console %s", err)
	}
	cpm.setResult(ch)
	return nil
}

// SysCallAuxWrite writes the character in E to the auxiliary device,
// which we map to the console.
func SysCallAuxWrite(cpm *CPM) error {
	cpm.con.PutCharacter(cpm.CPU.States.DE.Lo)
	cpm.setResult(StatusOK)
	return nil
}

// SysCallPrinterWrite writes the character in E to the printer, which
// we map to the console.
func SysCallPrinterWrite(cpm *CPM) error {
	cpm.con.PutCharacter(cpm.CPU.States.DE.Lo)
	cpm.setResult(StatusOK)
	return nil
}

// SysCallRawIO handles raw console I/O: output if E is a character,
// polled input if E is 0xFF, status if E is 0xFE.
//
// Raw input never blocks; when nothing is waiting the guest gets a
// zero back and is expected to poll again.
func SysCallRawIO(cpm *CPM) error {
	e := cpm.CPU.States.DE.Lo

	switch e {
	case 0xFF:
		if cpm.con.Ready() {
			ch, err := cpm.con.GetCharacter()
			if err != nil {
				return fmt.Errorf("error reading console %s", err)
			}
			cpm.setResult(ch)
		} else {
			cpm.setResult(0x00)
		}
	case 0xFE:
		if cpm.con.Ready() {
			cpm.setResult(0xFF)
		} else {
			cpm.setResult(0x00)
		}
	default:
		cpm.con.PutCharacter(e)
		cpm.setResult(StatusOK)
	}
	return nil
}

// SysCallGetIOByte returns the IOBYTE.
func SysCallGetIOByte(cpm *CPM) error {
	cpm.setResult(cpm.Memory.Get(IOByteAddr))
	return nil
}

// SysCallSetIOByte stores E as the IOBYTE.
func SysCallSetIOByte(cpm *CPM) error {
	cpm.Memory.Set(IOByteAddr, cpm.CPU.States.DE.Lo)
	cpm.setResult(StatusOK)
	return nil
}

// SysCallWriteString writes the $-terminated string pointed to by DE
// to the console.
//
// The scan is capped at one full trip around the address space, so a
// guest that passes a string with no terminator still completes in one
// bounded step.
func SysCallWriteString(cpm *CPM) error {
	addr := cpm.CPU.States.DE.U16()

	for count := 0; count < 65536; count++ {
		ch := cpm.Memory.Get(addr)
		if ch == '$' {
			break
		}
		cpm.con.PutCharacter(ch)
		addr++
	}

	cpm.setResult(StatusOK)
	return nil
}

// SysCallReadString reads a line of input into the buffer pointed to
// by DE: the first byte holds the capacity, we store the length in the
// second and the characters after that.
//
// Input is edited: backspace removes the last character, and carriage
// return or newline ends the line.  The dispatcher only invokes us
// once the first character is waiting; if the console runs dry
// mid-line we treat the line as complete, rather than stalling.
func SysCallReadString(cpm *CPM) error {
	addr := cpm.CPU.States.DE.U16()
	max := cpm.Memory.Get(addr)

	text := ""

	for {
		ch, err := cpm.con.GetCharacter()
		if err != nil {
			break
		}

		if ch == '\r' || ch == '\n' {
			break
		}

		// Backspace / delete.
		if ch == 0x08 || ch == 0x7F {
			if len(text) > 0 {
				text = text[:len(text)-1]
				cpm.con.PutCharacter(0x08)
				cpm.con.PutCharacter(' ')
				cpm.con.PutCharacter(0x08)
			}
			continue
		}

		if len(text) < int(max) {
			text += string(ch)
			cpm.con.PutCharacter(ch)
		}
	}

	cpm.Memory.Set(addr+1, uint8(len(text)))
	cpm.Memory.PutRange(addr+2, []uint8(text)...)

	cpm.setResult(StatusOK)
	return nil
}

// SysCallConsoleStatus reports whether console input is waiting.
func SysCallConsoleStatus(cpm *CPM) error {
	if cpm.con.Ready() {
		cpm.setResult(0xFF)
	} else {
		cpm.setResult(0x00)
	}
	return nil
}

// SysCallBDOSVersion returns the BDOS version; we're CP/M 2.2.
func SysCallBDOSVersion(cpm *CPM) error {
	cpm.setResultU16(0x0022)
	return nil
}

// SysCallDriveAllReset resets the disk system: the DMA address goes
// back to the default, and any open files are forgotten.
func SysCallDriveAllReset(cpm *CPM) error {
	cpm.dma = DefaultDMA
	cpm.flushFiles()
	cpm.setResult(StatusOK)
	return nil
}

// SysCallDriveSet selects the drive in E as the default.
func SysCallDriveSet(cpm *CPM) error {
	cpm.SetCurrentDrive(cpm.CPU.States.DE.Lo & 0x0F)
	cpm.setResult(StatusOK)
	return nil
}

// SysCallFileOpen opens the file named by the FCB pointed to by DE.
//
// The whole file is read into our open-file table; the handle is
// stashed in the FCB's allocation bytes, where later record I/O will
// find it.
func SysCallFileOpen(cpm *CPM) error {
	ptr := cpm.CPU.States.DE.U16()
	f := cpm.fcbAt(ptr)

	num, d, ok := cpm.driveFor(&f)
	if !ok {
		cpm.Logger.Debug("open on unmounted drive",
			slog.Int("drive", int(num)))
		cpm.setResult(StatusError)
		return nil
	}

	name := f.GetFileName()
	data, exists := d.Read(name)
	if !exists {
		cpm.setResult(StatusError)
		return nil
	}

	handle := cpm.nextHandle
	cpm.nextHandle++
	cpm.files[handle] = &openFile{
		drive: num,
		name:  name,
		data:  append([]uint8(nil), data...),
	}

	f.SetHandle(handle)

	// Record-count of the current (first) extent.
	records := (len(data) + RecordSize - 1) / RecordSize
	if records > 128 {
		records = 128
	}
	f.RC = uint8(records)

	cpm.Memory.PutRange(ptr, f.AsBytes()...)
	cpm.setResult(StatusOK)
	return nil
}

// SysCallFileClose closes the file referred to by the FCB pointed to
// by DE, flushing any writes back to the drive.
func SysCallFileClose(cpm *CPM) error {
	ptr := cpm.CPU.States.DE.U16()
	f := cpm.fcbAt(ptr)

	of, ok := cpm.fileFor(&f)
	if !ok {
		cpm.setResult(StatusError)
		return nil
	}

	if of.dirty {
		d := cpm.drives[of.drive]
		if d == nil {
			cpm.setResult(StatusError)
			return nil
		}
		if err := d.Write(of.name, of.data); err != nil {
			cpm.Logger.Error("failed to write file on close",
				slog.String("name", of.name),
				slog.String("error", err.Error()))
			cpm.setResult(StatusError)
			return nil
		}
	}

	handle, _ := f.GetHandle()
	delete(cpm.files, handle)

	f.ClearHandle()
	cpm.Memory.PutRange(ptr, f.AsBytes()...)
	cpm.setResult(StatusOK)
	return nil
}

// dirResult stores a directory entry for the matched name in the DMA
// area and returns the in-buffer index the guest expects in A.
func (c *CPM) dirResult(name string) uint8 {
	entry := make([]uint8, 32)

	x := fcb.FromString(name)
	copy(entry[1:9], x.Name[:])
	copy(entry[9:12], x.Type[:])

	c.Memory.FillRange(c.dma, 4*32, 0xE5)
	c.Memory.PutRange(c.dma, entry...)
	return 0
}

// SysCallFindFirst begins a directory search for the pattern in the
// FCB pointed to by DE; "?" in the pattern matches any character.
func SysCallFindFirst(cpm *CPM) error {
	ptr := cpm.CPU.States.DE.U16()
	f := cpm.fcbAt(ptr)

	_, d, ok := cpm.driveFor(&f)
	if !ok {
		cpm.setResult(StatusError)
		return nil
	}

	cpm.search = searchState{
		active:  true,
		pattern: f,
		names:   d.List(),
	}

	return SysCallFindNext(cpm)
}

// SysCallFindNext returns the next match of the pattern given to
// Search-First, or 0xFF when the matches are exhausted.
func SysCallFindNext(cpm *CPM) error {
	if !cpm.search.active {
		cpm.setResult(StatusError)
		return nil
	}

	for cpm.search.offset < len(cpm.search.names) {
		name := cpm.search.names[cpm.search.offset]
		cpm.search.offset++

		x := fcb.FromString(name)
		if x.Matches(&cpm.search.pattern) {
			cpm.setResult(cpm.dirResult(name))
			return nil
		}
	}

	cpm.search.active = false
	cpm.setResult(StatusError)
	return nil
}

// SysCallDeleteFile deletes every file matching the (possibly
// wildcard) pattern in the FCB pointed to by DE.
func SysCallDeleteFile(cpm *CPM) error {
	ptr := cpm.CPU.States.DE.U16()
	f := cpm.fcbAt(ptr)

	_, d, ok := cpm.driveFor(&f)
	if !ok {
		cpm.setResult(StatusError)
		return nil
	}

	removed := false
	for _, name := range d.List() {
		x := fcb.FromString(name)
		if x.Matches(&f) {
			if d.Delete(name) {
				removed = true
			}
		}
	}

	if removed {
		cpm.setResult(StatusOK)
	} else {
		cpm.setResult(StatusError)
	}
	return nil
}

// readRecord copies one record from the open file into the DMA area,
// zero-padding a short final record.  It returns the guest status.
func (c *CPM) readRecord(of *openFile, record uint32) uint8 {
	offset := int(record) * RecordSize
	if offset >= len(of.data) {
		return StatusEOF
	}

	buf := make([]uint8, RecordSize)
	copy(buf, of.data[offset:])
	c.Memory.PutRange(c.dma, buf...)
	return StatusOK
}

// writeRecord copies one record from the DMA area into the open file,
// zero-extending the file if the record lies past the current end.
func (c *CPM) writeRecord(of *openFile, record uint32) uint8 {
	offset := int(record) * RecordSize

	if need := offset + RecordSize; need > len(of.data) {
		of.data = append(of.data, make([]uint8, need-len(of.data))...)
	}

	copy(of.data[offset:offset+RecordSize], c.Memory.GetRange(c.dma, RecordSize))
	of.dirty = true
	return StatusOK
}

// SysCallRead reads the next sequential record from the file referred
// to by the FCB pointed to by DE.
func SysCallRead(cpm *CPM) error {
	ptr := cpm.CPU.States.DE.U16()
	f := cpm.fcbAt(ptr)

	of, ok := cpm.fileFor(&f)
	if !ok {
		cpm.setResult(StatusError)
		return nil
	}

	record := f.SequentialRecord()
	res := cpm.readRecord(of, record)
	if res == StatusOK {
		f.SetSequentialRecord(record + 1)
		cpm.Memory.PutRange(ptr, f.AsBytes()...)
	}

	cpm.setResult(res)
	return nil
}

// SysCallWrite writes the next sequential record to the file referred
// to by the FCB pointed to by DE.
func SysCallWrite(cpm *CPM) error {
	ptr := cpm.CPU.States.DE.U16()
	f := cpm.fcbAt(ptr)

	of, ok := cpm.fileFor(&f)
	if !ok {
		cpm.setResult(StatusError)
		return nil
	}

	record := f.SequentialRecord()
	res := cpm.writeRecord(of, record)
	if res == StatusOK {
		f.SetSequentialRecord(record + 1)
		cpm.Memory.PutRange(ptr, f.AsBytes()...)
	}

	cpm.setResult(res)
	return nil
}

// SysCallMakeFile creates the file named by the FCB pointed to by DE,
// truncating any existing file of that name, and leaves it open.
func SysCallMakeFile(cpm *CPM) error {
	ptr := cpm.CPU.States.DE.U16()
	f := cpm.fcbAt(ptr)

	num, d, ok := cpm.driveFor(&f)
	if !ok {
		cpm.setResult(StatusError)
		return nil
	}

	name := f.GetFileName()

	// Creating the file immediately, rather than waiting for the
	// close, means Search-First sees it right away.
	if err := d.Write(name, []uint8{}); err != nil {
		cpm.Logger.Error("failed to create file",
			slog.String("name", name),
			slog.String("error", err.Error()))
		cpm.setResult(StatusError)
		return nil
	}

	handle := cpm.nextHandle
	cpm.nextHandle++
	cpm.files[handle] = &openFile{
		drive: num,
		name:  name,
	}

	f.SetHandle(handle)
	f.RC = 0

	cpm.Memory.PutRange(ptr, f.AsBytes()...)
	cpm.setResult(StatusOK)
	return nil
}

// SysCallRenameFile renames a file: DE points to an FCB holding the
// old name, with the new name in the second half of the same block.
func SysCallRenameFile(cpm *CPM) error {
	ptr := cpm.CPU.States.DE.U16()
	oldFCB := cpm.fcbAt(ptr)
	newFCB := cpm.fcbAt(ptr + 16)

	_, d, ok := cpm.driveFor(&oldFCB)
	if !ok {
		cpm.setResult(StatusError)
		return nil
	}

	oldName := oldFCB.GetFileName()
	newName := newFCB.GetFileName()

	data, exists := d.Read(oldName)
	if !exists {
		cpm.setResult(StatusError)
		return nil
	}

	if err := d.Write(newName, data); err != nil {
		cpm.setResult(StatusError)
		return nil
	}
	d.Delete(oldName)

	cpm.setResult(StatusOK)
	return nil
}

// SysCallLoginVec returns the bitmap of mounted drives in HL.
func SysCallLoginVec(cpm *CPM) error {
	var vec uint16
	for i := 0; i < 16; i++ {
		if cpm.drives[i] != nil {
			vec |= 1 << i
		}
	}
	cpm.setResultU16(vec)
	return nil
}

// SysCallDriveGet returns the currently selected drive.
func SysCallDriveGet(cpm *CPM) error {
	cpm.setResult(cpm.currentDrive)
	return nil
}

// SysCallSetDMA updates the address record I/O transfers through.
func SysCallSetDMA(cpm *CPM) error {
	cpm.dma = cpm.CPU.States.DE.U16()
	cpm.setResult(StatusOK)
	return nil
}

// SysCallDriveAlloc returns the address of the allocation bitmap; we
// don't emulate disk blocks, so there isn't one.
func SysCallDriveAlloc(cpm *CPM) error {
	cpm.setResultU16(0x0000)
	return nil
}

// SysCallROVec returns the read-only drive bitmap; no drive is marked
// read-only at this level, write failures surface per-operation.
func SysCallROVec(cpm *CPM) error {
	cpm.setResultU16(0x0000)
	return nil
}

// SysCallGetDriveDPB returns the address of the drive's disk parameter
// block; we have no real disk geometry to describe.
func SysCallGetDriveDPB(cpm *CPM) error {
	cpm.setResultU16(0x0000)
	return nil
}

// SysCallUserNumber gets, or sets, the current user number.
func SysCallUserNumber(cpm *CPM) error {
	e := cpm.CPU.States.DE.Lo

	if e == 0xFF {
		cpm.setResult(cpm.userNumber)
		return nil
	}

	cpm.userNumber = e & 0x0F
	cpm.setResult(StatusOK)
	return nil
}

// SysCallReadRand reads the record named by the FCB's random-record
// field, and repositions the sequential pointer to match.
func SysCallReadRand(cpm *CPM) error {
	ptr := cpm.CPU.States.DE.U16()
	f := cpm.fcbAt(ptr)

	of, ok := cpm.fileFor(&f)
	if !ok {
		cpm.setResult(StatusError)
		return nil
	}

	record := f.RandomRecord()
	res := cpm.readRecord(of, record)
	if res == StatusOK {
		f.SetSequentialRecord(record)
		cpm.Memory.PutRange(ptr, f.AsBytes()...)
	}

	cpm.setResult(res)
	return nil
}

// SysCallWriteRand writes the record named by the FCB's random-record
// field, zero-filling any gap this leaves, and repositions the
// sequential pointer to match.
func SysCallWriteRand(cpm *CPM) error {
	ptr := cpm.CPU.States.DE.U16()
	f := cpm.fcbAt(ptr)

	of, ok := cpm.fileFor(&f)
	if !ok {
		cpm.setResult(StatusError)
		return nil
	}

	record := f.RandomRecord()
	res := cpm.writeRecord(of, record)
	if res == StatusOK {
		f.SetSequentialRecord(record)
		cpm.Memory.PutRange(ptr, f.AsBytes()...)
	}

	cpm.setResult(res)
	return nil
}

// SysCallFileSize stores the file's size, in 128-byte records, into
// the FCB's random-record field.
func SysCallFileSize(cpm *CPM) error {
	ptr := cpm.CPU.States.DE.U16()
	f := cpm.fcbAt(ptr)

	var size int

	if of, ok := cpm.fileFor(&f); ok {
		size = len(of.data)
	} else {
		_, d, ok := cpm.driveFor(&f)
		if !ok {
			cpm.setResult(StatusError)
			return nil
		}
		data, exists := d.Read(f.GetFileName())
		if !exists {
			cpm.setResult(StatusError)
			return nil
		}
		size = len(data)
	}

	records := uint32((size + RecordSize - 1) / RecordSize)
	f.SetRandomRecord(records)
	cpm.Memory.PutRange(ptr, f.AsBytes()...)

	cpm.setResult(StatusOK)
	return nil
}

// SysCallSetRandRecord copies the sequential position into the FCB's
// random-record field.
func SysCallSetRandRecord(cpm *CPM) error {
	ptr := cpm.CPU.States.DE.U16()
	f := cpm.fcbAt(ptr)

	f.SetRandomRecord(f.SequentialRecord())
	cpm.Memory.PutRange(ptr, f.AsBytes()...)

	cpm.setResult(StatusOK)
	return nil
}

// SysCallNoOp succeeds without doing anything, for the handful of
// disk-housekeeping calls that have no meaning without real disks.
func SysCallNoOp(cpm *CPM) error {
	cpm.setResult(StatusOK)
	return nil
}
