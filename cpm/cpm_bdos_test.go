package cpm

import (
	"bytes"
	"testing"

	"github.com/cpmbox/cpmbox/drive"
	"github.com/cpmbox/cpmbox/fcb"
)

// mustFCB returns the in-memory form of an FCB for the given name.
func mustFCB(name string) []uint8 {
	x := fcb.FromString(name)
	return x.AsBytes()
}

// newDiskCPM returns a booted machine with a RAM drive mounted as A:.
func newDiskCPM(t *testing.T) (*CPM, *drive.RAMDrive) {
	t.Helper()

	obj, _ := newTestCPM()
	ram := drive.NewRAMDrive()
	if err := obj.MountDrive(0, ram); err != nil {
		t.Fatalf("mount failed: %s", err)
	}
	obj.ColdBoot()
	return obj, ram
}

// callWithFCB plants an FCB in guest memory, points DE at it, and
// invokes the handler, returning the guest-visible result.
func callWithFCB(t *testing.T, obj *CPM, addr uint16, f []uint8, fn HandlerType) uint8 {
	t.Helper()

	obj.Memory.PutRange(addr, f...)
	obj.CPU.States.DE.SetU16(addr)
	if err := fn(obj); err != nil {
		t.Fatalf("handler failed: %s", err)
	}
	return obj.CPU.States.AF.Hi
}

// TestFileOpenMissing confirms opening an absent file fails.
func TestFileOpenMissing(t *testing.T) {
	obj, _ := newDiskCPM(t)

	res := callWithFCB(t, obj, 0x1000, mustFCB("NOPE.TXT"), SysCallFileOpen)
	if res != StatusError {
		t.Fatalf("open of a missing file returned %02X", res)
	}
}

// TestSequentialRead reads a 300-byte file: two full records, then a
// zero-padded partial one, then end-of-file.
func TestSequentialRead(t *testing.T) {
	obj, ram := newDiskCPM(t)

	content := bytes.Repeat([]uint8{0xAA}, 300)
	ram.Add("TEST.TXT", content)

	if res := callWithFCB(t, obj, 0x1000, mustFCB("TEST.TXT"), SysCallFileOpen); res != StatusOK {
		t.Fatalf("open failed: %02X", res)
	}

	read := func() uint8 {
		obj.CPU.States.DE.SetU16(0x1000)
		if err := SysCallRead(obj); err != nil {
			t.Fatalf("read failed: %s", err)
		}
		return obj.CPU.States.AF.Hi
	}

	// Two full records.
	for n := 0; n < 2; n++ {
		if res := read(); res != StatusOK {
			t.Fatalf("record %d returned %02X", n, res)
		}
		got := obj.Memory.GetRange(obj.dma, RecordSize)
		if !bytes.Equal(got, content[n*RecordSize:(n+1)*RecordSize]) {
			t.Fatalf("record %d content was wrong", n)
		}
	}

	// The partial record: 44 real bytes, zero padding after.
	if res := read(); res != StatusOK {
		t.Fatalf("final record returned %02X", res)
	}
	got := obj.Memory.GetRange(obj.dma, RecordSize)
	if !bytes.Equal(got[:44], content[256:300]) {
		t.Fatalf("final record content was wrong")
	}
	for i := 44; i < RecordSize; i++ {
		if got[i] != 0x00 {
			t.Fatalf("padding byte %d was %02X", i, got[i])
		}
	}

	// And then we're done.
	if res := read(); res != StatusEOF {
		t.Fatalf("read past EOF returned %02X", res)
	}
}

// TestMakeWriteClose creates a file, writes two records, and confirms
// the drive holds the bytes after the close.
func TestMakeWriteClose(t *testing.T) {
	obj, ram := newDiskCPM(t)

	if res := callWithFCB(t, obj, 0x1000, mustFCB("NEW.DAT"), SysCallMakeFile); res != StatusOK {
		t.Fatalf("make failed: %02X", res)
	}

	// F_MAKE must be visible to a directory search immediately.
	if !ram.Exists("NEW.DAT") {
		t.Fatalf("created file not present on the drive")
	}

	for n := 0; n < 2; n++ {
		obj.Memory.FillRange(obj.dma, RecordSize, uint8('A'+n))
		obj.CPU.States.DE.SetU16(0x1000)
		if err := SysCallWrite(obj); err != nil {
			t.Fatalf("write failed: %s", err)
		}
		if obj.CPU.States.AF.Hi != StatusOK {
			t.Fatalf("write %d returned %02X", n, obj.CPU.States.AF.Hi)
		}
	}

	obj.CPU.States.DE.SetU16(0x1000)
	if err := SysCallFileClose(obj); err != nil {
		t.Fatalf("close failed: %s", err)
	}

	data, exists := ram.Read("NEW.DAT")
	if !exists {
		t.Fatalf("file missing after close")
	}
	if len(data) != 2*RecordSize {
		t.Fatalf("file length %d", len(data))
	}
	if data[0] != 'A' || data[RecordSize] != 'B' {
		t.Fatalf("file content was wrong")
	}

	// The handle was cleared by the close.
	f := fcb.FromBytes(obj.Memory.GetRange(0x1000, fcb.Size))
	if _, ok := f.GetHandle(); ok {
		t.Fatalf("close left the handle live")
	}
}

// TestScribbledHandle confirms record I/O against an FCB whose
// allocation bytes were overwritten fails rather than touching
// somebody else's file.
func TestScribbledHandle(t *testing.T) {
	obj, ram := newDiskCPM(t)
	ram.Add("TEST.TXT", make([]uint8, RecordSize))

	if res := callWithFCB(t, obj, 0x1000, mustFCB("TEST.TXT"), SysCallFileOpen); res != StatusOK {
		t.Fatalf("open failed: %02X", res)
	}

	// Scribble over the allocation bytes.
	obj.Memory.FillRange(0x1000+16, 4, 0x42)

	obj.CPU.States.DE.SetU16(0x1000)
	if err := SysCallRead(obj); err != nil {
		t.Fatalf("read failed: %s", err)
	}
	if obj.CPU.States.AF.Hi != StatusError {
		t.Fatalf("read through a scribbled FCB succeeded")
	}
}

// TestRandomReadWrite covers the random-record calls, including the
// zero-filled gap a far write leaves behind.
func TestRandomReadWrite(t *testing.T) {
	obj, ram := newDiskCPM(t)

	if res := callWithFCB(t, obj, 0x1000, mustFCB("RAND.DAT"), SysCallMakeFile); res != StatusOK {
		t.Fatalf("make failed: %02X", res)
	}

	// Write record 4 of an empty file.
	f := fcb.FromBytes(obj.Memory.GetRange(0x1000, fcb.Size))
	f.SetRandomRecord(4)
	obj.Memory.PutRange(0x1000, f.AsBytes()...)

	obj.Memory.FillRange(obj.dma, RecordSize, 'Z')
	obj.CPU.States.DE.SetU16(0x1000)
	if err := SysCallWriteRand(obj); err != nil {
		t.Fatalf("random write failed: %s", err)
	}
	if obj.CPU.States.AF.Hi != StatusOK {
		t.Fatalf("random write returned %02X", obj.CPU.States.AF.Hi)
	}

	obj.CPU.States.DE.SetU16(0x1000)
	if err := SysCallFileClose(obj); err != nil {
		t.Fatalf("close failed: %s", err)
	}

	data, _ := ram.Read("RAND.DAT")
	if len(data) != 5*RecordSize {
		t.Fatalf("file length %d", len(data))
	}
	// Records 0-3 are the gap, zero-filled.
	for i := 0; i < 4*RecordSize; i++ {
		if data[i] != 0x00 {
			t.Fatalf("gap byte %d was %02X", i, data[i])
		}
	}
	if data[4*RecordSize] != 'Z' {
		t.Fatalf("written record was wrong")
	}

	// Read record 4 back through the random path.
	if res := callWithFCB(t, obj, 0x2000, mustFCB("RAND.DAT"), SysCallFileOpen); res != StatusOK {
		t.Fatalf("reopen failed: %02X", res)
	}
	f = fcb.FromBytes(obj.Memory.GetRange(0x2000, fcb.Size))
	f.SetRandomRecord(4)
	obj.Memory.PutRange(0x2000, f.AsBytes()...)

	obj.CPU.States.DE.SetU16(0x2000)
	if err := SysCallReadRand(obj); err != nil {
		t.Fatalf("random read failed: %s", err)
	}
	if obj.CPU.States.AF.Hi != StatusOK {
		t.Fatalf("random read returned %02X", obj.CPU.States.AF.Hi)
	}
	if obj.Memory.Get(obj.dma) != 'Z' {
		t.Fatalf("random read returned the wrong record")
	}

	// Reading past the end reports EOF.
	f = fcb.FromBytes(obj.Memory.GetRange(0x2000, fcb.Size))
	f.SetRandomRecord(9)
	obj.Memory.PutRange(0x2000, f.AsBytes()...)
	obj.CPU.States.DE.SetU16(0x2000)
	if err := SysCallReadRand(obj); err != nil {
		t.Fatalf("random read failed: %s", err)
	}
	if obj.CPU.States.AF.Hi != StatusEOF {
		t.Fatalf("read past EOF returned %02X", obj.CPU.States.AF.Hi)
	}
}

// TestFileSize confirms F_SIZE reports the record-count, rounded up.
func TestFileSize(t *testing.T) {
	obj, ram := newDiskCPM(t)
	ram.Add("TEST.TXT", make([]uint8, 300))

	res := callWithFCB(t, obj, 0x1000, mustFCB("TEST.TXT"), SysCallFileSize)
	if res != StatusOK {
		t.Fatalf("size failed: %02X", res)
	}

	f := fcb.FromBytes(obj.Memory.GetRange(0x1000, fcb.Size))
	if f.RandomRecord() != 3 {
		t.Fatalf("size reported %d records", f.RandomRecord())
	}
}

// TestSearch walks a wildcard directory search: one match for *.TXT,
// then exhaustion.
func TestSearch(t *testing.T) {
	obj, ram := newDiskCPM(t)
	ram.Add("TEST.TXT", []uint8{1})
	ram.Add("FOO.ASM", []uint8{2})

	res := callWithFCB(t, obj, 0x1000, mustFCB("*.TXT"), SysCallFindFirst)
	if res != 0x00 {
		t.Fatalf("find-first returned %02X", res)
	}

	// The match lands in the DMA area as a directory entry.
	name := string(obj.Memory.GetRange(obj.dma+1, 11))
	if name != "TEST    TXT" {
		t.Fatalf("matched %q", name)
	}

	obj.CPU.States.DE.SetU16(0x1000)
	if err := SysCallFindNext(obj); err != nil {
		t.Fatalf("find-next failed: %s", err)
	}
	if obj.CPU.States.AF.Hi != StatusError {
		t.Fatalf("find-next found a second match")
	}

	// A fresh search for everything sees both files.
	found := 0
	res = callWithFCB(t, obj, 0x1000, mustFCB("*.*"), SysCallFindFirst)
	for res == 0x00 {
		found++
		obj.CPU.States.DE.SetU16(0x1000)
		if err := SysCallFindNext(obj); err != nil {
			t.Fatalf("find-next failed: %s", err)
		}
		res = obj.CPU.States.AF.Hi
	}
	if found != 2 {
		t.Fatalf("wildcard search found %d files", found)
	}
}

// TestDeleteWildcard confirms F_DELETE removes every match.
func TestDeleteWildcard(t *testing.T) {
	obj, ram := newDiskCPM(t)
	ram.Add("A.TXT", []uint8{1})
	ram.Add("B.TXT", []uint8{2})
	ram.Add("C.ASM", []uint8{3})

	res := callWithFCB(t, obj, 0x1000, mustFCB("*.TXT"), SysCallDeleteFile)
	if res != StatusOK {
		t.Fatalf("delete returned %02X", res)
	}

	if ram.Exists("A.TXT") || ram.Exists("B.TXT") {
		t.Fatalf("matches survived the delete")
	}
	if !ram.Exists("C.ASM") {
		t.Fatalf("non-match was deleted")
	}

	// Nothing left to match.
	res = callWithFCB(t, obj, 0x1000, mustFCB("*.TXT"), SysCallDeleteFile)
	if res != StatusError {
		t.Fatalf("empty delete returned %02X", res)
	}
}

// TestRename confirms F_RENAME moves content to the new name.
func TestRename(t *testing.T) {
	obj, ram := newDiskCPM(t)
	ram.Add("OLD.TXT", []uint8{'h', 'i'})

	// The rename FCB holds the old name, with the new name in its
	// second half.
	block := mustFCB("OLD.TXT")
	copy(block[16:], mustFCB("NEW.TXT")[:16])

	res := callWithFCB(t, obj, 0x1000, block, SysCallRenameFile)
	if res != StatusOK {
		t.Fatalf("rename returned %02X", res)
	}

	if ram.Exists("OLD.TXT") {
		t.Fatalf("old name survived")
	}
	data, exists := ram.Read("NEW.TXT")
	if !exists || string(data) != "hi" {
		t.Fatalf("content didn't move")
	}

	// Renaming something that isn't there fails.
	res = callWithFCB(t, obj, 0x1000, block, SysCallRenameFile)
	if res != StatusError {
		t.Fatalf("rename of a missing file returned %02X", res)
	}
}

// TestDriveSelect confirms FCB drive 0 follows the default drive.
func TestDriveSelect(t *testing.T) {
	obj, _ := newDiskCPM(t)

	ramB := drive.NewRAMDrive()
	ramB.Add("ONB.TXT", []uint8{1})
	if err := obj.MountDrive(1, ramB); err != nil {
		t.Fatalf("mount failed: %s", err)
	}

	// With A: selected the file can't be found.
	res := callWithFCB(t, obj, 0x1000, mustFCB("ONB.TXT"), SysCallFileOpen)
	if res != StatusError {
		t.Fatalf("file found on the wrong drive")
	}

	// Select B: and try again.
	obj.CPU.States.DE.Lo = 1
	if err := SysCallDriveSet(obj); err != nil {
		t.Fatalf("drive-set failed: %s", err)
	}
	if obj.Memory.Get(CurrentDriveAddr) != 1 {
		t.Fatalf("low memory doesn't mirror the drive")
	}

	res = callWithFCB(t, obj, 0x1000, mustFCB("ONB.TXT"), SysCallFileOpen)
	if res != StatusOK {
		t.Fatalf("open on the selected drive returned %02X", res)
	}

	// An explicit drive prefix overrides the default.
	res = callWithFCB(t, obj, 0x2000, mustFCB("A:ONB.TXT"), SysCallFileOpen)
	if res != StatusError {
		t.Fatalf("explicit drive prefix was ignored")
	}
}

// TestUserNumber covers get and set of the user number.
func TestUserNumber(t *testing.T) {
	obj, _ := newDiskCPM(t)

	obj.CPU.States.DE.Lo = 0xFF
	if err := SysCallUserNumber(obj); err != nil {
		t.Fatalf("get failed: %s", err)
	}
	if obj.CPU.States.AF.Hi != 0 {
		t.Fatalf("initial user number %d", obj.CPU.States.AF.Hi)
	}

	obj.CPU.States.DE.Lo = 5
	if err := SysCallUserNumber(obj); err != nil {
		t.Fatalf("set failed: %s", err)
	}

	obj.CPU.States.DE.Lo = 0xFF
	if err := SysCallUserNumber(obj); err != nil {
		t.Fatalf("get failed: %s", err)
	}
	if obj.CPU.States.AF.Hi != 5 {
		t.Fatalf("user number %d after set", obj.CPU.States.AF.Hi)
	}
}

// TestIOByte covers get and set of the IOBYTE.
func TestIOByte(t *testing.T) {
	obj, _ := newDiskCPM(t)

	if err := SysCallGetIOByte(obj); err != nil {
		t.Fatalf("get failed: %s", err)
	}
	if obj.CPU.States.AF.Hi != 0 {
		t.Fatalf("initial IOBYTE %d", obj.CPU.States.AF.Hi)
	}

	obj.CPU.States.DE.Lo = 0x95
	if err := SysCallSetIOByte(obj); err != nil {
		t.Fatalf("set failed: %s", err)
	}
	if obj.Memory.Get(IOByteAddr) != 0x95 {
		t.Fatalf("IOBYTE not stored in low memory")
	}
}

// TestVersion confirms we claim to be CP/M 2.2.
func TestVersion(t *testing.T) {
	obj, _ := newDiskCPM(t)

	if err := SysCallBDOSVersion(obj); err != nil {
		t.Fatalf("version failed: %s", err)
	}
	if obj.CPU.States.HL.U16() != 0x0022 {
		t.Fatalf("version %04X", obj.CPU.States.HL.U16())
	}
}

// TestSetDMA confirms record I/O follows the DMA address.
func TestSetDMA(t *testing.T) {
	obj, ram := newDiskCPM(t)
	ram.Add("TEST.TXT", bytes.Repeat([]uint8{0x55}, RecordSize))

	obj.CPU.States.DE.SetU16(0x3000)
	if err := SysCallSetDMA(obj); err != nil {
		t.Fatalf("set-dma failed: %s", err)
	}

	if res := callWithFCB(t, obj, 0x1000, mustFCB("TEST.TXT"), SysCallFileOpen); res != StatusOK {
		t.Fatalf("open failed: %02X", res)
	}
	obj.CPU.States.DE.SetU16(0x1000)
	if err := SysCallRead(obj); err != nil {
		t.Fatalf("read failed: %s", err)
	}

	if obj.Memory.Get(0x3000) != 0x55 {
		t.Fatalf("record didn't land at the new DMA address")
	}
	if obj.Memory.Get(DefaultDMA) == 0x55 {
		t.Fatalf("record also landed at the default DMA address")
	}
}

// TestLoginVec confirms the mounted-drive bitmap.
func TestLoginVec(t *testing.T) {
	obj, _ := newDiskCPM(t)

	if err := obj.MountDrive(2, drive.NewRAMDrive()); err != nil {
		t.Fatalf("mount failed: %s", err)
	}

	if err := SysCallLoginVec(obj); err != nil {
		t.Fatalf("login-vec failed: %s", err)
	}

	// A: and C: are mounted.
	if obj.CPU.States.HL.U16() != 0x0005 {
		t.Fatalf("login vector %04X", obj.CPU.States.HL.U16())
	}
}

// TestConsoleStatus covers function 11 against a scripted console.
func TestConsoleStatus(t *testing.T) {
	obj, con := newTestCPM()
	obj.ColdBoot()

	if err := SysCallConsoleStatus(obj); err != nil {
		t.Fatalf("status failed: %s", err)
	}
	if obj.CPU.States.AF.Hi != 0x00 {
		t.Fatalf("idle console claims input")
	}

	con.QueueInput("x")
	if err := SysCallConsoleStatus(obj); err != nil {
		t.Fatalf("status failed: %s", err)
	}
	if obj.CPU.States.AF.Hi != 0xFF {
		t.Fatalf("queued input not reported")
	}
}

// TestRawIO covers the polled-input path of function 6.
func TestRawIO(t *testing.T) {
	obj, con := newTestCPM()
	obj.ColdBoot()

	// Poll with nothing queued: zero, not a stall.
	obj.CPU.States.DE.Lo = 0xFF
	if err := SysCallRawIO(obj); err != nil {
		t.Fatalf("raw poll failed: %s", err)
	}
	if obj.CPU.States.AF.Hi != 0x00 {
		t.Fatalf("empty poll returned %02X", obj.CPU.States.AF.Hi)
	}

	// Poll with input queued: the character, no echo.
	con.QueueInput("Q")
	obj.CPU.States.DE.Lo = 0xFF
	if err := SysCallRawIO(obj); err != nil {
		t.Fatalf("raw poll failed: %s", err)
	}
	if obj.CPU.States.AF.Hi != 'Q' {
		t.Fatalf("poll returned %02X", obj.CPU.States.AF.Hi)
	}
	if con.GetOutput() != "" {
		t.Fatalf("raw input echoed %q", con.GetOutput())
	}

	// Output mode.
	obj.CPU.States.DE.Lo = '!'
	if err := SysCallRawIO(obj); err != nil {
		t.Fatalf("raw output failed: %s", err)
	}
	if con.GetOutput() != "!" {
		t.Fatalf("raw output produced %q", con.GetOutput())
	}
}

// TestWriteString covers $-terminated output, including the capped
// scan when a guest supplies no terminator at all.
func TestWriteString(t *testing.T) {
	obj, con := newTestCPM()
	obj.ColdBoot()

	obj.Memory.PutRange(0x1000, []uint8("HELLO$")...)
	obj.CPU.States.DE.SetU16(0x1000)
	if err := SysCallWriteString(obj); err != nil {
		t.Fatalf("write-string failed: %s", err)
	}
	if con.GetOutput() != "HELLO" {
		t.Fatalf("output was %q", con.GetOutput())
	}

	// No '$' anywhere in memory: the scan must still terminate,
	// after at most one pass over the address space.
	con.ResetOutput()
	obj.Memory.Reset()
	obj.Memory.PutRange(0x1000, []uint8("HELLO")...)
	obj.CPU.States.DE.SetU16(0x1000)
	if err := SysCallWriteString(obj); err != nil {
		t.Fatalf("write-string failed: %s", err)
	}
	if len(con.GetOutput()) != 65536 {
		t.Fatalf("unterminated scan wrote %d bytes", len(con.GetOutput()))
	}
}

// TestReadString covers buffered line input, including backspace
// editing.
func TestReadString(t *testing.T) {
	obj, con := newTestCPM()
	obj.ColdBoot()

	con.QueueInput("DIX\x08R\r")

	obj.Memory.Set(0x1000, 32)
	obj.CPU.States.DE.SetU16(0x1000)
	if err := SysCallReadString(obj); err != nil {
		t.Fatalf("read-string failed: %s", err)
	}

	n := obj.Memory.Get(0x1001)
	line := string(obj.Memory.GetRange(0x1002, int(n)))
	if line != "DIR" {
		t.Fatalf("line was %q", line)
	}
}
