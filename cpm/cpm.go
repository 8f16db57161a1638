// Package cpm is the main package for our emulator: a Z80 machine
// with 64k of RAM, whose BDOS and BIOS entry-points are trapped and
// emulated in Go rather than executed as native code.
//
// The package contains the machinery to wire up the Z80 emulator
// we're using, the syscall dispatch table, and the program lifecycle:
// cold boot, shell and transient loading, warm-boot handling, and
// exit reporting.  The syscall implementations themselves live in
// cpm_bdos.go and cpm_bios.go.
package cpm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/koron-go/z80"

	"github.com/cpmbox/cpmbox/console"
	"github.com/cpmbox/cpmbox/drive"
	"github.com/cpmbox/cpmbox/fcb"
	"github.com/cpmbox/cpmbox/loader"
	"github.com/cpmbox/cpmbox/memory"
)

// Memory layout of the emulated machine.
const (
	// WarmBootVector is the address a program jumps to when it is
	// done; reaching it always means "the program has exited".
	WarmBootVector = 0x0000

	// IOByteAddr holds the IOBYTE.
	IOByteAddr = 0x0003

	// CurrentDriveAddr mirrors the currently selected drive.
	CurrentDriveAddr = 0x0004

	// BdosCallEntry is where CP/M programs CALL to make a system
	// call; it holds a JP to BdosEntry.
	BdosCallEntry = 0x0005

	// Fcb1 and Fcb2 are the default FCBs, populated from the
	// command-line at program load.
	Fcb1 = 0x005C
	Fcb2 = 0x006C

	// DefaultDMA is the default address of the 128-byte DMA
	// buffer, which doubles as the command-tail buffer at load.
	DefaultDMA = 0x0080

	// BdosEntry is the trapped BDOS address.
	BdosEntry = 0xFE00

	// BiosEntry is the base of the trapped BIOS vector table,
	// three bytes per vector.
	BiosEntry = 0xFF00

	// biosVectors is the number of BIOS vectors we plant.
	biosVectors = 17
)

// RecordSize is the size of CP/M's file I/O records.
const RecordSize = 128

// Status bytes returned to the guest in the accumulator.
const (
	// StatusOK is the generic success result.
	StatusOK = 0x00

	// StatusEOF is returned by sequential/random reads past the
	// end of the file.
	StatusEOF = 0x01

	// StatusError is the generic failure result.
	StatusError = 0xFF
)

// ErrIllegal means the CPU could not execute the byte at PC.
var ErrIllegal = errors.New("illegal instruction")

// ErrNoProgram means Step/Run was invoked before a program was loaded.
var ErrNoProgram = errors.New("no program loaded")

// errWarmBoot is the internal sentinel a syscall handler returns when
// the guest has asked to terminate (BDOS function 0).
var errWarmBoot = errors.New("WARMBOOT")

// ExitReason says why a run ended.
type ExitReason int

const (
	// ReasonWarmBoot is the normal exit: the program jumped to
	// the warm-boot vector, or called BDOS function 0.
	ReasonWarmBoot ExitReason = iota

	// ReasonHalt means the CPU executed a HALT instruction.
	ReasonHalt

	// ReasonAborted means the host cancelled the run.
	ReasonAborted

	// ReasonFatal covers illegal instructions and internal
	// failures.
	ReasonFatal
)

// String returns a human-readable reason.
func (r ExitReason) String() string {
	switch r {
	case ReasonWarmBoot:
		return "warm-boot"
	case ReasonHalt:
		return "halt"
	case ReasonAborted:
		return "aborted"
	case ReasonFatal:
		return "fatal"
	}
	return "unknown"
}

// ExitRecord describes how a run ended.  It is created once, when the
// run terminates, and never modified afterward.
type ExitRecord struct {
	// Reason says why the program stopped.
	Reason ExitReason

	// Message is a human-readable description.
	Message string

	// TStates is the progress counter at exit.
	TStates uint64

	// PC is the program counter at exit.
	PC uint16
}

// Outcome is the result of a single Step.
type Outcome int

const (
	// OutcomeStepped means one CPU instruction was executed.
	OutcomeStepped Outcome = iota

	// OutcomeSyscall means one trapped BDOS/BIOS call was
	// handled instead of a CPU instruction.
	OutcomeSyscall

	// OutcomeAwaitInput means the program wants console input and
	// none is queued; nothing was consumed, and the same step
	// will be retried when the host calls again.
	OutcomeAwaitInput

	// OutcomeExited means the run is over; see LastExit.
	OutcomeExited
)

// State is the lifecycle state of the machine.
type State int

const (
	// StateCold means no program is loaded.
	StateCold State = iota

	// StateRunning means a program is loaded and executing.
	StateRunning

	// StateExited means the loaded program has terminated.
	StateExited
)

// HandlerType contains the signature of a CP/M syscall handler.
type HandlerType func(cpm *CPM) error

// Handler contains details of a specific call we implement.
//
// While we mostly need a "number to handler" mapping, having a name
// is useful for the logs we produce, and the Blocking flag lets the
// step-loop suspend cleanly instead of stalling inside a handler.
type Handler struct {
	// Desc contains the human-readable name of the given CP/M
	// syscall.
	Desc string

	// Handler contains the function which should be invoked for
	// this syscall.
	Handler HandlerType

	// Blocking marks calls which consume console input and must
	// not start until a character is waiting.
	Blocking bool
}

// openFile is one entry in our table of open files.
//
// We keep whole file contents in memory for the duration of an open;
// writes are flushed back to the backing drive on close, warm-boot,
// or exit.  That matches how the guest sees a real CP/M disk: record
// I/O against a private view, directory updates on close.
type openFile struct {
	drive uint8
	name  string
	data  []uint8
	dirty bool
}

// searchState remembers where a Search-First/Search-Next sequence has
// got to.
type searchState struct {
	active  bool
	pattern fcb.FCB
	names   []string
	offset  int
}

// CPM is the object that holds our emulator state.
type CPM struct {

	// Memory contains the memory the system runs with.
	Memory *memory.Memory

	// CPU contains the virtual CPU we use to execute code.
	CPU z80.CPU

	// Syscalls contains the BDOS functions we know how to
	// emulate, indexed by their number.
	Syscalls map[uint8]Handler

	// Logger holds a logger which we use for debugging and
	// diagnostics.
	Logger *slog.Logger

	// con is where console I/O goes.
	con console.Console

	// drives maps drive-numbers (0=A:) to their storage.
	drives [16]drive.Drive

	// currentDrive contains the currently selected drive, 0-15.
	currentDrive uint8

	// userNumber contains the current user number, 0-15.
	userNumber uint8

	// dma contains the offset of the DMA area used for record I/O.
	dma uint16

	// start contains the location to which we load our binaries,
	// and execute them from.  All transient binaries are loaded
	// at 0x0100, but a shell may use a different location so that
	// it isn't overwritten by the programs it launches.
	start uint16

	// shell holds the image reloaded on warm-boot, when the
	// active program was loaded as a shell.
	shell     []uint8
	shellAddr uint16
	isShell   bool

	// files is our table of open files, keyed by handle.
	files      map[uint16]*openFile
	nextHandle uint16

	// search holds the Search-First/Search-Next position.
	search searchState

	// state/tstates/exit describe the lifecycle.
	state   State
	tstates uint64
	exit    *ExitRecord

	// onExit, if set, receives the exit record.
	onExit func(ExitRecord)

	// trace promotes per-syscall logging to Info level.
	trace bool
}

// New returns a new emulation object, using the given console for
// character I/O.
//
// A nil logger silently discards diagnostics.
func New(logger *slog.Logger, con console.Console) *CPM {

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	//
	// Create and populate our syscall table
	//
	sys := make(map[uint8]Handler)
	sys[0] = Handler{Desc: "P_TERMCPM", Handler: SysCallExit}
	sys[1] = Handler{Desc: "C_READ", Handler: SysCallReadChar, Blocking: true}
	sys[2] = Handler{Desc: "C_WRITE", Handler: SysCallWriteChar}
	sys[3] = Handler{Desc: "A_READ", Handler: SysCallAuxRead, Blocking: true}
	sys[4] = Handler{Desc: "A_WRITE", Handler: SysCallAuxWrite}
	sys[5] = Handler{Desc: "L_WRITE", Handler: SysCallPrinterWrite}
	sys[6] = Handler{Desc: "C_RAWIO", Handler: SysCallRawIO}
	sys[7] = Handler{Desc: "GET_IOBYTE", Handler: SysCallGetIOByte}
	sys[8] = Handler{Desc: "SET_IOBYTE", Handler: SysCallSetIOByte}
	sys[9] = Handler{Desc: "C_WRITESTRING", Handler: SysCallWriteString}
	sys[10] = Handler{Desc: "C_READSTRING", Handler: SysCallReadString, Blocking: true}
	sys[11] = Handler{Desc: "C_STAT", Handler: SysCallConsoleStatus}
	sys[12] = Handler{Desc: "S_BDOSVER", Handler: SysCallBDOSVersion}
	sys[13] = Handler{Desc: "DRV_ALLRESET", Handler: SysCallDriveAllReset}
	sys[14] = Handler{Desc: "DRV_SET", Handler: SysCallDriveSet}
	sys[15] = Handler{Desc: "F_OPEN", Handler: SysCallFileOpen}
	sys[16] = Handler{Desc: "F_CLOSE", Handler: SysCallFileClose}
	sys[17] = Handler{Desc: "F_SFIRST", Handler: SysCallFindFirst}
	sys[18] = Handler{Desc: "F_SNEXT", Handler: SysCallFindNext}
	sys[19] = Handler{Desc: "F_DELETE", Handler: SysCallDeleteFile}
	sys[20] = Handler{Desc: "F_READ", Handler: SysCallRead}
	sys[21] = Handler{Desc: "F_WRITE", Handler: SysCallWrite}
	sys[22] = Handler{Desc: "F_MAKE", Handler: SysCallMakeFile}
	sys[23] = Handler{Desc: "F_RENAME", Handler: SysCallRenameFile}
	sys[24] = Handler{Desc: "DRV_LOGINVEC", Handler: SysCallLoginVec}
	sys[25] = Handler{Desc: "DRV_GET", Handler: SysCallDriveGet}
	sys[26] = Handler{Desc: "F_DMAOFF", Handler: SysCallSetDMA}
	sys[27] = Handler{Desc: "DRV_ALLOCVEC", Handler: SysCallDriveAlloc}
	sys[28] = Handler{Desc: "DRV_SETRO", Handler: SysCallNoOp}
	sys[29] = Handler{Desc: "DRV_ROVEC", Handler: SysCallROVec}
	sys[30] = Handler{Desc: "F_ATTRIB", Handler: SysCallNoOp}
	sys[31] = Handler{Desc: "DRV_DPB", Handler: SysCallGetDriveDPB}
	sys[32] = Handler{Desc: "F_USERNUM", Handler: SysCallUserNumber}
	sys[33] = Handler{Desc: "F_READRAND", Handler: SysCallReadRand}
	sys[34] = Handler{Desc: "F_WRITERAND", Handler: SysCallWriteRand}
	sys[35] = Handler{Desc: "F_SIZE", Handler: SysCallFileSize}
	sys[36] = Handler{Desc: "F_RANDREC", Handler: SysCallSetRandRecord}
	sys[37] = Handler{Desc: "DRV_RESET", Handler: SysCallNoOp}
	sys[40] = Handler{Desc: "F_WRITEZF", Handler: SysCallWriteRand}

	tmp := &CPM{
		Logger:     logger,
		Syscalls:   sys,
		con:        con,
		dma:        DefaultDMA,
		start:      loader.TPA,
		files:      make(map[uint16]*openFile),
		nextHandle: 1,
	}
	return tmp
}

// MountDrive attaches storage to the given drive-number (0=A:).
func (c *CPM) MountDrive(n uint8, d drive.Drive) error {
	if n > 15 {
		return fmt.Errorf("invalid drive number %d", n)
	}
	c.drives[n] = d
	return nil
}

// Drive returns the storage mounted on the given drive-number, or nil.
func (c *CPM) Drive(n uint8) drive.Drive {
	if n > 15 {
		return nil
	}
	return c.drives[n]
}

// SetCurrentDrive updates the default drive used when an FCB carries
// drive-number zero.
func (c *CPM) SetCurrentDrive(n uint8) {
	c.currentDrive = n & 0x0F
	if c.Memory != nil {
		c.Memory.Set(CurrentDriveAddr, c.currentDrive)
	}
}

// CurrentDrive returns the default drive.
func (c *CPM) CurrentDrive() uint8 {
	return c.currentDrive
}

// SetTrace enables, or disables, promotion of per-syscall logging to
// Info level.
func (c *CPM) SetTrace(enabled bool) {
	c.trace = enabled
}

// SetOnExit registers a callback to receive the exit record when the
// loaded program terminates.
func (c *CPM) SetOnExit(fn func(ExitRecord)) {
	c.onExit = fn
}

// State returns the lifecycle state of the machine.
func (c *CPM) State() State {
	return c.state
}

// TStates returns the progress counter: a monotonic count the host
// can bound to implement timeouts.  The CPU library doesn't report
// per-opcode timing, so we charge a nominal four T-states per
// executed instruction.
func (c *CPM) TStates() uint64 {
	return c.tstates
}

// LastExit returns the exit record of the finished run, or nil if the
// machine hasn't exited.
func (c *CPM) LastExit() *ExitRecord {
	return c.exit
}

// ColdBoot resets memory and CPU state, ready for a program load.
func (c *CPM) ColdBoot() {
	if c.Memory == nil {
		c.Memory = new(memory.Memory)
	} else {
		c.Memory.Reset()
	}

	c.initVectors()

	c.CPU = z80.CPU{
		Memory: c.Memory,
		IO:     c,
	}

	c.dma = DefaultDMA
	c.files = make(map[uint16]*openFile)
	c.nextHandle = 1
	c.search = searchState{}
	c.tstates = 0
	c.exit = nil
	c.state = StateCold
}

// initVectors plants the reserved low-memory contents and the trapped
// BDOS/BIOS entry-points.
func (c *CPM) initVectors() {

	// Warm-boot vector: a JP-to-self we trap before executing.
	c.Memory.Set(0x0000, 0xC3)
	c.Memory.SetU16(0x0001, WarmBootVector)

	c.Memory.Set(IOByteAddr, 0x00)
	c.Memory.Set(CurrentDriveAddr, c.currentDrive)

	// CALL 5 convention: JP to the trapped BDOS entry.
	c.Memory.Set(BdosCallEntry, 0xC3)
	c.Memory.SetU16(BdosCallEntry+1, BdosEntry)

	// The trapped addresses hold plain returns; they only matter
	// if something reads them, since we intercept before
	// execution.
	c.Memory.Set(BdosEntry, 0xC9)
	for i := 0; i < biosVectors; i++ {
		c.Memory.Set(BiosEntry+uint16(3*i), 0xC9)
	}
}

// resetLowMemory blanks the default FCBs and the command-tail buffer.
func (c *CPM) resetLowMemory() {

	// DMA area / CLI args: empty.
	c.Memory.Set(DefaultDMA, 0x00)
	c.Memory.FillRange(DefaultDMA+1, 127, 0x00)

	// FCB1: default drive, spaces for filenames.
	c.Memory.Set(Fcb1, 0x00)
	c.Memory.FillRange(Fcb1+1, 11, ' ')

	// FCB2: default drive, spaces for filenames.
	c.Memory.Set(Fcb2, 0x00)
	c.Memory.FillRange(Fcb2+1, 11, ' ')
}

// LoadShell loads a command-processor image at the given address and
// marks it for transparent reload when programs warm-boot.
func (c *CPM) LoadShell(image []uint8, base uint16) {
	c.ColdBoot()

	c.shell = append([]uint8(nil), image...)
	c.shellAddr = base
	c.isShell = true
	c.start = base

	loader.Raw(c.Memory, base, image)
	c.resetLowMemory()
	c.startCPU()
}

// SetupTransient loads a program at the TPA with the given command
// tail, exactly as a shell would before launching it.  A transient
// program is never reloaded: hitting the warm-boot vector ends the
// run.
func (c *CPM) SetupTransient(image []uint8, tail string) {
	c.ColdBoot()

	c.shell = nil
	c.isShell = false
	c.start = loader.TPA

	loader.Raw(c.Memory, loader.TPA, image)
	c.resetLowMemory()

	tail = strings.ToUpper(strings.TrimSpace(tail))
	args := strings.Fields(tail)

	// The first two arguments also populate the default FCBs.
	if len(args) > 0 {
		x := fcb.FromString(args[0])
		c.Memory.PutRange(Fcb1, x.AsBytes()...)
	}
	if len(args) > 1 {
		x := fcb.FromString(args[1])
		c.Memory.PutRange(Fcb2, x.AsBytes()...)
	}

	// The tail is stored as a length-prefixed string at the DMA
	// area.
	if len(tail) > 127 {
		tail = tail[:127]
	}
	if len(tail) > 0 {
		c.Memory.Set(DefaultDMA, uint8(len(tail)))
		c.Memory.PutRange(DefaultDMA+1, []uint8(tail)...)
	}

	c.startCPU()
}

// startCPU points the CPU at the loaded program.
func (c *CPM) startCPU() {
	c.CPU.PC = c.start
	c.CPU.SP = BdosEntry - 2

	// Shells conventionally receive the current drive (and user
	// number) in the C register at entry.
	c.CPU.States.BC.Lo = c.currentDrive

	c.state = StateRunning
}

// Step advances the machine by one bounded unit of work: a single CPU
// instruction, or a single trapped syscall.
//
// The returned error is non-nil only for host-fatal conditions (an
// illegal instruction, an internal failure); guest-visible errors are
// reflected into guest registers instead.  After OutcomeExited the
// exit record is available from LastExit.
func (c *CPM) Step() (Outcome, error) {

	switch c.state {
	case StateExited:
		return OutcomeExited, nil
	case StateCold:
		return OutcomeExited, ErrNoProgram
	}

	pc := c.CPU.PC

	// Trapped addresses are checked before execution.
	if pc == WarmBootVector {
		if c.warmBoot(pc) {
			return OutcomeSyscall, nil
		}
		return OutcomeExited, nil
	}
	if pc == BdosEntry {
		return c.bdosStep()
	}
	if pc >= BiosEntry {
		return c.biosStep(pc)
	}

	// A plain instruction.
	if err := c.cpuStep(); err != nil {
		c.finish(ReasonFatal, err.Error(), c.CPU.PC)
		return OutcomeExited, err
	}

	if c.CPU.HALT {
		c.finish(ReasonHalt, "CPU halted", c.CPU.PC)
		return OutcomeExited, nil
	}

	return OutcomeStepped, nil
}

// cpuStep executes one instruction, converting any panic from the CPU
// library's decoder into an illegal-instruction error so a bad opcode
// can't take the host process down.
func (c *CPM) cpuStep() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w at PC 0x%04X: %v", ErrIllegal, c.CPU.PC, r)
		}
	}()

	c.CPU.Step()
	c.tstates += 4
	return nil
}

// Run drives Step until the program exits, the context is cancelled,
// or console input runs dry with no way to wait for more.
func (c *CPM) Run(ctx context.Context) (*ExitRecord, error) {

	for {
		select {
		case <-ctx.Done():
			c.finish(ReasonAborted, "run aborted: "+ctx.Err().Error(), c.CPU.PC)
			return c.exit, ctx.Err()
		default:
		}

		outcome, err := c.Step()

		switch outcome {
		case OutcomeExited:
			return c.exit, err

		case OutcomeAwaitInput:
			// Sleep until the console has something, if it
			// knows how; otherwise this run can make no
			// further progress.
			w, ok := c.con.(console.Waiter)
			if !ok {
				c.finish(ReasonFatal, "console input exhausted", c.CPU.PC)
				return c.exit, console.ErrNoInput
			}
			if werr := w.WaitReady(ctx); werr != nil {
				c.finish(ReasonAborted, "run aborted: "+werr.Error(), c.CPU.PC)
				return c.exit, werr
			}
		}
	}
}

// warmBoot handles the program reaching the warm-boot vector.  It
// returns true if a shell was reloaded and execution continues, false
// if the run is over.
func (c *CPM) warmBoot(pc uint16) bool {

	c.flushFiles()

	if c.isShell && len(c.shell) > 0 {
		c.Logger.Debug("warm boot: reloading shell",
			slog.Int("address", int(c.shellAddr)))

		// Reinitialize the system area and the shell image;
		// disk contents survive, in-memory state does not.
		c.initVectors()
		loader.Raw(c.Memory, c.shellAddr, c.shell)
		c.resetLowMemory()
		c.dma = DefaultDMA
		c.search = searchState{}

		c.CPU = z80.CPU{
			Memory: c.Memory,
			IO:     c,
		}
		c.startCPU()
		return true
	}

	c.finish(ReasonWarmBoot, "program exited via warm boot", pc)
	return false
}

// finish records the end of the run.
func (c *CPM) finish(reason ExitReason, message string, pc uint16) {

	c.flushFiles()

	rec := ExitRecord{
		Reason:  reason,
		Message: message,
		TStates: c.tstates,
		PC:      pc,
	}
	c.exit = &rec
	c.state = StateExited

	c.Logger.Debug("run finished",
		slog.String("reason", reason.String()),
		slog.String("message", message),
		slog.Int("pc", int(pc)))

	if c.onExit != nil {
		c.onExit(rec)
	}
}

// flushFiles writes back every dirty open file and empties the table.
func (c *CPM) flushFiles() {
	for handle, of := range c.files {
		if of.dirty {
			if d := c.drives[of.drive]; d != nil {
				if err := d.Write(of.name, of.data); err != nil {
					c.Logger.Error("failed to flush file",
						slog.String("name", of.name),
						slog.String("error", err.Error()))
				}
			}
		}
		delete(c.files, handle)
	}
}

// bdosStep handles one trapped BDOS call, then simulates the RET the
// real BDOS would have executed.
func (c *CPM) bdosStep() (Outcome, error) {

	fn := c.CPU.States.BC.Lo
	handler, exists := c.Syscalls[fn]

	if !exists {
		// Unknown functions are tolerated, as real CP/M
		// tolerates them: log, claim success, carry on.
		c.Logger.Error("unimplemented BDOS function",
			slog.Int("function", int(fn)))
		c.setResult(StatusOK)
		c.simulateReturn()
		return OutcomeSyscall, nil
	}

	// A blocking call must not start until input is waiting; PC is
	// untouched, so the same call is retried on the next step.
	if handler.Blocking && !c.con.Ready() {
		return OutcomeAwaitInput, nil
	}

	level := slog.LevelDebug
	if c.trace {
		level = slog.LevelInfo
	}
	c.Logger.Log(context.Background(), level, "BDOS",
		slog.String("name", handler.Desc),
		slog.Int("function", int(fn)),
		slog.Int("DE", int(c.CPU.States.DE.U16())))

	err := handler.Handler(c)
	if err == errWarmBoot {
		if c.warmBoot(WarmBootVector) {
			return OutcomeSyscall, nil
		}
		return OutcomeExited, nil
	}
	if err != nil {
		c.finish(ReasonFatal, err.Error(), c.CPU.PC)
		return OutcomeExited, err
	}

	c.simulateReturn()
	return OutcomeSyscall, nil
}

// simulateReturn resumes the guest as if the trapped routine had
// executed a RET: pop the return address pushed by the CALL that got
// us here, and continue there.
func (c *CPM) simulateReturn() {
	c.CPU.PC = c.Memory.GetU16(c.CPU.SP)
	c.CPU.SP += 2
}

// In is called to handle the I/O reading of a Z80 port.
//
// CP/M software doesn't use CPU I/O ports, so this is a no-op
// returning the floating-bus value.
func (c *CPM) In(addr uint8) uint8 {
	c.Logger.Debug("I/O IN",
		slog.Int("port", int(addr)))
	return 0xFF
}

// Out is called to handle the I/O writing to a Z80 port; a no-op for
// the same reason as In.
func (c *CPM) Out(addr uint8, val uint8) {
	c.Logger.Debug("I/O OUT",
		slog.Int("port", int(addr)),
		slog.Int("value", int(val)))
}
