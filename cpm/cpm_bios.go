// This file handles calls to the BIOS vector table, which CP/M
// programs reach by jumping directly into the table rather than via
// the CALL 5 convention.  Each vector is three bytes wide, so the
// vector number falls straight out of the program counter.

package cpm

import (
	"fmt"
	"log/slog"
)

// BIOS vector numbers.
const (
	biosBoot   = 0
	biosWBoot  = 1
	biosConst  = 2
	biosConin  = 3
	biosConout = 4
	biosList   = 5
	biosAuxOut = 6
	biosAuxIn  = 7
)

// biosName maps the vectors we implement to their conventional names,
// for the logs.
var biosName = map[uint16]string{
	biosBoot:   "BOOT",
	biosWBoot:  "WBOOT",
	biosConst:  "CONST",
	biosConin:  "CONIN",
	biosConout: "CONOUT",
	biosList:   "LIST",
	biosAuxOut: "PUNCH",
	biosAuxIn:  "READER",
}

// biosStep handles one trapped BIOS call, then simulates the RET the
// real BIOS routine would have executed.
func (c *CPM) biosStep(pc uint16) (Outcome, error) {

	vector := (pc - BiosEntry) / 3

	name, known := biosName[vector]
	if !known {
		name = "unknown"
	}
	c.Logger.Debug("BIOS",
		slog.String("name", name),
		slog.Int("vector", int(vector)))

	switch vector {

	case biosBoot, biosWBoot:
		// Both boot vectors restart the system, which for a
		// transient program means the run is over.
		if c.warmBoot(pc) {
			return OutcomeSyscall, nil
		}
		return OutcomeExited, nil

	case biosConst:
		if c.con.Ready() {
			c.CPU.States.AF.Hi = 0xFF
		} else {
			c.CPU.States.AF.Hi = 0x00
		}

	case biosConin, biosAuxIn:
		if !c.con.Ready() {
			return OutcomeAwaitInput, nil
		}
		ch, err := c.con.GetCharacter()
		if err != nil {
			err = fmt.Errorf("error reading console %s", err)
			c.finish(ReasonFatal, err.Error(), pc)
			return OutcomeExited, err
		}
		c.CPU.States.AF.Hi = ch

	case biosConout, biosList, biosAuxOut:
		c.con.PutCharacter(c.CPU.States.BC.Lo)

	default:
		// Disk-level vectors have no meaning here; programs
		// that poke them get a harmless return.
	}

	c.simulateReturn()
	return OutcomeSyscall, nil
}
