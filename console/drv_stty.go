// drv_stty.go is a simpler interactive driver which reads STDIN
// directly, with the terminal in raw mode.
//
// Unlike the termbox driver there is no background goroutine: pending
// input is detected with select(2), and reads happen inline.  This is
// the fallback for terminals where termbox misbehaves.

package console

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/term"
)

// Stty is the select-based interactive driver.
type Stty struct {

	// oldState contains the state of the terminal, before
	// switching to RAW mode.
	oldState *term.State
}

// NewStty returns the select-based interactive driver.
func NewStty() *Stty {
	return &Stty{}
}

func init() {
	Register("stty", func() Console {
		return NewStty()
	})
}

// Setup switches the terminal to raw mode.
func (s *Stty) Setup() error {
	var err error

	s.oldState, err = term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		return fmt.Errorf("error making raw terminal %s", err)
	}
	return nil
}

// TearDown restores the terminal.
func (s *Stty) TearDown() {
	if s.oldState != nil {
		term.Restore(int(os.Stdin.Fd()), s.oldState)
	}
}

// PutCharacter sends a character to the screen.
func (s *Stty) PutCharacter(c uint8) {
	if c == '\n' {
		fmt.Printf("\r\n")
		return
	}
	fmt.Printf("%c", c)
}

// Ready returns true if a keypress is waiting on STDIN.
func (s *Stty) Ready() bool {
	return canSelect()
}

// GetCharacter reads the next byte from STDIN, blocking until one is
// available.
func (s *Stty) GetCharacter() (uint8, error) {
	b := make([]byte, 1)

	_, err := os.Stdin.Read(b)
	if err != nil {
		return 0x00, fmt.Errorf("error reading a byte from stdin %s", err)
	}
	return b[0], nil
}

// WaitReady blocks until STDIN has input, or the context is cancelled.
func (s *Stty) WaitReady(ctx context.Context) error {
	for {
		if canSelect() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}
