// drv_term.go uses the Termbox library to handle console-based input.
//
// A goroutine is launched which collects any keyboard input and saves
// that to a buffer where it can be peeled off on-demand.  Output goes
// straight to STDOUT, with the terminal held in raw mode for the
// duration of the session.

package console

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	termbox "github.com/nsf/termbox-go"
	"golang.org/x/term"
)

// Terminal is the interactive console driver.
type Terminal struct {
	mu sync.Mutex

	// oldState contains the state of the terminal, before
	// switching to RAW mode.
	oldState *term.State

	// cancel stops our polling goroutine.
	cancel context.CancelFunc

	// keyBuffer builds up keys read "in the background".
	keyBuffer []uint8
}

// NewTerminal returns the interactive driver.
//
// Setup must be called before use, and TearDown when done, otherwise
// the hosting terminal is left in raw mode.
func NewTerminal() *Terminal {
	return &Terminal{}
}

func init() {
	Register("term", func() Console {
		return NewTerminal()
	})
}

// Setup switches the terminal to raw mode and starts collecting
// keyboard input.
func (t *Terminal) Setup() error {

	var err error

	// switch STDIN into 'raw' mode - we must do this before
	// we setup termbox.
	t.oldState, err = term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		return fmt.Errorf("error making raw terminal %s", err)
	}

	if err = termbox.Init(); err != nil {
		return fmt.Errorf("error initializing termbox %s", err)
	}

	// This is "Show Cursor", which termbox hides by default.
	fmt.Printf("\x1b[?25h")

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	go t.pollKeyboard(ctx)
	return nil
}

// TearDown resets the state of the terminal and stops the background
// polling of characters.
func (t *Terminal) TearDown() {
	if t.cancel != nil {
		t.cancel()
	}

	termbox.Close()

	if t.oldState != nil {
		term.Restore(int(os.Stdin.Fd()), t.oldState)
	}
}

// pollKeyboard runs in a goroutine and collects keyboard input into a
// buffer where it will be read from in the future.
func (t *Terminal) pollKeyboard(ctx context.Context) {
	for {
		// Are we done?
		select {
		case <-ctx.Done():
			return
		default:
			// NOP
		}

		switch ev := termbox.PollEvent(); ev.Type {
		case termbox.EventKey:
			t.mu.Lock()
			if ev.Ch != 0 {
				t.keyBuffer = append(t.keyBuffer, uint8(ev.Ch))
			} else {
				switch ev.Key {
				case termbox.KeyEnter:
					t.keyBuffer = append(t.keyBuffer, 0x0D)
				case termbox.KeySpace:
					t.keyBuffer = append(t.keyBuffer, ' ')
				case termbox.KeyBackspace, termbox.KeyBackspace2:
					t.keyBuffer = append(t.keyBuffer, 0x08)
				default:
					t.keyBuffer = append(t.keyBuffer, uint8(ev.Key))
				}
			}
			t.mu.Unlock()
		}
	}
}

// PutCharacter sends a character to the screen.
//
// The terminal is in raw mode, so a bare newline needs an explicit
// carriage-return companion.
func (t *Terminal) PutCharacter(c uint8) {
	if c == '\n' {
		fmt.Printf("\r\n")
		return
	}
	fmt.Printf("%c", c)
}

// Ready returns true if a keypress is waiting.
func (t *Terminal) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.keyBuffer) > 0
}

// GetCharacter returns the next keypress, blocking until one arrives.
func (t *Terminal) GetCharacter() (uint8, error) {
	for {
		t.mu.Lock()
		if len(t.keyBuffer) > 0 {
			c := t.keyBuffer[0]
			t.keyBuffer = t.keyBuffer[1:]
			t.mu.Unlock()
			return c, nil
		}
		t.mu.Unlock()

		time.Sleep(5 * time.Millisecond)
	}
}

// WaitReady blocks until a keypress is waiting, or the context is
// cancelled.
func (t *Terminal) WaitReady(ctx context.Context) error {
	for {
		if t.Ready() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}
