// Package console is an abstraction over the character-based console
// a CP/M program talks to.
//
// The syscall layer needs only three things: a way to write a
// character, a way to test whether input is waiting, and a way to read
// a character which is known to be waiting.  Everything else - raw
// terminal handling, scripted automation, output capture - belongs to
// individual drivers, which register themselves by name so that they
// can be selected at runtime.
package console

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNoInput is returned by a driver which has no character to give,
// and no way of ever obtaining one.
var ErrNoInput = errors.New("no console input available")

// Console is the interface the syscall layer consumes.
type Console interface {

	// PutCharacter writes the single character to the console.
	PutCharacter(c uint8)

	// Ready returns true if a character is waiting to be read.
	Ready() bool

	// GetCharacter returns the next character of input.
	//
	// Drivers which cannot block return ErrNoInput when their
	// queue is empty; interactive drivers may block.
	GetCharacter() (uint8, error)
}

// Waiter is implemented by drivers which can block until input
// arrives.  The free-running execution loop uses it, when available,
// to sleep instead of spinning.
type Waiter interface {

	// WaitReady blocks until input is available, or the context
	// is cancelled.
	WaitReady(ctx context.Context) error
}

// Recorder is implemented by drivers which capture their output, for
// use by tests and scripted harnesses.
type Recorder interface {

	// GetOutput returns the accumulated output.
	GetOutput() string

	// ResetOutput discards the accumulated output.
	ResetOutput()
}

// Lifecycle is implemented by drivers which must prepare, and later
// restore, the hosting terminal.
type Lifecycle interface {

	// Setup prepares the driver for use.
	Setup() error

	// TearDown undoes whatever Setup did.
	TearDown()
}

// Constructor is the signature of a driver constructor-function.
type Constructor func() Console

// This is a map of known drivers.
var handlers = struct {
	m map[string]Constructor
}{m: make(map[string]Constructor)}

// Register makes a console driver available, by name.
func Register(name string, obj Constructor) {
	// Downcase for consistency.
	name = strings.ToLower(name)

	handlers.m[name] = obj
}

// New returns a console using the driver with the given name.
func New(name string) (Console, error) {
	// Downcase for consistency.
	name = strings.ToLower(name)

	ctor, ok := handlers.m[name]
	if !ok {
		return nil, fmt.Errorf("failed to lookup console driver by name '%s'", name)
	}

	return ctor(), nil
}

// Drivers returns the names of every registered driver.
func Drivers() []string {
	var valid []string

	for x := range handlers.m {
		valid = append(valid, x)
	}
	return valid
}
