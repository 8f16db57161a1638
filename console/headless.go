// The headless driver: queued input, captured output, and expect/send
// automation for driving menu-based programs without a human.

package console

import (
	"strings"
	"sync"
)

// Step is one expect/send pair in an automation script.
//
// Once the accumulated output contains Expect, the Send text is queued
// as input.  An empty Expect matches immediately, so a script can
// start by typing.
type Step struct {
	// Expect is the output to wait for.
	Expect string

	// Send is the input to queue once Expect has appeared.
	Send string
}

// Headless is a console with no terminal behind it.
//
// Input comes from a queue, optionally refilled by expect/send script
// steps; output is captured for inspection.  This is the driver used
// by the test-suite, and by anything driving the machine
// programmatically.
type Headless struct {
	mu sync.Mutex

	input  []uint8
	output []uint8

	steps []Step
	// scanned marks how much output the script has already matched
	// against, so an Expect can't match the same banner twice.
	scanned int
}

// NewHeadless returns an empty headless console.
func NewHeadless() *Headless {
	return &Headless{}
}

func init() {
	Register("headless", func() Console {
		return NewHeadless()
	})
}

// QueueInput appends the given text to the input queue.
func (h *Headless) QueueInput(text string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.input = append(h.input, []uint8(text)...)
}

// QueueLine appends the given text, followed by a carriage-return,
// which is what CP/M line-input expects.
func (h *Headless) QueueLine(text string) {
	h.QueueInput(text + "\r")
}

// AddStep appends an expect/send automation step.
func (h *Headless) AddStep(expect string, send string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.steps = append(h.steps, Step{Expect: expect, Send: send})
}

// AddSteps appends a whole script.
func (h *Headless) AddSteps(steps []Step) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.steps = append(h.steps, steps...)
}

// PutCharacter records a character of output.
func (h *Headless) PutCharacter(c uint8) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.output = append(h.output, c)
}

// Ready returns true if a character is queued, advancing the
// automation script first if its next step has been satisfied.
func (h *Headless) Ready() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.advanceScript()
	return len(h.input) > 0
}

// GetCharacter returns the next queued character.
func (h *Headless) GetCharacter() (uint8, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.advanceScript()

	if len(h.input) == 0 {
		return 0x00, ErrNoInput
	}

	c := h.input[0]
	h.input = h.input[1:]
	return c, nil
}

// advanceScript queues the Send text of every leading script step
// whose Expect has appeared in output not yet claimed by an earlier
// step.  Must be called with the lock held.
func (h *Headless) advanceScript() {
	for len(h.steps) > 0 {
		step := h.steps[0]

		if step.Expect == "" {
			h.steps = h.steps[1:]
			h.input = append(h.input, []uint8(step.Send)...)
			continue
		}

		idx := strings.Index(string(h.output[h.scanned:]), step.Expect)
		if idx < 0 {
			return
		}

		// Later steps only match output beyond this point.
		h.scanned += idx + len(step.Expect)
		h.steps = h.steps[1:]
		h.input = append(h.input, []uint8(step.Send)...)
	}
}

// GetOutput returns the accumulated output.
func (h *Headless) GetOutput() string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return string(h.output)
}

// ResetOutput discards the accumulated output.
//
// The automation script's match position restarts alongside it; with
// the old output gone there is nothing left for a pending step to
// re-match.
func (h *Headless) ResetOutput() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.output = nil
	h.scanned = 0
}
