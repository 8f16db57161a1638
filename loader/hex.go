// Intel-HEX parsing.
//
// The format is line-based text: ":LLAAAATT<data>CC" where LL is the
// data byte-count, AAAA a 16-bit load address, TT the record type
// (00=data, 01=end-of-file), and CC a checksum such that the sum of
// every byte in the record, checksum included, is zero modulo 256.

package loader

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cpmbox/cpmbox/memory"
)

// Record types we understand.
const (
	// RecordData is a data record.
	RecordData = 0x00

	// RecordEOF terminates a HEX stream.
	RecordEOF = 0x01
)

// ErrBadChecksum is returned when a record's stated checksum doesn't
// match its contents.  The record's data must not be used.
var ErrBadChecksum = errors.New("checksum mismatch")

// ErrNoEOF is returned when a HEX stream ends without a type-01 record.
var ErrNoEOF = errors.New("missing end-of-file record")

// Record is a single parsed Intel-HEX record.
type Record struct {
	// Addr is the load address of the first data byte.
	Addr uint16

	// Type is the record type, RecordData or RecordEOF.
	Type uint8

	// Data holds the record payload.
	Data []uint8
}

// Checksum computes the checksum byte for this record: the two's
// complement of the sum of the count, address, type, and data bytes.
func (r *Record) Checksum() uint8 {
	sum := uint8(len(r.Data))
	sum += uint8(r.Addr >> 8)
	sum += uint8(r.Addr & 0xFF)
	sum += r.Type

	for _, b := range r.Data {
		sum += b
	}

	return uint8(0) - sum
}

// ParseHex reads Intel-HEX records until the end-of-file record, or
// the end of the input.
//
// A malformed line, an unknown record type, or a checksum mismatch
// aborts the parse with an error - nothing is silently skipped.  Lines
// after the end-of-file record are ignored, which matches the way
// period tools pad their output.
func ParseHex(r io.Reader) ([]Record, error) {

	var records []Record

	scanner := bufio.NewScanner(r)
	line := 0

	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())

		// Blank lines between records are tolerated.
		if text == "" {
			continue
		}

		rec, err := parseLine(text)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		if rec.Type == RecordEOF {
			// Trailing lines are deliberately not examined.
			return records, nil
		}

		records = append(records, rec)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return nil, ErrNoEOF
}

// parseLine decodes and validates a single record.
func parseLine(text string) (Record, error) {

	if !strings.HasPrefix(text, ":") {
		return Record{}, fmt.Errorf("record doesn't start with ':': %q", text)
	}
	text = text[1:]

	// Shortest legal record: count + address + type + checksum.
	if len(text) < 10 || len(text)%2 != 0 {
		return Record{}, fmt.Errorf("record has impossible length %d", len(text))
	}

	raw := make([]uint8, 0, len(text)/2)
	for i := 0; i < len(text); i += 2 {
		b, err := strconv.ParseUint(text[i:i+2], 16, 8)
		if err != nil {
			return Record{}, fmt.Errorf("bad hex digits %q", text[i:i+2])
		}
		raw = append(raw, uint8(b))
	}

	count := int(raw[0])
	if len(raw) != count+5 {
		return Record{}, fmt.Errorf("record length %d doesn't match count %d", len(raw), count)
	}

	rec := Record{
		Addr: (uint16(raw[1]) << 8) | uint16(raw[2]),
		Type: raw[3],
		Data: raw[4 : 4+count],
	}

	if rec.Type != RecordData && rec.Type != RecordEOF {
		return Record{}, fmt.Errorf("unknown record type 0x%02X", rec.Type)
	}

	if rec.Checksum() != raw[len(raw)-1] {
		return Record{}, fmt.Errorf("%w: expected 0x%02X got 0x%02X",
			ErrBadChecksum, rec.Checksum(), raw[len(raw)-1])
	}

	return rec, nil
}

// LoadHex parses Intel-HEX text and writes each data record to the
// address it names.  On error nothing has been written.
func LoadHex(mem *memory.Memory, r io.Reader) error {

	records, err := ParseHex(r)
	if err != nil {
		return err
	}

	for _, rec := range records {
		mem.PutRange(rec.Addr, rec.Data...)
	}

	return nil
}

// HexToImage flattens parsed records into one contiguous image,
// anchored at the lowest address any record names - nominally the TPA.
// Gaps between records are zero-filled.  The base address is returned
// alongside the image.
func HexToImage(records []Record) ([]uint8, uint16, error) {

	if len(records) == 0 {
		return nil, 0, errors.New("no data records")
	}

	base := records[0].Addr
	end := int(records[0].Addr)

	for _, rec := range records {
		if rec.Addr < base {
			base = rec.Addr
		}
		if top := int(rec.Addr) + len(rec.Data); top > end {
			end = top
		}
	}

	image := make([]uint8, end-int(base))
	for _, rec := range records {
		copy(image[rec.Addr-base:], rec.Data)
	}

	return image, base, nil
}
