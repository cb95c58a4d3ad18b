package comm

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/snksoft/crc"
)

var (
	crcTable = crc.NewTable(crc.XMODEM)

	// ErrBadFrame is generated when a line has no "*XXXX" CRC suffix
	ErrBadFrame = errors.New("frame has no CRC suffix")

	// ErrCRCMismatch is generated when the CRC of a line does not match its payload
	ErrCRCMismatch = errors.New("CRC mismatch, data lost in transmission")
)

// sumLen is len("*ABCD")
const sumLen = 5

// Checksum computes the CRC-16/XMODEM of b
func Checksum(b []byte) uint16 {
	c := crcTable.InitCrc()
	c = crcTable.UpdateCrc(c, b)
	return crcTable.CRC16(c)
}

// Frame appends "*XXXX", the upper case hex CRC-16/XMODEM of payload
func Frame(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+sumLen)
	out = append(out, payload...)
	return append(out, fmt.Sprintf("*%04X", Checksum(payload))...)
}

// Unframe checks and strips the CRC suffix of a line
func Unframe(line []byte) ([]byte, error) {
	idx := bytes.LastIndexByte(line, '*')
	if idx < 0 || len(line)-idx != sumLen {
		return nil, ErrBadFrame
	}
	payload, sum := line[:idx], line[idx+1:]
	want, err := strconv.ParseUint(string(sum), 16, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrBadFrame, sum)
	}
	if got := Checksum(payload); uint16(want) != got {
		return nil, fmt.Errorf("%w: got %04X, line says %04X", ErrCRCMismatch, got, want)
	}
	return payload, nil
}
