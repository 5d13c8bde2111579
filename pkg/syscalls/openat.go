package syscalls

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// OpenAttempt is the value of the open-attempt staging table: the path an
// openat entry captured, tagged with the sequence number of that entry.
type OpenAttempt struct {
	Seq      uint64
	Pathname Path
}

func (o *OpenAttempt) Parse(reader *bytes.Reader) error {
	return binary.Read(reader, binary.LittleEndian, o)
}
func (o *OpenAttempt) String() string {
	return fmt.Sprintf("openat, Seq: %d, Path: %s", o.Seq, o.Pathname)
}
