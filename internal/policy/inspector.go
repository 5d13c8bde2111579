package policy

import (
	"fmt"
	"io"
	"sort"

	"pathguard.enforcer/pkg/syscalls"
)

// Entries lists the policy table sorted by process name.
func Entries(t Table) ([]Record, error) {
	var out []Record
	err := t.Iterate(func(k syscalls.ProcName, v syscalls.Path) bool {
		out = append(out, Record{Name: k.String(), Path: v.String()})
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("iterating policy table: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Dump writes one "Key: <name>, Value: <path>" line per entry.
func Dump(w io.Writer, t Table) error {
	entries, err := Entries(t)
	if err != nil {
		return err
	}
	return WriteRecords(w, entries)
}

func WriteRecords(w io.Writer, records []Record) error {
	for _, r := range records {
		if _, err := fmt.Fprintf(w, "Key: %s, Value: %s\n", r.Name, r.Path); err != nil {
			return err
		}
	}
	return nil
}
