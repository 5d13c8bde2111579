package ipc

import (
	"encoding/gob"
	"fmt"
	"time"

	"pathguard.enforcer/pkg/syscalls"
)

// DefaultSocket is where enforcerd listens for guardctl.
const DefaultSocket = "/var/run/pathguard.sock"

// Command is sent from client to daemon.
// Append policy text <>
// Load / Dump / Show policy
// Status, Stream exec events
type CommandType uint8

const (
	CmdUnknown CommandType = iota
	// CmdPolicyAppend appends raw name:path text to the policy buffer.
	CmdPolicyAppend
	// CmdPolicyLoad publishes the policy buffer into the policy table.
	CmdPolicyLoad
	// CmdPolicyDump lists the policy table.
	CmdPolicyDump
	// CmdPolicyShow returns the raw policy buffer.
	CmdPolicyShow
	CmdStatus
	// CmdStreamExec turns the connection into a stream of exec events.
	CmdStreamExec
)

func (c CommandType) String() string {
	switch c {
	case CmdPolicyAppend:
		return "CmdPolicyAppend"
	case CmdPolicyLoad:
		return "CmdPolicyLoad"
	case CmdPolicyDump:
		return "CmdPolicyDump"
	case CmdPolicyShow:
		return "CmdPolicyShow"
	case CmdStatus:
		return "CmdStatus"
	case CmdStreamExec:
		return "CmdStreamExec"
	default:
		return fmt.Sprintf("CmdUnknown(%d)", c)
	}
}

type Command struct {
	Type    CommandType
	Payload any
}

type CommandResponse struct {
	Type    CommandType
	Payload any
	Error   string
}

// Message is the unit on the wire; exactly one field is set.
type Message struct {
	Command  *Command
	Response *CommandResponse
	Event    *ExecEventPayload
}

type PolicyTextPayload struct {
	Text string
}

type PolicyEntry struct {
	Name string
	Path string
}

type PolicyDumpResponse struct {
	Entries []PolicyEntry
}

type PolicyLoadResponse struct {
	Loaded  int
	Skipped int
}

type DecisionCount struct {
	Action string
	Reason string
	Count  uint64
}

type StatusResponse struct {
	Backend         string
	FailMode        string
	StagingKey      string
	MaxAncestryHops int
	StartedAt       time.Time

	Staged           uint64
	UserReadFailures uint64
	Decisions        []DecisionCount

	ExecReceived uint64
	ExecLost     uint64
	ExecDropped  uint64

	PolicyEntries int
	PolicyLoaded  uint64
	PolicySkipped uint64
	BufferUsed    int
	BufferLimit   int
}

type ExecEventPayload struct {
	Pid      uint32
	Ppid     uint32
	Uid      uint32
	Gid      uint32
	Comm     string
	Filename string
	Argv     []string
}

func NewExecEventPayload(ev syscalls.ExecEvent) ExecEventPayload {
	return ExecEventPayload{
		Pid:      ev.Pid,
		Ppid:     ev.Ppid,
		Uid:      ev.Uid,
		Gid:      ev.Gid,
		Comm:     ev.Comm.String(),
		Filename: ev.FilenameString(),
		Argv:     ev.Args(),
	}
}

func Init() {
	// Register all the payload structs for gob encoding.
	gob.Register(PolicyTextPayload{})
	gob.Register(PolicyDumpResponse{})
	gob.Register(PolicyLoadResponse{})
	gob.Register(StatusResponse{})
}
