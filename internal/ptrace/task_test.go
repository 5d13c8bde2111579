//go:build linux

package ptrace

import (
	"os"
	"testing"
	"unsafe"

	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pathguard.enforcer/pkg/syscalls"
)

func addrOf(b []byte) uint64 { return uint64(uintptr(unsafe.Pointer(&b[0]))) }

func TestReadStringFromSelf(t *testing.T) {
	src := []byte("/etc/shadow\x00garbage")
	dst := make([]byte, syscalls.PATH_LEN)

	n, err := readString(os.Getpid(), addrOf(src), dst)
	require.NoError(t, err)
	assert.Equal(t, len("/etc/shadow")+1, n)
	assert.Equal(t, "/etc/shadow", syscalls.CString(dst))
}

func TestReadStringTruncates(t *testing.T) {
	src := make([]byte, 300)
	for i := range src[:299] {
		src[i] = 'a'
	}
	dst := make([]byte, 16)

	n, err := readString(os.Getpid(), addrOf(src), dst)
	require.NoError(t, err)
	assert.Equal(t, 16, n)
	assert.Equal(t, byte(0), dst[15])
	assert.Len(t, syscalls.CString(dst), 15)
}

func TestReadNullAddress(t *testing.T) {
	_, err := readString(os.Getpid(), 0, make([]byte, 8))
	assert.Error(t, err)
}

func TestProcTaskSelf(t *testing.T) {
	fs, err := procfs.NewFS("/proc")
	require.NoError(t, err)

	task, err := newProcTask(fs, "/proc", os.Getpid())
	require.NoError(t, err)
	assert.Equal(t, uint32(os.Getpid()), task.Pid())

	ppid, err := task.ParentPid()
	require.NoError(t, err)
	assert.Equal(t, uint32(os.Getppid()), ppid)
	assert.NotEmpty(t, task.Comm().String())

	uid, _ := task.Creds()
	assert.Equal(t, uint32(os.Geteuid()), uid)

	ptr := []byte{0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}
	v, err := task.ReadUserPointer(addrOf(ptr))
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1122334455667788), v)
}
