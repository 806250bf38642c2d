package memprobe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func writeMeminfo(t *testing.T, availableKB int64) *Probe {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "meminfo")
	content := "MemTotal:       16384000 kB\nMemFree:         1000000 kB\n"
	if availableKB >= 0 {
		content += "MemAvailable:    " + itoa(availableKB) + " kB\n"
	}
	assert.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return &Probe{meminfoPath: path}
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func TestMemoryConstrained_BelowTwoGiB(t *testing.T) {
	p := writeMeminfo(t, 1*1024*1024) // 1 GiB available
	assert.True(t, p.MemoryConstrained())
}

func TestMemoryConstrained_AboveTwoGiB(t *testing.T) {
	p := writeMeminfo(t, 4*1024*1024) // 4 GiB available
	assert.False(t, p.MemoryConstrained())
}

func TestMemoryConstrained_QueryFailed(t *testing.T) {
	p := &Probe{meminfoPath: "/nonexistent/meminfo"}
	assert.True(t, p.MemoryConstrained())
}

func TestOptimalChunkSize_DefaultWhenBelowOneGiB(t *testing.T) {
	p := writeMeminfo(t, 500*1024) // 500 MiB
	assert.Equal(t, defaultChunkSize, p.OptimalChunkSize())
}

func TestOptimalChunkSize_ClampedToMax(t *testing.T) {
	p := writeMeminfo(t, 8*1024*1024) // 8 GiB available -> free/1000 way above 2 MiB
	assert.Equal(t, maxChunkSize, p.OptimalChunkSize())
}

func TestOptimalChunkSize_ScaledWithinRange(t *testing.T) {
	// 1.5 GiB available -> free/1000 ~= 1.5 MiB, within [512KiB, 2MiB]
	p := writeMeminfo(t, int64(1.5*1024*1024))
	size := p.OptimalChunkSize()
	assert.GreaterOrEqual(t, size, defaultChunkSize)
	assert.LessOrEqual(t, size, maxChunkSize)
}

func TestOptimalChunkSize_QueryFailedUsesDefault(t *testing.T) {
	p := &Probe{meminfoPath: "/nonexistent/meminfo"}
	assert.Equal(t, defaultChunkSize, p.OptimalChunkSize())
}
