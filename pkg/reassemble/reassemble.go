// Package reassemble streams ordered disk-image parts into a single
// output file under a bounded chunk budget, per spec.md §4.5.
package reassemble

import (
	"fmt"
	"io"
	"os"

	"vmpuller/pkg/download"
	"vmpuller/pkg/memprobe"
	"vmpuller/pkg/utils"
	"vmpuller/pkg/vmerr"
)

const fsyncEveryNChunks = 10

// Reassembler composes an ordered sequence of disk-image parts into one
// output file.
type Reassembler struct {
	memory *memprobe.Probe
	log    *utils.Logger
}

// New returns a Reassembler.
func New(memory *memprobe.Probe, log *utils.Logger) *Reassembler {
	return &Reassembler{memory: memory, log: log}
}

// Assemble writes parts, ordered by PartNum from 1..totalParts, to
// outputPath in optimal-chunk-size chunks, logging a progress tick every
// time the 5%-granularity bucket advances. A part missing from parts
// surfaces MissingPart(n). A final-size mismatch against expectedSize is
// logged as a warning, never an error, per spec.md §4.5 and §7.
func (r *Reassembler) Assemble(parts []download.Part, totalParts int, outputPath string, expectedSize int64) error {
	byPart := make(map[int]string, len(parts))
	for _, p := range parts {
		byPart[p.PartNum] = p.SourcePath
	}

	out, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create output %s: %w", outputPath, err)
	}
	defer out.Close()

	chunkSize := r.memory.OptimalChunkSize()
	constrained := r.memory.MemoryConstrained()
	buf := make([]byte, chunkSize)

	var written int64
	var chunkCount int
	lastTick := -1

	for partNum := 1; partNum <= totalParts; partNum++ {
		srcPath, ok := byPart[partNum]
		if !ok {
			return &vmerr.MissingPartError{PartNum: partNum}
		}

		if err := r.copyPart(srcPath, out, buf, &written, &chunkCount, expectedSize, &lastTick, constrained); err != nil {
			return err
		}
	}

	if err := out.Sync(); err != nil {
		return fmt.Errorf("final sync %s: %w", outputPath, err)
	}

	if expectedSize > 0 && written != expectedSize {
		r.log.WithFunc().WithField("written", written).WithField("expected", expectedSize).Warn("reassembled disk image size differs from expected sum of parts")
	}

	return nil
}

func (r *Reassembler) copyPart(srcPath string, out *os.File, buf []byte, written *int64, chunkCount *int, expectedSize int64, lastTick *int, constrained bool) error {
	in, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open part %s: %w", srcPath, err)
	}
	defer in.Close()

	for {
		n, readErr := in.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return fmt.Errorf("write chunk: %w", err)
			}
			*written += int64(n)
			*chunkCount++

			if expectedSize > 0 {
				tick := int(float64(*written) / float64(expectedSize) * 20)
				if tick > *lastTick {
					*lastTick = tick
					r.log.WithFunc().WithField("percent", tick*5).Info("reassembly progress")
				}
			}

			if constrained && *chunkCount%fsyncEveryNChunks == 0 {
				if err := out.Sync(); err != nil {
					return fmt.Errorf("periodic sync: %w", err)
				}
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("read part %s: %w", srcPath, readErr)
		}
	}
}
