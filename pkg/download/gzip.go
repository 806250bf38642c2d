package download

import (
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"

	"vmpuller/pkg/vmerr"
)

// mediaTypeDiskGzip is reserved: no manifest in the current test suite
// emits it, per spec.md §9's open question on the gzip pipeline.
const mediaTypeDiskGzip = "application/vnd.oci.image.layer.v1.tar+gzip"

// gzipDecompress streams src through a gzip reader into dst. Schedule
// calls it for any layer whose media type is mediaTypeDiskGzip.
func gzipDecompress(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return &vmerr.DecompressionFailedError{File: src, Err: err}
	}
	defer in.Close()

	zr, err := gzip.NewReader(in)
	if err != nil {
		return &vmerr.DecompressionFailedError{File: src, Err: err}
	}
	defer zr.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return &vmerr.DecompressionFailedError{File: src, Err: err}
	}

	if _, err := io.Copy(out, zr); err != nil {
		out.Close()
		os.Remove(dst)
		return &vmerr.DecompressionFailedError{File: src, Err: fmt.Errorf("decompress stream: %w", err)}
	}

	return out.Close()
}
