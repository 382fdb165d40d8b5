package common

import (
	"context"
	"io"
	"os"
)

// CopyChunkSize is the read size for bulk file copies. Flash media can
// write as slowly as a few MiB/s, so copies check for cancellation between
// chunks rather than only between files.
const CopyChunkSize = 5 * MiB

// CopyFile copies src to dst in CopyChunkSize chunks, checking ctx before
// every chunk. report, when non-nil, receives the byte count of each chunk
// as it lands.
func CopyFile(ctx context.Context, src, dst string, report func(int64)) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	buf := make([]byte, CopyChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			out.Close()
			os.Remove(dst)
			return err
		}
		n, readErr := in.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				out.Close()
				return err
			}
			if report != nil {
				report(int64(n))
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			out.Close()
			return readErr
		}
	}
	return out.Close()
}
