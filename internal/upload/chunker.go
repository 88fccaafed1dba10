package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"callsync/internal/remote"
)

// DefaultChunkSize is the fixed chunk length; only the last chunk is shorter.
const DefaultChunkSize = 1 << 20

// ErrEmptyFile means the recording had no bytes to send.
var ErrEmptyFile = errors.New("recording file is empty")

// ChunkAPI is the remote surface used to transmit one recording.
type ChunkAPI interface {
	UploadChunk(ctx context.Context, compositeID string, index int, data []byte) error
	FinalizeUpload(ctx context.Context, compositeID string, totalChunks int) error
}

// chunkResult reports what one upload did.
type chunkResult struct {
	chunks          int
	alreadyComplete bool
}

// uploadFile streams path in chunkSize pieces and finalizes. A server-side
// "already completed" answer on any chunk or on finalize counts as success.
func uploadFile(ctx context.Context, api ChunkAPI, compositeID, path string, chunkSize int64, onChunk func()) (chunkResult, error) {
	var res chunkResult
	f, err := os.Open(path)
	if err != nil {
		return res, err
	}
	defer f.Close()

	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		n, err := io.ReadFull(f, buf)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return res, fmt.Errorf("read chunk %d: %w", res.chunks, err)
		}
		if n == 0 {
			break
		}
		if upErr := api.UploadChunk(ctx, compositeID, res.chunks, buf[:n]); upErr != nil {
			if errors.Is(upErr, remote.ErrAlreadyCompleted) {
				res.alreadyComplete = true
				return res, nil
			}
			return res, fmt.Errorf("chunk %d: %w", res.chunks, upErr)
		}
		res.chunks++
		if onChunk != nil {
			onChunk()
		}
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			break
		}
	}
	if res.chunks == 0 {
		return res, ErrEmptyFile
	}

	if err := api.FinalizeUpload(ctx, compositeID, res.chunks); err != nil {
		if errors.Is(err, remote.ErrAlreadyCompleted) {
			res.alreadyComplete = true
			return res, nil
		}
		return res, fmt.Errorf("finalize: %w", err)
	}
	return res, nil
}
