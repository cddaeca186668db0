// Package spool writes source downloads to scratch storage for the fallback transcode.
package spool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// DefaultChunkSize is the read size used when none is given.
const DefaultChunkSize = 4 * 1024 * 1024

// Spooler copies streams to disk in fixed-size chunks
type Spooler struct {
	chunkSize int64
}

// NewSpooler creates a spooler with the specified chunk size
func NewSpooler(chunkSize int64) *Spooler {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Spooler{
		chunkSize: chunkSize,
	}
}

// Result describes a spooled file
type Result struct {
	Path   string
	Size   int64
	Chunks int
	Hash   string
}

// ToFile copies reader into a new file at path. ctx is checked between chunks
// so a disconnected client stops the copy.
func (s *Spooler) ToFile(ctx context.Context, reader io.Reader, path string) (*Result, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create spool file: %w", err)
	}
	defer f.Close()

	hasher := sha256.New()
	res := &Result{Path: path}
	buffer := make([]byte, s.chunkSize)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, err := io.ReadFull(reader, buffer)
		if n > 0 {
			chunk := buffer[:n]
			if _, werr := f.Write(chunk); werr != nil {
				return nil, fmt.Errorf("error writing chunk %d: %w", res.Chunks, werr)
			}
			hasher.Write(chunk)
			res.Size += int64(n)
			res.Chunks++
		}

		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("error reading chunk %d: %w", res.Chunks, err)
		}
	}

	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("failed to flush spool file: %w", err)
	}
	res.Hash = hex.EncodeToString(hasher.Sum(nil))
	return res, nil
}

// Scratch is a private directory holding one request's fallback files.
type Scratch struct {
	dir string
}

// NewScratch creates a uniquely named directory under base.
func NewScratch(base string) (*Scratch, error) {
	if base == "" {
		base = os.TempDir()
	}
	dir := filepath.Join(base, "gaitlab-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	return &Scratch{dir: dir}, nil
}

// Dir returns the directory path.
func (s *Scratch) Dir() string {
	return s.dir
}

// Path joins name onto the scratch directory.
func (s *Scratch) Path(name string) string {
	return filepath.Join(s.dir, filepath.Base(name))
}

// Remove deletes the directory and everything in it.
func (s *Scratch) Remove() error {
	return os.RemoveAll(s.dir)
}
