// Package wav writes one call's decoded audio to a WAV container on disk.
// The header is written with placeholder size fields at creation and patched
// in place when the writer is closed, so an interrupted recording is still
// recognizably WAV even if its declared sizes are stale.
package wav

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

const (
	// HeaderSize is the fixed RIFF/fmt/data header length in bytes.
	HeaderSize = 44

	// Recording parameters are fixed per deployment: G.711 is always
	// 8 kHz mono, and we store the decoded 16-bit linear PCM.
	sampleRate    = 8000
	numChannels   = 1
	bitsPerSample = 16

	// wavFormatPCM is the WAVE format tag for uncompressed linear PCM.
	wavFormatPCM = 1
)

// Writer accumulates 16-bit little-endian PCM bytes for one session into a
// WAV file. Write appends and tracks the payload byte count; Close patches
// the header size fields and closes the file. Close is idempotent and never
// fails on an already-invalidated file handle.
type Writer struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	dataSize uint32
	closed   bool
	logger   *slog.Logger
}

// NewWriter creates the destination file (parent directories included) and
// writes a placeholder header. The caller owns the writer exclusively.
func NewWriter(path string, logger *slog.Logger) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating recordings directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating recording file: %w", err)
	}

	if err := writeHeader(f, 0); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("writing wav header: %w", err)
	}

	return &Writer{
		file:   f,
		path:   path,
		logger: logger.With("subsystem", "wav-writer", "file", path),
	}, nil
}

// Write appends PCM sample bytes to the file. Writes after Close are
// silently ignored; the caller's session gate normally prevents them, and
// a late write must never resurrect a finalized file.
func (w *Writer) Write(pcm []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed || w.file == nil {
		return 0, nil
	}

	n, err := w.file.Write(pcm)
	w.dataSize += uint32(n)
	if err != nil {
		return n, fmt.Errorf("writing pcm data: %w", err)
	}
	return n, nil
}

// Close patches the header's total-size and data-size fields with the final
// byte count and closes the file. Calling Close again is a no-op. Header
// patch failures are logged, not returned: at that point the data is on
// disk and the session must still finalize.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if w.file == nil {
		return nil
	}

	if _, err := w.file.Seek(0, 0); err != nil {
		w.logger.Error("seek for wav header rewrite failed", "error", err)
	} else if err := writeHeader(w.file, w.dataSize); err != nil {
		w.logger.Error("wav header rewrite failed", "error", err)
	}

	if err := w.file.Close(); err != nil {
		w.logger.Error("closing recording file failed", "error", err)
	}
	w.file = nil

	w.logger.Info("recording finalized",
		"data_bytes", w.dataSize,
		"duration_secs", w.dataSize/(sampleRate*numChannels*bitsPerSample/8),
	)

	return nil
}

// Path returns the destination file path.
func (w *Writer) Path() string {
	return w.path
}

// DataSize returns the number of PCM payload bytes written so far.
func (w *Writer) DataSize() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dataSize
}

// writeHeader writes the 44-byte WAV header for 8 kHz mono 16-bit PCM.
func writeHeader(f *os.File, dataSize uint32) error {
	const byteRate = sampleRate * numChannels * bitsPerSample / 8
	const blockAlign = numChannels * bitsPerSample / 8

	var hdr [HeaderSize]byte

	// RIFF header.
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], HeaderSize-8+dataSize)
	copy(hdr[8:12], "WAVE")

	// fmt sub-chunk.
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16) // sub-chunk size
	binary.LittleEndian.PutUint16(hdr[20:22], wavFormatPCM)
	binary.LittleEndian.PutUint16(hdr[22:24], numChannels)
	binary.LittleEndian.PutUint32(hdr[24:28], sampleRate)
	binary.LittleEndian.PutUint32(hdr[28:32], byteRate)
	binary.LittleEndian.PutUint16(hdr[32:34], blockAlign)
	binary.LittleEndian.PutUint16(hdr[34:36], bitsPerSample)

	// data sub-chunk.
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], dataSize)

	_, err := f.Write(hdr[:])
	return err
}
