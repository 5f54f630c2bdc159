package bridge

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/room4-2/voicebridge/wyoming"
)

// ErrRecordingFull is returned when a capture exceeds its size cap.
var ErrRecordingFull = errors.New("debug recording full")

// Recorder accumulates one wake-to-wake window of microphone audio and writes
// it out as a WAV file when the next wake trigger rotates the capture.
// Disabled when dir is empty.
type Recorder struct {
	dir      string
	maxBytes int
	format   wyoming.AudioFormat
	log      *zap.Logger

	mu     sync.Mutex
	chunks [][]byte
	total  int
	active bool
}

// NewRecorder creates a recorder writing into dir. maxBytes caps a single
// capture; zero means 16 MiB.
func NewRecorder(dir string, maxBytes int, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxBytes <= 0 {
		maxBytes = 16 * 1024 * 1024
	}
	return &Recorder{
		dir:      dir,
		maxBytes: maxBytes,
		format:   wyoming.MicFormat,
		log:      logger.With(zap.String("component", "recorder")),
	}
}

// Enabled reports whether a recording directory is configured.
func (r *Recorder) Enabled() bool { return r != nil && r.dir != "" }

// Append buffers one mic chunk of the active capture.
func (r *Recorder) Append(pcm []byte) error {
	if !r.Enabled() {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return nil
	}
	if r.total+len(pcm) > r.maxBytes {
		return ErrRecordingFull
	}
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	r.chunks = append(r.chunks, buf)
	r.total += len(pcm)
	return nil
}

// Size returns the bytes buffered in the active capture.
func (r *Recorder) Size() int {
	if !r.Enabled() {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Rotate flushes the previous capture to disk and starts a new one. Called on
// each wake trigger.
func (r *Recorder) Rotate() {
	if !r.Enabled() {
		return
	}
	r.mu.Lock()
	chunks, total := r.chunks, r.total
	r.chunks, r.total = nil, 0
	r.active = true
	r.mu.Unlock()

	if total == 0 {
		return
	}
	name := fmt.Sprintf("debug_%s.wav", time.Now().Format("20060102_150405"))
	path := filepath.Join(r.dir, name)
	if err := writeWAV(path, chunks, total, r.format); err != nil {
		r.log.Error("failed to write debug recording", zap.String("path", path), zap.Error(err))
		return
	}
	r.log.Info("🎙️ wrote debug recording", zap.String("path", path), zap.Int("bytes", total))
}

// Close flushes any remaining capture.
func (r *Recorder) Close() {
	if !r.Enabled() {
		return
	}
	r.Rotate()
	r.mu.Lock()
	r.active = false
	r.mu.Unlock()
}

// writeWAV writes a canonical 44-byte RIFF header followed by the PCM data.
func writeWAV(path string, chunks [][]byte, total int, f wyoming.AudioFormat) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	byteRate := f.Rate * f.Channels * f.Width
	header := make([]byte, 44)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+total))
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(header[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(header[24:28], uint32(f.Rate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(header[32:34], uint16(f.Channels*f.Width))
	binary.LittleEndian.PutUint16(header[34:36], uint16(f.Width*8))
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(total))

	if _, err := file.Write(header); err != nil {
		return err
	}
	for _, chunk := range chunks {
		if _, err := file.Write(chunk); err != nil {
			return err
		}
	}
	return nil
}
