package logger

import (
	"io"
	"os"
	"path/filepath"
)

// NewFileSink opens (creating parent directories as needed) an append-only
// log file and returns a logrus hook-free io.WriteCloser suitable for
// SetLogOutput or for fan-out via io.MultiWriter. Callers that want both
// stdout and the file sink should wrap the result with io.MultiWriter
// themselves.
func NewFileSink(path string) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// AttachFileSink configures the global logger to also write to path,
// in addition to its current output. It returns the opened file so the
// caller can close it on shutdown.
func AttachFileSink(path string) (io.Closer, error) {
	f, err := NewFileSink(path)
	if err != nil {
		return nil, err
	}
	L.Logger.SetOutput(io.MultiWriter(L.Logger.Out, f))
	return f, nil
}
