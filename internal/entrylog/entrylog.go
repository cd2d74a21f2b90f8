// Package entrylog implements the append-only segment log kept for every
// recording session.
package entrylog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/agleyzer/hlsrecorder/internal/segment"
)

// FileName is the name of the log file inside a session directory.
const FileName = "entries.log"

// IOError reports a failed filesystem operation on the log.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("entrylog: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// InvalidLineFunc receives lines that fail to decode during Replay.
// lineNo is 1-based.
type InvalidLineFunc func(lineNo int, line string, err error)

// Log is a single append-only entry file. The Log exclusively owns its
// write handle; it is not safe for use by more than one process.
type Log struct {
	mu   sync.Mutex
	dir  string
	path string
	file *os.File
}

// Open creates dir if needed and opens its log file for appending.
// Existing content is never truncated.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &IOError{Op: "mkdir", Path: dir, Err: err}
	}

	path := filepath.Join(dir, FileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, &IOError{Op: "open", Path: path, Err: err}
	}

	if err := terminateTornTail(f, path); err != nil {
		f.Close()
		return nil, err
	}

	return &Log{dir: dir, path: path, file: f}, nil
}

// terminateTornTail ends a final line left without its line break by an
// interrupted write. The fragment stays in place and is reported by Replay
// as a malformed line; later appends start on a line of their own.
func terminateTornTail(f *os.File, path string) error {
	info, err := f.Stat()
	if err != nil {
		return &IOError{Op: "stat", Path: path, Err: err}
	}
	if info.Size() == 0 {
		return nil
	}

	r, err := os.Open(path)
	if err != nil {
		return &IOError{Op: "open", Path: path, Err: err}
	}
	defer r.Close()

	last := make([]byte, 1)
	if _, err := r.ReadAt(last, info.Size()-1); err != nil {
		return &IOError{Op: "read", Path: path, Err: err}
	}
	if last[0] == '\n' {
		return nil
	}

	if _, err := f.Write([]byte{'\n'}); err != nil {
		return &IOError{Op: "write", Path: path, Err: err}
	}
	if err := f.Sync(); err != nil {
		return &IOError{Op: "flush", Path: path, Err: err}
	}
	return nil
}

// Dir returns the session directory holding the log.
func (l *Log) Dir() string { return l.dir }

// Path returns the full path of the log file.
func (l *Log) Path() string { return l.path }

// Append writes the encoded entry at the end of the file and syncs it
// before returning.
func (l *Log) Append(e segment.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return &IOError{Op: "write", Path: l.path, Err: os.ErrClosed}
	}

	if _, err := io.WriteString(l.file, e.Encode()); err != nil {
		return &IOError{Op: "write", Path: l.path, Err: err}
	}

	if err := l.file.Sync(); err != nil {
		return &IOError{Op: "flush", Path: l.path, Err: err}
	}

	return nil
}

// Replay reads the log from the start and returns every decodable entry in
// file order. Undecodable lines, including a torn final line, are passed to
// onInvalid (if non-nil) and skipped. Replay only reads; calling it again on
// an unchanged file yields the same result.
func (l *Log) Replay(onInvalid InvalidLineFunc) ([]segment.Entry, error) {
	f, err := os.Open(l.path)
	if err != nil {
		return nil, &IOError{Op: "open", Path: l.path, Err: err}
	}
	defer f.Close()

	var entries []segment.Entry
	r := bufio.NewReader(f)
	lineNo := 0

	for {
		line, readErr := r.ReadString('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return entries, &IOError{Op: "read", Path: l.path, Err: readErr}
		}

		if line != "" {
			lineNo++
			e, err := segment.Decode(line)
			if err != nil {
				if onInvalid != nil {
					onInvalid(lineNo, line, err)
				}
			} else {
				entries = append(entries, e)
			}
		}

		if readErr != nil {
			break
		}
	}

	return entries, nil
}

// Close releases the write handle. Close is idempotent.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}

	err := l.file.Close()
	l.file = nil
	if err != nil {
		return &IOError{Op: "close", Path: l.path, Err: err}
	}
	return nil
}
