// Package cluster replicates session appends across recorder nodes with
// Raft, so that any node can serve manifests for any session.
package cluster

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/agleyzer/hlsrecorder/internal/segment"
	"github.com/agleyzer/hlsrecorder/internal/session"
)

func init() {
	// Register types for gob encoding/decoding
	gob.Register(AppendEntryCommand{})
}

// SessionLog is the local destination of replicated entries.
type SessionLog interface {
	Append(k session.Key, e segment.Entry) error
	Appended(k session.Key) int
}

// CommandType identifies the type of Raft command.
type CommandType uint8

const (
	// CommandAppendEntry appends one entry to a session.
	CommandAppendEntry CommandType = 1
)

// Command represents a Raft log command.
type Command struct {
	Type CommandType
	Data any
}

// AppendEntryCommand carries one encoded entry line. Index is the position
// of the entry in its session; entries below the local count were already
// persisted and are skipped on replay.
type AppendEntryCommand struct {
	Session session.Key
	Index   int
	Line    string
}

// sessionLines is the snapshot form of the replicated state.
type sessionLines struct {
	Session session.Key
	Lines   []string
}

// SessionFSM implements raft.FSM over a SessionLog.
type SessionFSM struct {
	mu     sync.RWMutex
	target SessionLog
	lines  map[session.Key][]string
	logger *slog.Logger
}

// NewSessionFSM creates a new SessionFSM.
func NewSessionFSM(target SessionLog, logger *slog.Logger) *SessionFSM {
	return &SessionFSM{
		target: target,
		lines:  make(map[session.Key][]string),
		logger: logger,
	}
}

// Apply applies a Raft log entry to the FSM.
func (f *SessionFSM) Apply(log *raft.Log) any {
	var cmd Command
	if err := gob.NewDecoder(bytes.NewReader(log.Data)).Decode(&cmd); err != nil {
		f.logger.Error("failed to decode command", "error", err)
		return fmt.Errorf("decode command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Type {
	case CommandAppendEntry:
		return f.applyAppendEntry(cmd.Data)
	default:
		f.logger.Error("unknown command type", "type", cmd.Type)
		return fmt.Errorf("unknown command type: %d", cmd.Type)
	}
}

// applyAppendEntry decodes the line and hands it to the local session log.
func (f *SessionFSM) applyAppendEntry(data any) any {
	appendCmd, ok := data.(AppendEntryCommand)
	if !ok {
		return fmt.Errorf("invalid append entry command data")
	}

	e, err := segment.Decode(appendCmd.Line)
	if err != nil {
		f.logger.Error("dropping undecodable replicated entry", "session", appendCmd.Session, "error", err)
		return err
	}

	f.lines[appendCmd.Session] = append(f.lines[appendCmd.Session], appendCmd.Line)

	local := f.target.Appended(appendCmd.Session)
	if appendCmd.Index < local {
		f.logger.Debug("entry already persisted", "session", appendCmd.Session, "index", appendCmd.Index)
		return nil
	}
	if appendCmd.Index > local {
		f.logger.Warn("gap in replicated entries", "session", appendCmd.Session, "index", appendCmd.Index, "local", local)
	}

	if err := f.target.Append(appendCmd.Session, e); err != nil {
		f.logger.Error("failed to apply replicated entry", "session", appendCmd.Session, "error", err)
		return fmt.Errorf("append entry: %w", err)
	}
	return nil
}

// Snapshot returns an FSMSnapshot for creating a point-in-time snapshot.
func (f *SessionFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	state := make([]sessionLines, 0, len(f.lines))
	for k, lines := range f.lines {
		cp := make([]string, len(lines))
		copy(cp, lines)
		state = append(state, sessionLines{Session: k, Lines: cp})
	}

	return &fsmSnapshot{state: state}, nil
}

// Restore replaces the FSM state from a snapshot and appends to the local
// sessions whatever they are missing.
func (f *SessionFSM) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()

	var state []sessionLines
	if err := gob.NewDecoder(snapshot).Decode(&state); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.lines = make(map[session.Key][]string, len(state))
	restored := 0
	for _, s := range state {
		f.lines[s.Session] = s.Lines

		for i := f.target.Appended(s.Session); i < len(s.Lines); i++ {
			e, err := segment.Decode(s.Lines[i])
			if err != nil {
				f.logger.Warn("skipping undecodable snapshot entry", "session", s.Session, "index", i, "error", err)
				continue
			}
			if err := f.target.Append(s.Session, e); err != nil {
				return fmt.Errorf("restore session %s: %w", s.Session, err)
			}
			restored++
		}
	}

	f.logger.Info("restored FSM state from snapshot", "sessions", len(state), "appended", restored)
	return nil
}

// Sessions returns the number of sessions the FSM has seen.
func (f *SessionFSM) Sessions() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.lines)
}

// fsmSnapshot implements raft.FSMSnapshot.
type fsmSnapshot struct {
	state []sessionLines
}

// Persist writes the snapshot to the given sink.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s.state); err != nil {
		sink.Cancel()
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if _, err := sink.Write(buf.Bytes()); err != nil {
		sink.Cancel()
		return fmt.Errorf("write snapshot: %w", err)
	}

	return sink.Close()
}

// Release releases any resources held by the snapshot.
func (s *fsmSnapshot) Release() {}

// EncodeCommand encodes a command for Raft submission.
func EncodeCommand(cmd Command) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cmd); err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	return buf.Bytes(), nil
}
