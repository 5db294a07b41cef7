// Package checkpoint persists the host's state tree in a write-ahead log so
// a restarted host resumes from its last tree and sequence.
package checkpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/tidwall/wal"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"treesync/internal/protocol"
)

const (
	recordTypeTree byte = 1

	walFolder = "wal"
)

var ErrCorrupt = errors.New("corrupt checkpoint")

// Checkpoint is a decoded log record.
type Checkpoint struct {
	Tree protocol.Tree
	Seq  uint64
}

// Log keeps only the latest checkpoint; older records are truncated after
// every successful write.
type Log struct {
	mu sync.Mutex

	dir     string
	log     *wal.Log
	nextIdx uint64
}

func Open(dir string, noSync bool) (*Log, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}

	opts := *wal.DefaultOptions
	opts.NoSync = noSync
	log, err := wal.Open(filepath.Join(dir, walFolder), &opts)
	if err != nil {
		return nil, fmt.Errorf("wal.Open: %w", err)
	}

	last, err := log.LastIndex()
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("wal.LastIndex: %w", err)
	}

	return &Log{dir: dir, log: log, nextIdx: last + 1}, nil
}

func (l *Log) Save(tree protocol.Tree, seq uint64) error {
	state, err := structpb.NewStruct(tree)
	if err != nil {
		return fmt.Errorf("encode tree: %w", err)
	}
	body, err := proto.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal tree: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	idx := l.nextIdx
	if err := l.log.Write(idx, marshalRecord(recordTypeTree, seq, body)); err != nil {
		return fmt.Errorf("wal.Write(%d): %w", idx, err)
	}
	l.nextIdx++

	if idx > 1 {
		if err := l.log.TruncateFront(idx); err != nil {
			return fmt.Errorf("wal.TruncateFront: %w", err)
		}
	}

	slog.Debug("checkpoint written", "index", idx, "seq", seq, "bytes", len(body))
	return nil
}

// Latest returns the newest checkpoint. ok is false for an empty log.
func (l *Log) Latest() (cp Checkpoint, ok bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	empty, err := l.log.IsEmpty()
	if err != nil {
		return cp, false, fmt.Errorf("wal.IsEmpty: %w", err)
	}
	if empty {
		return cp, false, nil
	}

	last, err := l.log.LastIndex()
	if err != nil {
		return cp, false, fmt.Errorf("wal.LastIndex: %w", err)
	}
	data, err := l.log.Read(last)
	if err != nil {
		return cp, false, fmt.Errorf("wal.Read(%d): %w", last, err)
	}

	recType, seq, body, err := unmarshalRecord(data)
	if err != nil {
		return cp, false, fmt.Errorf("%w: record %d: %v", ErrCorrupt, last, err)
	}
	if recType != recordTypeTree {
		return cp, false, fmt.Errorf("%w: record %d has type %d", ErrCorrupt, last, recType)
	}

	var state structpb.Struct
	if err := proto.Unmarshal(body, &state); err != nil {
		return cp, false, fmt.Errorf("%w: record %d: %v", ErrCorrupt, last, err)
	}

	return Checkpoint{Tree: protocol.Tree(state.AsMap()), Seq: seq}, true, nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.log.Close()
}

func marshalRecord(recType byte, seq uint64, payload []byte) []byte {
	buf := make([]byte, 1+2*binary.MaxVarintLen64+len(payload))
	buf[0] = recType
	n := 1
	n += binary.PutUvarint(buf[n:], seq)
	n += binary.PutUvarint(buf[n:], uint64(len(payload)))
	n += copy(buf[n:], payload)
	return buf[:n]
}

func unmarshalRecord(data []byte) (byte, uint64, []byte, error) {
	if len(data) < 3 {
		return 0, 0, nil, io.ErrUnexpectedEOF
	}
	recType := data[0]
	pos := 1

	seq, n := binary.Uvarint(data[pos:])
	if n <= 0 {
		return 0, 0, nil, io.ErrUnexpectedEOF
	}
	pos += n

	length, n := binary.Uvarint(data[pos:])
	if n <= 0 {
		return 0, 0, nil, io.ErrUnexpectedEOF
	}
	pos += n

	end := pos + int(length)
	if end > len(data) {
		return 0, 0, nil, io.ErrUnexpectedEOF
	}
	return recType, seq, data[pos:end], nil
}
