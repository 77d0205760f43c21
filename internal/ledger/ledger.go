package ledger

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"blockci/internal/security"
	"blockci/pkg/utils"

	"github.com/go-git/go-billy/v5"
)

// Entry is what a caller appends; the ledger fills in chaining fields.
type Entry struct {
	RunID    string
	Job      string
	Instance string
	Step     string
	State    string
	Output   string
}

// Ledger is an append-only JSONL file of signed records.
type Ledger struct {
	mu      sync.Mutex
	fs      billy.Filesystem
	path    string
	records []*Record
	signer  *security.Signer
	agentID string
}

// Open loads the ledger at path on fs, creating an empty one if missing.
func Open(fs billy.Filesystem, path string, signer *security.Signer, agentID string) (*Ledger, error) {
	if signer == nil {
		return nil, errors.New("ledger: a signer is required")
	}
	records, err := ReadRecords(fs, path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return &Ledger{fs: fs, path: path, records: records, signer: signer, agentID: agentID}, nil
}

// ReadRecords decodes every record of the ledger file.
func ReadRecords(fs billy.Filesystem, path string) ([]*Record, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []*Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			return nil, fmt.Errorf("ledger line %d: %w", line, err)
		}
		out = append(out, &r)
	}
	return out, sc.Err()
}

// Append chains, signs and persists one record.
func (l *Ledger) Append(e Entry) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := &Record{
		Index:      len(l.records),
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		RunID:      e.RunID,
		Job:        e.Job,
		Instance:   e.Instance,
		Step:       e.Step,
		State:      e.State,
		OutputHash: utils.HashString(e.Output),
		AgentID:    l.agentID,
	}
	if n := len(l.records); n > 0 {
		r.PrevHash = l.records[n-1].Hash
	}
	h, err := r.ComputeHash()
	if err != nil {
		return nil, fmt.Errorf("compute record hash: %w", err)
	}
	r.Hash = h
	r.Signature = l.signer.Sign([]byte(h))
	r.PubKey = l.signer.PublicHex()

	if dir := filepath.Dir(l.path); dir != "." {
		if err := l.fs.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := l.fs.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger file: %w", err)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(r); err != nil {
		return nil, fmt.Errorf("write ledger file: %w", err)
	}

	l.records = append(l.records, r)
	return r, nil
}

// Records returns copies of the records in index order.
func (l *Ledger) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, len(l.records))
	for i, r := range l.records {
		out[i] = *r
	}
	return out
}

// Len is the number of records.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Verify re-reads the file and checks the whole chain.
func (l *Ledger) Verify() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	records, err := ReadRecords(l.fs, l.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return VerifyRecords(records)
}
