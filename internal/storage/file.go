package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"unlockbot/pkg/logx"
)

// fileStore is a dependency-free backend.
//
// Files:
//   - <prefix>.accounts.snapshot.json (periodic snapshot)
//   - <prefix>.accounts.journal.jsonl (append-only journal)
//   - <prefix>.fires.jsonl            (append-only audit)
//
// The journal is compacted into the snapshot every compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu           sync.Mutex
	accounts     map[string]Account
	snapshotPath string
	journal      *os.File
	fires        *os.File
	firesPath    string
	writes       int
	compactEvery int
}

type journalOp struct {
	Op      string  `json:"op"` // put|delete
	ID      string  `json:"id"`
	Account Account `json:"account,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := filepath.Dir(cfg.Path)
	base := strings.TrimSuffix(filepath.Base(cfg.Path), filepath.Ext(cfg.Path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	st := &fileStore{
		log:          log,
		accounts:     map[string]Account{},
		snapshotPath: prefix + ".accounts.snapshot.json",
		firesPath:    prefix + ".fires.jsonl",
		compactEvery: 200,
	}
	journalPath := prefix + ".accounts.journal.jsonl"

	if err := loadSnapshot(st.snapshotPath, st.accounts); err != nil && !os.IsNotExist(err) {
		log.Warn("account snapshot unreadable; starting from journal", logx.Err(err))
	}
	if err := replayJournal(journalPath, st.accounts); err != nil && !os.IsNotExist(err) {
		log.Warn("account journal replay stopped early", logx.Err(err))
	}

	var err error
	st.journal, err = os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	st.fires, err = os.OpenFile(st.firesPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = st.journal.Close()
		return nil, err
	}
	return st, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	if s.journal != nil {
		if err := s.compactLocked(); err != nil {
			firstErr = err
		}
		if err := s.journal.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.journal = nil
	}
	if s.fires != nil {
		if err := s.fires.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.fires = nil
	}
	return firstErr
}

func (s *fileStore) UpsertAccount(ctx context.Context, a Account) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return Account{}, ErrClosed
	}
	if cur, ok := s.accounts[a.ID]; ok {
		a.Status = cur.Status
	} else {
		a.Status = StatusDisconnected
	}
	a.UpdatedAt = time.Now().UTC()
	if err := s.appendLocked(journalOp{Op: "put", ID: a.ID, Account: a}); err != nil {
		return Account{}, err
	}
	s.accounts[a.ID] = a
	return a, nil
}

func (s *fileStore) GetAccount(ctx context.Context, id string) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return a, nil
}

func (s *fileStore) ListAccounts(ctx context.Context) ([]Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fileStore) DeleteAccount(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if _, ok := s.accounts[id]; !ok {
		return nil
	}
	if err := s.appendLocked(journalOp{Op: "delete", ID: id}); err != nil {
		return err
	}
	delete(s.accounts, id)
	return nil
}

func (s *fileStore) SetStatus(ctx context.Context, id string, status Status) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	a, ok := s.accounts[id]
	if !ok || a.Status == status {
		return nil
	}
	a.Status = status
	a.UpdatedAt = time.Now().UTC()
	if err := s.appendLocked(journalOp{Op: "put", ID: id, Account: a}); err != nil {
		return err
	}
	s.accounts[id] = a
	return nil
}

func (s *fileStore) AppendFire(ctx context.Context, r FireRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fires == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.fires).Encode(r)
}

func (s *fileStore) ListFires(ctx context.Context, accountID string, limit int) ([]FireRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = limitOrDefault(limit)

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.firesPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var all []FireRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r FireRecord
		if json.Unmarshal(sc.Bytes(), &r) != nil || (accountID != "" && r.AccountID != accountID) {
			continue
		}
		all = append(all, r)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	out := make([]FireRecord, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (s *fileStore) appendLocked(op journalOp) error {
	if err := json.NewEncoder(s.journal).Encode(op); err != nil {
		return err
	}
	s.writes++
	if s.writes >= s.compactEvery {
		s.writes = 0
		if err := s.compactLocked(); err != nil {
			s.log.Debug("account journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.accounts); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func loadSnapshot(path string, out map[string]Account) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]Account
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]Account) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var op journalOp
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil || op.ID == "" {
			continue
		}
		switch op.Op {
		case "put":
			out[op.ID] = op.Account
		case "delete":
			delete(out, op.ID)
		}
	}
	return sc.Err()
}
