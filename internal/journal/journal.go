package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"voxscore/pkg/model"

	"github.com/dgraph-io/badger/v3"
)

var (
	ErrNotFound      = errors.New("session not in journal")
	ErrSessionExists = errors.New("session already recorded")
	ErrTerminal      = errors.New("session already finished")
)

const keyPrefix = "session/"

// Entry is the local record of one issued session id
type Entry struct {
	SessionID string              `json:"session_id"`
	UserID    string              `json:"user_id"`
	Language  string              `json:"language,omitempty"`
	FileName  string              `json:"file_name,omitempty"`
	State     model.SessionStatus `json:"state"`
	Level     model.CEFRLevel     `json:"level,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// Journal remembers every session id the client was issued so a session
// is followed at most once to completion
type Journal struct {
	db  *badger.DB
	now func() time.Time
}

func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	opts := badger.DefaultOptions(path)
	opts.Logger = nil

	return open(opts)
}

// OpenInMemory opens a journal that lives only as long as the process
func OpenInMemory() (*Journal, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return open(opts)
}

func open(opts badger.Options) (*Journal, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return &Journal{db: db, now: time.Now}, nil
}

func key(sessionID string) []byte {
	return []byte(keyPrefix + sessionID)
}

func getEntry(txn *badger.Txn, sessionID string) (*Entry, error) {
	item, err := txn.Get(key(sessionID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &e)
	}); err != nil {
		return nil, fmt.Errorf("failed to decode entry: %w", err)
	}
	return &e, nil
}

func putEntry(txn *badger.Txn, e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	return txn.Set(key(e.SessionID), data)
}

// Record stores a freshly issued session as pending
func (j *Journal) Record(e Entry) error {
	if e.SessionID == "" {
		return errors.New("failed to record session: empty id")
	}
	now := j.now().UTC()
	e.State = model.StatusPending
	e.CreatedAt = now
	e.UpdatedAt = now

	return j.db.Update(func(txn *badger.Txn) error {
		if _, err := getEntry(txn, e.SessionID); err == nil {
			return fmt.Errorf("%w: %s", ErrSessionExists, e.SessionID)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		return putEntry(txn, &e)
	})
}

func (j *Journal) Get(sessionID string) (*Entry, error) {
	var e *Entry
	err := j.db.View(func(txn *badger.Txn) error {
		var err error
		e, err = getEntry(txn, sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// CheckResumable returns the entry if the session may still be followed
func (j *Journal) CheckResumable(sessionID string) (*Entry, error) {
	e, err := j.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if e.State.IsTerminal() {
		return e, fmt.Errorf("%w: %s is %s", ErrTerminal, sessionID, e.State)
	}
	return e, nil
}

// MarkTerminal closes a session for good
func (j *Journal) MarkTerminal(sessionID string, status model.SessionStatus, level model.CEFRLevel) error {
	if !status.IsTerminal() {
		return fmt.Errorf("failed to mark %s: %q is not terminal", sessionID, status)
	}
	return j.db.Update(func(txn *badger.Txn) error {
		e, err := getEntry(txn, sessionID)
		if err != nil {
			return err
		}
		if e.State.IsTerminal() {
			return fmt.Errorf("%w: %s", ErrTerminal, sessionID)
		}
		e.State = status
		e.Level = level
		e.UpdatedAt = j.now().UTC()
		return putEntry(txn, e)
	})
}

// Touch marks a session as being processed
func (j *Journal) Touch(sessionID string, status model.SessionStatus) error {
	return j.db.Update(func(txn *badger.Txn) error {
		e, err := getEntry(txn, sessionID)
		if err != nil {
			return err
		}
		if e.State.IsTerminal() || status.IsTerminal() {
			return nil
		}
		e.State = status
		e.UpdatedAt = j.now().UTC()
		return putEntry(txn, e)
	})
}

// Pending lists sessions that never reached a terminal state, oldest first
func (j *Journal) Pending() ([]Entry, error) {
	var out []Entry
	err := j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var e Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return fmt.Errorf("failed to decode entry: %w", err)
			}
			if !e.State.IsTerminal() {
				out = append(out, e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}
