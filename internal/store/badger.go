package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Tyrowin/teamchat/internal/chat"
	"github.com/dgraph-io/badger/v4"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	sequenceKey       = "seq:message_id"
	sequenceBandwidth = 128
	// maxKeyID sorts after every zero-padded id.
	maxKeyID = "99999999999999999999"
)

// BadgerStore persists messages in BadgerDB. Keys are
// "msg:{team_id:020d}:{message_id:020d}" so a prefix scan returns a team's
// messages in id order; ids come from a badger Sequence.
type BadgerStore struct {
	db      *badger.DB
	seq     *badger.Sequence
	log     *zap.Logger
	writers writerLocks
	now     func() time.Time
}

// OpenBadger opens (or creates) the store at path. An empty path opens an
// in-memory database.
func OpenBadger(path string, logger *zap.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).
		WithLogger(badgerLogger{logger.Sugar()}).
		WithLoggingLevel(badger.WARNING)
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", path, err)
	}
	seq, err := db.GetSequence([]byte(sequenceKey), sequenceBandwidth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open message sequence: %w", err)
	}
	return &BadgerStore{db: db, seq: seq, log: logger, now: time.Now}, nil
}

func teamPrefix(teamID int64) []byte {
	return []byte(fmt.Sprintf("msg:%020d:", teamID))
}

func messageKey(teamID, id int64) []byte {
	return []byte(fmt.Sprintf("msg:%020d:%020d", teamID, id))
}

// Append implements Store.
func (s *BadgerStore) Append(ctx context.Context, d Draft) (chat.Message, error) {
	content, err := chat.NormalizeContent(d.Content, 0)
	if err != nil {
		return chat.Message{}, err
	}

	w := s.writers.get(d.TeamID)
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.primed {
		last, err := s.History(ctx, d.TeamID, 1, 0)
		if err != nil {
			return chat.Message{}, err
		}
		if len(last) == 1 {
			w.clock.commit(last[0].CreatedAt)
		}
		w.primed = true
	}

	n, err := s.seq.Next()
	if err != nil {
		return chat.Message{}, chat.NewError(chat.KindStorage, "allocate message id", err)
	}

	msg := chat.Message{
		ID:        int64(n) + 1,
		TeamID:    d.TeamID,
		UserID:    d.UserID,
		UserName:  d.UserName,
		Content:   content,
		CreatedAt: w.clock.next(s.now()),
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return chat.Message{}, chat.NewError(chat.KindStorage, "encode message", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(msg.TeamID, msg.ID), value)
	})
	if err != nil {
		return chat.Message{}, chat.NewError(chat.KindStorage, "write message", err)
	}

	w.clock.commit(msg.CreatedAt)
	return msg, nil
}

// History implements Store. It walks the team prefix backwards from the
// cursor and reverses the page so callers get oldest-to-newest order.
func (s *BadgerStore) History(_ context.Context, teamID int64, limit int, before int64) ([]chat.Message, error) {
	if before == 1 {
		return []chat.Message{}, nil
	}

	prefix := teamPrefix(teamID)
	seek := append(append([]byte{}, prefix...), maxKeyID...)
	if before > 1 {
		seek = messageKey(teamID, before-1)
	}

	page := make([]chat.Message, 0, lo.Ternary(limit > 0, limit, 16))
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(page) == limit {
				break
			}
			var msg chat.Message
			err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &msg)
			})
			if err != nil {
				return err
			}
			page = append(page, msg)
		}
		return nil
	})
	if err != nil {
		return nil, chat.NewError(chat.KindStorage, "read history", err)
	}
	return lo.Reverse(page), nil
}

// Close releases the id lease and closes the database.
func (s *BadgerStore) Close() error {
	if err := s.seq.Release(); err != nil {
		s.log.Warn("release message sequence", zap.Error(err))
	}
	return s.db.Close()
}

// badgerLogger adapts zap to badger.Logger.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}
