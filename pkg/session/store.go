package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Store is the session store. It owns every session document for the
// lifetime of the conversation and serializes mutations per session id.
type Store struct {
	backend Backend
	locks   *KeyedMutex
	logger  *zap.Logger
	now     func() time.Time
}

// NewStore creates a Store on top of backend.
func NewStore(backend Backend, logger *zap.Logger) *Store {
	return &Store{
		backend: backend,
		locks:   NewKeyedMutex(),
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Close closes the underlying backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// Create stores a fresh session. It fails with ErrSessionExists when the id
// is already present.
func (s *Store) Create(ctx context.Context, id string, meta map[string]any) (*Session, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	if _, err := s.load(ctx, id); err == nil {
		return nil, fmt.Errorf("create %s: %w", id, ErrSessionExists)
	} else if !IsNotFound(err) {
		return nil, err
	}

	return s.create(ctx, id, meta)
}

// Ensure returns the session for id, creating it first when absent. The
// boolean reports whether this call created it.
func (s *Store) Ensure(ctx context.Context, id string, meta map[string]any) (*Session, bool, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	sess, err := s.load(ctx, id)
	if err == nil {
		return sess, false, nil
	}
	if !IsNotFound(err) {
		return nil, false, err
	}

	sess, err = s.create(ctx, id, meta)
	if err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

func (s *Store) create(ctx context.Context, id string, meta map[string]any) (*Session, error) {
	now := s.now()
	sess := &Session{
		ID:          id,
		History:     []Turn{},
		Meta:        make(map[string]any, len(meta)),
		CreatedAt:   now,
		LastUpdated: now,
	}
	for k, v := range meta {
		sess.Meta[k] = v
	}

	if err := s.save(ctx, sess); err != nil {
		return nil, err
	}

	s.logger.Debug("session created", zap.String("session_id", id))
	return sess.clone(), nil
}

// Get returns the whole session document. Returns ErrNotFound if absent.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	return s.load(ctx, id)
}

// AppendTurn appends one turn to the session history and bumps LastUpdated.
func (s *Store) AppendTurn(ctx context.Context, id string, role Role, content string) (Turn, error) {
	if !role.Valid() {
		return Turn{}, fmt.Errorf("append turn to %s: invalid role %q", id, role)
	}

	var appended Turn
	err := s.update(ctx, id, func(sess *Session) {
		t := Turn{
			Role:      role,
			Content:   content,
			Timestamp: s.now(),
		}
		var prev *Turn
		if n := len(sess.History); n > 0 {
			prev = &sess.History[n-1]
		}
		t.seal(prev)

		sess.History = append(sess.History, t)
		sess.LastUpdated = t.Timestamp
		appended = t
	})
	if err != nil {
		return Turn{}, err
	}

	s.logger.Debug("turn appended",
		zap.String("session_id", id),
		zap.String("role", string(role)),
		zap.Int("content_len", len(content)),
	)
	return appended, nil
}

// History returns the session's turns in insertion order. A session with no
// turns, and an unknown session, both yield an empty slice.
func (s *Store) History(ctx context.Context, id string) ([]Turn, error) {
	sess, err := s.load(ctx, id)
	if IsNotFound(err) {
		return []Turn{}, nil
	}
	if err != nil {
		return nil, err
	}
	return sess.History, nil
}

// UpdateMeta merges partial into the session metadata.
func (s *Store) UpdateMeta(ctx context.Context, id string, partial map[string]any) error {
	return s.update(ctx, id, func(sess *Session) {
		for k, v := range partial {
			sess.Meta[k] = v
		}
		sess.LastUpdated = s.now()
	})
}

// Delete removes the session. Deleting an unknown id is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	if err := s.backend.Remove(ctx, id); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

// IDs lists every stored session id.
func (s *Store) IDs(ctx context.Context) ([]string, error) {
	return s.backend.Keys(ctx)
}

// Import stores a complete session document as-is if its id is unused. It
// reports whether the document was stored; an existing id is left untouched.
func (s *Store) Import(ctx context.Context, sess *Session) (bool, error) {
	if sess == nil || sess.ID == "" {
		return false, errors.New("import: session without id")
	}

	unlock := s.locks.Lock(sess.ID)
	defer unlock()

	if _, err := s.load(ctx, sess.ID); err == nil {
		return false, nil
	} else if !IsNotFound(err) {
		return false, err
	}

	doc := sess.clone()
	if doc.History == nil {
		doc.History = []Turn{}
	}
	if err := s.save(ctx, doc); err != nil {
		return false, err
	}
	return true, nil
}

// Verify checks the turn hash chain of the session.
func (s *Store) Verify(ctx context.Context, id string) error {
	sess, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	return sess.Verify()
}

// update performs a locked whole-document read-modify-write.
func (s *Store) update(ctx context.Context, id string, mutate func(*Session)) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	sess, err := s.load(ctx, id)
	if err != nil {
		return err
	}

	mutate(sess)
	return s.save(ctx, sess)
}

func (s *Store) load(ctx context.Context, id string) (*Session, error) {
	doc, err := s.backend.Read(ctx, id)
	if err != nil {
		return nil, err
	}

	var sess Session
	if err := json.Unmarshal(doc, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	if sess.History == nil {
		sess.History = []Turn{}
	}
	if sess.Meta == nil {
		sess.Meta = map[string]any{}
	}
	return &sess, nil
}

func (s *Store) save(ctx context.Context, sess *Session) error {
	doc, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.ID, err)
	}
	if err := s.backend.Write(ctx, sess.ID, doc); err != nil {
		return fmt.Errorf("persist session %s: %w", sess.ID, err)
	}
	return nil
}
