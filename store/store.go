package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"chathub/crypto"
)

var (
	profilesBucket  = []byte("profiles")
	globalBucket    = []byte("global")
	globalLedgerKey = []byte("ledger")
)

// ErrConversationNotFound is returned by operations that target a specific
// conversation ID.
var ErrConversationNotFound = errors.New("conversation not found")

// StorageError wraps I/O and corruption failures. A corrupted record is
// surfaced, never treated as empty history.
type StorageError struct {
	Op     string
	UserID string
	Err    error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s for user %s: %v", e.Op, e.UserID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Store owns per-user conversation collections, encrypting on save and
// decrypting on load. Every profile is persisted as a single
// [nonce][ciphertext][tag] blob keyed by user ID.
type Store struct {
	db         *bolt.DB
	enc        *crypto.Helper
	locks      *userLocks
	globalLock *userLocks // single "global" key, reuses the lock map type
	maxHistory int
	log        zerolog.Logger
}

// Options tune a Store beyond its required dependencies.
type Options struct {
	// MaxHistory overrides the per-conversation message cap. Zero means
	// MaxMessages.
	MaxHistory int
}

// Open opens (creating if needed) the profile database at path.
func Open(path string, enc *crypto.Helper, log zerolog.Logger, opts Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(profilesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(globalBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	maxHistory := opts.MaxHistory
	if maxHistory <= 0 {
		maxHistory = MaxMessages
	}

	return &Store{
		db:         db,
		enc:        enc,
		locks:      newUserLocks(),
		globalLock: newUserLocks(),
		maxHistory: maxHistory,
		log:        log.With().Str("component", "store").Logger(),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load reads and decrypts a user's profile. A user with no prior data gets a
// fresh empty profile; only corrupted data fails.
func (s *Store) Load(userID string) (*UserProfile, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(profilesBucket).Get([]byte(userID)); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, &StorageError{Op: "load", UserID: userID, Err: err}
	}

	if raw == nil {
		return NewUserProfile(), nil
	}

	return s.decodeProfile(userID, raw)
}

func (s *Store) decodeProfile(userID string, raw []byte) (*UserProfile, error) {
	plaintext, err := s.enc.Decrypt(raw)
	if err != nil {
		return nil, &StorageError{Op: "decrypt", UserID: userID, Err: err}
	}

	var profile UserProfile
	if err := json.Unmarshal(plaintext, &profile); err != nil {
		return nil, &StorageError{Op: "decode", UserID: userID, Err: err}
	}
	if profile.Conversations == nil {
		profile.Conversations = make(map[string]*Conversation)
	}
	return &profile, nil
}

// Save serializes, encrypts and writes a profile. The bolt transaction makes
// the write atomic; a concurrent reader sees either the old or the new blob.
func (s *Store) Save(userID string, profile *UserProfile) error {
	lock := s.locks.get(userID)
	lock.Lock()
	defer lock.Unlock()
	return s.saveLocked(userID, profile)
}

func (s *Store) saveLocked(userID string, profile *UserProfile) error {
	plaintext, err := json.Marshal(profile)
	if err != nil {
		return &StorageError{Op: "encode", UserID: userID, Err: err}
	}

	blob, err := s.enc.Encrypt(plaintext)
	if err != nil {
		return &StorageError{Op: "encrypt", UserID: userID, Err: err}
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(profilesBucket).Put([]byte(userID), blob)
	})
	if err != nil {
		return &StorageError{Op: "save", UserID: userID, Err: err}
	}
	return nil
}

// Update loads a profile, applies fn, and saves the result, all under the
// user's lock. It is the serialization point for every profile mutation.
func (s *Store) Update(userID string, fn func(*UserProfile) error) error {
	lock := s.locks.get(userID)
	lock.Lock()
	defer lock.Unlock()

	profile, err := s.Load(userID)
	if err != nil {
		return err
	}
	if err := fn(profile); err != nil {
		return err
	}
	return s.saveLocked(userID, profile)
}

// Append adds messages to a conversation and persists the profile in one
// write, applying the history cap. A multi-message call (a user turn and its
// reply) lands atomically; no reader sees the turn without the reply.
// Appending to an unknown conversation ID creates it, which preserves the
// auto-recreate behavior for the default conversation.
func (s *Store) Append(userID, conversationID string, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}

	return s.Update(userID, func(p *UserProfile) error {
		conv, ok := p.Conversations[conversationID]
		if !ok {
			conv = newConversation(conversationID, "")
			p.Conversations[conversationID] = conv
			if p.ActiveConversationID == "" {
				p.ActiveConversationID = conversationID
			}
		}

		conv.Messages = append(conv.Messages, msgs...)
		if len(conv.Messages) > s.maxHistory {
			conv.Messages = conv.Messages[len(conv.Messages)-s.maxHistory:]
		}
		conv.UpdatedAt = nowSeconds()
		return nil
	})
}

// Purge deletes all of a user's conversations and resets the active ID. The
// spend ledger survives; budget accounting is independent of history.
func (s *Store) Purge(userID string) error {
	return s.Update(userID, func(p *UserProfile) error {
		p.Conversations = make(map[string]*Conversation)
		p.ActiveConversationID = ""
		return nil
	})
}

// NewConversation creates a conversation, makes it active, and returns it.
// IDs are "conv_" + unix seconds; a same-second collision gets a short random
// suffix instead of silently overwriting the earlier conversation.
func (s *Store) NewConversation(userID, title string) (*Conversation, error) {
	var created *Conversation
	err := s.Update(userID, func(p *UserProfile) error {
		id := fmt.Sprintf("conv_%d", time.Now().Unix())
		if _, exists := p.Conversations[id]; exists {
			id = fmt.Sprintf("%s-%s", id, uuid.NewString()[:8])
		}

		created = newConversation(id, title)
		p.Conversations[id] = created
		p.ActiveConversationID = id
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Debug().Str("user_id", userID).Str("conversation_id", created.ID).Msg("conversation created")
	return created, nil
}

func newConversation(id, title string) *Conversation {
	if title == "" {
		title = fmt.Sprintf("Conversation %s", id)
	}
	now := nowSeconds()
	return &Conversation{
		ID:        id,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  []Message{},
	}
}

// DeleteConversation removes one conversation. Deleting the active one clears
// the active ID.
func (s *Store) DeleteConversation(userID, conversationID string) error {
	return s.Update(userID, func(p *UserProfile) error {
		if _, ok := p.Conversations[conversationID]; !ok {
			return ErrConversationNotFound
		}
		delete(p.Conversations, conversationID)
		if p.ActiveConversationID == conversationID {
			p.ActiveConversationID = ""
		}
		return nil
	})
}

// SetActive switches the user's active conversation.
func (s *Store) SetActive(userID, conversationID string) error {
	return s.Update(userID, func(p *UserProfile) error {
		if _, ok := p.Conversations[conversationID]; !ok {
			return ErrConversationNotFound
		}
		p.ActiveConversationID = conversationID
		return nil
	})
}

// SetModel records the user's preferred model.
func (s *Store) SetModel(userID, model string) error {
	return s.Update(userID, func(p *UserProfile) error {
		p.Model = model
		return nil
	})
}

// SetSystemPrompt sets the user's personal system prompt. Empty clears it,
// falling back to the configured default.
func (s *Store) SetSystemPrompt(userID, prompt string) error {
	return s.Update(userID, func(p *UserProfile) error {
		p.SystemPrompt = prompt
		return nil
	})
}

// SetPrivateMode toggles private mode for a user.
func (s *Store) SetPrivateMode(userID string, private bool) error {
	return s.Update(userID, func(p *UserProfile) error {
		p.PrivateMode = private
		return nil
	})
}

// UpdateGlobalLedger applies fn to the process-wide spend ledger under its own
// lock, independent of any per-user lock.
func (s *Store) UpdateGlobalLedger(fn func(*Ledger) error) error {
	lock := s.globalLock.get("global")
	lock.Lock()
	defer lock.Unlock()

	ledger, err := s.loadGlobalLedger()
	if err != nil {
		return err
	}
	if err := fn(ledger); err != nil {
		return err
	}

	plaintext, err := json.Marshal(ledger)
	if err != nil {
		return &StorageError{Op: "encode", UserID: "global", Err: err}
	}
	blob, err := s.enc.Encrypt(plaintext)
	if err != nil {
		return &StorageError{Op: "encrypt", UserID: "global", Err: err}
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(globalBucket).Put(globalLedgerKey, blob)
	})
	if err != nil {
		return &StorageError{Op: "save", UserID: "global", Err: err}
	}
	return nil
}

// GlobalLedger returns a copy of the process-wide spend ledger.
func (s *Store) GlobalLedger() (Ledger, error) {
	lock := s.globalLock.get("global")
	lock.Lock()
	defer lock.Unlock()

	ledger, err := s.loadGlobalLedger()
	if err != nil {
		return Ledger{}, err
	}
	return *ledger, nil
}

func (s *Store) loadGlobalLedger() (*Ledger, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(globalBucket).Get(globalLedgerKey); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, &StorageError{Op: "load", UserID: "global", Err: err}
	}
	if raw == nil {
		return &Ledger{}, nil
	}

	plaintext, err := s.enc.Decrypt(raw)
	if err != nil {
		return nil, &StorageError{Op: "decrypt", UserID: "global", Err: err}
	}
	var ledger Ledger
	if err := json.Unmarshal(plaintext, &ledger); err != nil {
		return nil, &StorageError{Op: "decode", UserID: "global", Err: err}
	}
	return &ledger, nil
}
