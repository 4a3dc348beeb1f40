package access

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/hbomb79/Harmony/internal/database"
	"github.com/hbomb79/Harmony/pkg/logger"
)

var log = logger.Get("AccessGate")

var (
	ErrNotOwner       = errors.New("only the owner may manage the allow-list")
	ErrNotWhitelisted = errors.New("user is not on the allow-list")
	ErrOwnerImmutable = errors.New("the owner cannot be removed from the allow-list")
	ErrInvalidUser    = errors.New("user ID must not be empty")
)

// UserID is the chat-platform identity of a requester
type UserID string

// Gate decides whether a requester may use the pipeline. The owner is
// always a member; every other user must be present on the persisted
// allow-list. Membership is read from the store on every check, and
// mutations are serialised against reads so that a successful Grant
// or Revoke is visible to the very next IsAuthorized call.
type Gate struct {
	mu    sync.RWMutex
	owner UserID
	db    database.Queryable
	store *Store
}

// NewGate constructs a Gate for the owner provided and seeds
// the owner in to the allow-list.
func NewGate(owner UserID, db database.Queryable) (*Gate, error) {
	if owner == "" {
		return nil, fmt.Errorf("cannot construct access gate: owner %w", ErrInvalidUser)
	}

	gate := &Gate{owner: owner, db: db, store: &Store{}}
	if err := gate.store.Insert(db, owner); err != nil {
		return nil, fmt.Errorf("failed to seed owner in to allow-list: %w", err)
	}

	return gate, nil
}

// IsOwner is the single capability check for owner-only operations
func (gate *Gate) IsOwner(userID UserID) bool {
	return userID == gate.owner
}

func (gate *Gate) Owner() UserID {
	return gate.owner
}

// Authorize returns ErrNotWhitelisted if the user is not permitted
// to submit jobs. Failure to consult the store denies access.
func (gate *Gate) Authorize(userID UserID) error {
	if gate.IsOwner(userID) {
		return nil
	}

	gate.mu.RLock()
	defer gate.mu.RUnlock()

	ok, err := gate.store.Exists(gate.db, userID)
	if err != nil {
		log.Errorf("Authorization check for %s failed, denying access: %v\n", userID, err)
		return fmt.Errorf("%w: %w", ErrNotWhitelisted, err)
	}
	if !ok {
		return ErrNotWhitelisted
	}

	return nil
}

func (gate *Gate) IsAuthorized(userID UserID) bool {
	return gate.Authorize(userID) == nil
}

// Grant adds the target to the allow-list on behalf of the requester
func (gate *Gate) Grant(requester UserID, target UserID) error {
	if !gate.IsOwner(requester) {
		log.Warnf("User %s attempted to grant access to %s\n", requester, target)
		return ErrNotOwner
	}
	if target == "" {
		return ErrInvalidUser
	}

	gate.mu.Lock()
	defer gate.mu.Unlock()

	if err := gate.store.Insert(gate.db, target); err != nil {
		return err
	}

	log.Emit(logger.NEW, "Granted access to %s\n", target)
	return nil
}

// Revoke removes the target from the allow-list on behalf of the requester.
// Revoking a user who is not a member is not an error.
func (gate *Gate) Revoke(requester UserID, target UserID) error {
	if !gate.IsOwner(requester) {
		log.Warnf("User %s attempted to revoke access from %s\n", requester, target)
		return ErrNotOwner
	}
	if gate.IsOwner(target) {
		return ErrOwnerImmutable
	}

	gate.mu.Lock()
	defer gate.mu.Unlock()

	removed, err := gate.store.Delete(gate.db, target)
	if err != nil {
		return err
	}

	if removed {
		log.Emit(logger.REMOVE, "Revoked access from %s\n", target)
	}
	return nil
}

// ListMembers returns all members of the allow-list (always including
// the owner), sorted by ID.
func (gate *Gate) ListMembers() ([]UserID, error) {
	gate.mu.RLock()
	members, err := gate.store.List(gate.db)
	gate.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	if !slices.Contains(members, gate.owner) {
		members = append(members, gate.owner)
	}

	slices.Sort(members)
	return members, nil
}
