package access

import (
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/hbomb79/Harmony/internal/database"
)

const whitelistTable = "whitelist"

// Store is the persistence layer for the allow-list. Membership has set
// semantics keyed on the user ID, so inserting an existing member is a no-op.
type Store struct{}

func (store *Store) Insert(db database.Queryable, userID UserID) error {
	query, args, err := squirrel.Insert(whitelistTable).
		Columns("user_id").
		Values(userID).
		Suffix("ON CONFLICT (user_id) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to construct whitelist insert query: %w", err)
	}

	if _, err := db.Exec(db.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to insert %s in to whitelist: %w", userID, err)
	}

	return nil
}

// Delete removes the user from the allow-list, returning whether
// a row was actually removed.
func (store *Store) Delete(db database.Queryable, userID UserID) (bool, error) {
	query, args, err := squirrel.Delete(whitelistTable).Where(squirrel.Eq{"user_id": userID}).ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to construct whitelist delete query: %w", err)
	}

	res, err := db.Exec(db.Rebind(query), args...)
	if err != nil {
		return false, fmt.Errorf("failed to delete %s from whitelist: %w", userID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected > 0, nil
}

func (store *Store) Exists(db database.Queryable, userID UserID) (bool, error) {
	query, args, err := squirrel.Select("COUNT(*)").From(whitelistTable).Where(squirrel.Eq{"user_id": userID}).ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to construct whitelist lookup query: %w", err)
	}

	var count int
	if err := db.Get(&count, db.Rebind(query), args...); err != nil {
		return false, fmt.Errorf("failed to lookup %s in whitelist: %w", userID, err)
	}

	return count > 0, nil
}

// List returns every member of the allow-list, ordered by ID
func (store *Store) List(db database.Queryable) ([]UserID, error) {
	query, args, err := squirrel.Select("user_id").From(whitelistTable).OrderBy("user_id ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct whitelist list query: %w", err)
	}

	var members []UserID
	if err := db.Select(&members, db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list whitelist: %w", err)
	}

	return members, nil
}
