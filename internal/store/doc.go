// Package store provides persistence for coven-board.
//
// SQLiteStore keeps messages, users and login sessions in a single SQLite
// database. The pure Go driver (modernc.org/sqlite) is the default; the cgo
// driver (github.com/mattn/go-sqlite3) can be selected with database.driver.
//
// Write operations report uniqueness violations as errors that match
// ErrConflict, and missing rows as ErrNotFound:
//
//	err := s.CreateMessage(ctx, &store.Message{Title: "hi", Content: "there"})
//	if errors.Is(err, store.ErrConflict) {
//		// title already taken
//	}
//
// MockStore is an in-memory implementation with call counters and injectable
// failures for use in tests of the packages built on top of this one.
package store
