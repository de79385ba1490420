package db

import "errors"

// ErrNotFound is returned by lookup methods when no row matches. The store
// layer translates gorm.ErrRecordNotFound into this sentinel so callers do
// not depend on the ORM.
var ErrNotFound = errors.New("db: record not found")
