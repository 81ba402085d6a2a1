package core

import (
	"context"
)

// ShutdownFunc is a cleanup step run during teardown. It should respect
// ctx's deadline and be safe to call more than once.
//
// Example:
//
//	var closeDB ShutdownFunc = func(ctx context.Context) error {
//	    return db.Close()
//	}
type ShutdownFunc func(ctx context.Context) error
