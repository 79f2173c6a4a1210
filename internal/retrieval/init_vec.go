//go:build sqlite_vec && cgo

package retrieval

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

// vecRegistered reports whether the sqlite-vec extension is compiled in.
// The store only attempts the vec0 virtual table and ANN queries when it is.
const vecRegistered = true

func init() {
	// Register the sqlite-vec extension with the mattn/go-sqlite3 driver so
	// vec_index ANN queries are available to the pattern store.
	vec.Auto()
}
