//go:build !sqlite_vec || !cgo

package retrieval

// vecRegistered is false without the sqlite_vec build tag; retrieval falls
// back to brute-force cosine scoring in Go.
const vecRegistered = false
