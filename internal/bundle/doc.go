// Package bundle defines the code bundle sum type and its two
// content-addressing schemes.
//
//	b0-<sha256 hex>   JSON module bundle, hashed over its exact text
//	b1-<sha512 hex>   zip-format bundle, hashed over the zip bytes
//
// A bundle is never accepted unless recomputing its content hash
// reproduces its ID.
package bundle
