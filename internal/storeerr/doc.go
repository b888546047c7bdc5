// Package storeerr defines the error taxonomy shared by every swing-store
// component.
//
// All errors are fatal to the calling operation. Callers distinguish
// them with the Is* helpers, which see through fmt.Errorf wrapping:
//
//	if storeerr.IsNotFound(err) { ... }
package storeerr
