// Package digest provides the content-hash primitives used by every
// swing-store component.
//
// All digests are lowercase hex strings. Transcript spans are hash chained:
//
//	hash(span) = Fold(...Fold(Fold(TranscriptSeed, item0), item1)..., itemN)
//	Fold(prev, item) = SHA256(prev ++ SHA256(item))
//
// Each span restarts from TranscriptSeed, so a span can be verified on its
// own when it arrives as a state-sync artifact.
package digest
