// Package storage implements the namespaced resource store that backs every
// cached artifact: spec indexes, private gems and upstream gem/gemspec copies.
// A Store is a path of namespace segments; a Resource inside it holds any number
// of independently written named blobs ("properties"). The disk implementation
// writes each property through a temp file + rename so readers never observe a
// partial blob, and serialises writers of the same resource with refcounted locks.
// Callers receive a Store explicitly (no process-wide storage root).
package storage
