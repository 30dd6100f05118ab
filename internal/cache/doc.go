// Package cache defines the disk-backed store that maps a (partition, key)
// pair onto <root>/<partition>/<key> files. An entry only exists while its file
// is a non-empty regular file; anything else found at the path is purged on
// lookup so the caller falls back to a fresh download. Deletion is always
// best-effort and never surfaces as an error to callers.
package cache
