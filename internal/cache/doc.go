// Package cache keeps synthesized clips so repeated phrases skip the
// synthesis process. A Tiered cache puts an in-memory LRU in front of a
// zstd-compressed directory that survives restarts.
package cache
