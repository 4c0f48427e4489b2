// Package queue holds the pending synthesis tasks of a worker pool.
// It is a FIFO with a backlog bound: when the bound is reached the whole
// backlog is dropped so listeners hear recent speech instead of a growing
// delay.
package queue
