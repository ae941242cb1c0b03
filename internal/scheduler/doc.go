// Package scheduler owns conversion jobs from admission to terminal status.
// Jobs wait in an unbounded FIFO queue and run in a fixed-size slot pool;
// each job executes in isolation and reports its outcome on a per-job
// channel. Failed jobs leave no partial output behind.
package scheduler
