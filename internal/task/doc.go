// Package task runs the parse pipeline in the background. A Runner keeps a
// fixed number of goroutines draining pipeline work units; they wake up on a
// poll interval or when a kick arrives through the dataset-parse queue.
package task
