// Package scrape holds the vocabulary of the pipeline: source kinds, raw
// documents, normalized records, jobs and their state machine, the failure
// taxonomy, and the interfaces each subsystem is written against.
package scrape
