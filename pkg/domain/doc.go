// Package domain holds the data model of the orchestration core: execution
// statuses and their transition rules, node and plan executions, barriers,
// concurrent-child cursors, resource restraints and wait/notify records.
//
// Nothing in this package performs I/O.
package domain
