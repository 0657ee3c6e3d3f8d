// Package concurrency bounds the number of children a parent node runs at
// once.
//
// A parent that fans out to many children persists a ConcurrentChildInstance
// holding the ordered child ids and a cursor at the last dispatched child.
// Every child completion, successful or not, advances the cursor under a
// lock scoped to the parent and starts the child at the new position. The
// child is started only after the lock is released.
package concurrency
