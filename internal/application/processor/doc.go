// Package processor dispatches node executions to their steps.
//
// Every execution mode (SYNC, ASYNC, CHILD, CHILDREN, CHILD_CHAIN, TASK) is
// a strategy in a dispatch table holding start, resume and abort functions.
// A strategy calls the mode specific methods of the step and hands the
// result to the Host, the engine side that persists suspensions,
// registers waits, creates children and concludes nodes.
package processor
