// Package barrier implements cross-branch rendezvous. Barriers are
// registered when a plan execution is created; each participating stage
// drops into its barrier and waiting steps are notified under the barrier
// instance id once it goes DOWN or times out.
package barrier
