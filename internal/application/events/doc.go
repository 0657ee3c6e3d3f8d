// Package events is the orchestration event bus. Handlers register for
// lifecycle event types and are invoked either inline by Publish or by a
// single background Worker through PublishAsync.
package events
