// Package snapshots keeps the device's working copy of a family's data set
// in SQLite.
//
// The Store plays the role of the application's reactive state layer: every
// mutation, including a wholesale Import, notifies change listeners
// asynchronously and in order. Settle returns once every notification queued
// before the call has been delivered, which lets the sync session hold its
// reload guard until the listeners triggered by an import have run.
package snapshots
