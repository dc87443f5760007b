// Package mongo provides MongoDB-backed run event log storage.
//
// Use clients/mongo to build the low-level client and pass it to NewStore to
// obtain a runlog.Store that persists the events delivered for each run. The
// store also implements health.Pinger so servers can report its status.
package mongo
