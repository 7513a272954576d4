// Package dataexport defines the data model and boundary contracts of the
// export scheduler: tasks, work items, statuses, savepoints, the provider
// plug-in surface, and the storage/lock/notification interfaces the runtime
// components are written against.
//
// The runtime itself lives in dataexport/service (scheduler + executions),
// dataexport/archive (artifact sinks, result archives) and dataexport/sqlite
// (the SQLite-backed job store).
package dataexport
