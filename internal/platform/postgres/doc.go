// Package postgres provides the PostgreSQL implementations of the storage
// interfaces used by the ingest service: the delay queue backend, the
// training unit claim store, the dataset catalog, the quota gate with its
// usage log, and the training data sink. Schema migrations are embedded and
// applied with goose.
//
// Every store works on a store.DBTX, so it can run against a pool or inside
// a transaction opened with store.RunInTransaction.
package postgres
