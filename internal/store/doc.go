// Package store holds the persistence primitives shared by every PostgreSQL
// store: the DBTX abstraction over pools and transactions, transaction
// handling, and the common error taxonomy.
package store
