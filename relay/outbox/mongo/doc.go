// Package mongo implements outbox.Store on a MongoDB collection.
//
// Messages are stored one document per row with the same fields and status
// codes as the PostgreSQL table. Claims are conditional FindOneAndUpdate
// calls, so concurrent dispatchers never share a message inside a lock
// window. Enqueue joins the transaction carried by a session context when
// there is one; otherwise multi-message inserts run in their own transaction,
// which needs a replica set.
package mongo
