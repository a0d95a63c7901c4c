// Package postgres manages the PostgreSQL connections used by the outbox
// store: a primary/replica resolver over the pgx stdlib driver, plus a
// migrator that applies embedded or on-disk migrations.
package postgres
