// Package postgres stores outbox messages in a PostgreSQL table.
//
// The schema ships in Migrations (golang-migrate format). Apply it with
// postgres.Migrator using Source: Migrations and SourcePath: MigrationsPath.
//
// Claims are two-phase: a candidate select followed by one conditional
// UPDATE ... RETURNING per row. Postgres re-evaluates the WHERE clause after
// acquiring the row lock, so a row can be claimed by only one dispatcher per
// lock window without holding a transaction across the batch.
package postgres
