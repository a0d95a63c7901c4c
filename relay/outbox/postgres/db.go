package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
	"github.com/bxcodec/dbresolver/v2"
)

// ResolverProvider hands out the connection resolver. *postgres.Client
// implements it.
type ResolverProvider interface {
	Resolver(context.Context) (dbresolver.DB, error)
}

// resolvePrimaryDB returns the writer connection. Outbox reads go to the
// primary too: a lagging replica would hand out rows already claimed.
func resolvePrimaryDB(ctx context.Context, client ResolverProvider) (*sql.DB, error) {
	if nilcheck.Interface(client) {
		return nil, ErrConnectionRequired
	}

	resolver, err := client.Resolver(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve outbox connection: %w", err)
	}

	var primaries []*sql.DB
	if !nilcheck.Interface(resolver) {
		primaries = resolver.PrimaryDBs()
	}

	for _, db := range primaries {
		if db != nil {
			return db, nil
		}
	}

	return nil, ErrNoPrimaryDB
}
