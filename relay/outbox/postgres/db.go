package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"

	"github.com/bxcodec/dbresolver/v2"

	"github.com/LerianStudio/workflow-relay/relay/outbox"
)

type resolverProvider interface {
	Resolver(context.Context) (dbresolver.DB, error)
}

// queryer is satisfied by *sql.Tx, *sql.DB and dbresolver.DB.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func resolvePrimaryDB(ctx context.Context, client resolverProvider) (*sql.DB, error) {
	if client == nil {
		return nil, ErrConnectionRequired
	}

	value := reflect.ValueOf(client)
	if value.Kind() == reflect.Pointer && value.IsNil() {
		return nil, ErrConnectionRequired
	}

	resolved, err := client.Resolver(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	if resolved == nil {
		return nil, ErrNoPrimaryDB
	}

	primaryDBs := resolved.PrimaryDBs()
	if len(primaryDBs) == 0 {
		return nil, ErrNoPrimaryDB
	}

	if primaryDBs[0] == nil {
		return nil, ErrNoPrimaryDB
	}

	return primaryDBs[0], nil
}

// resolveReader returns the caller's transaction when there is one, and the
// load-balanced resolver otherwise. Admin reads tolerate replica lag.
func resolveReader(ctx context.Context, client resolverProvider) (queryer, error) {
	if tx, ok := outbox.TxFromContext(ctx); ok {
		return tx, nil
	}

	if client == nil {
		return nil, ErrConnectionRequired
	}

	value := reflect.ValueOf(client)
	if value.Kind() == reflect.Pointer && value.IsNil() {
		return nil, ErrConnectionRequired
	}

	resolved, err := client.Resolver(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	if resolved == nil {
		return nil, ErrNoPrimaryDB
	}

	return resolved, nil
}
