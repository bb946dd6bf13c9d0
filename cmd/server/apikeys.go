package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/matt-riley/promoz/internal/middleware"
	"github.com/matt-riley/promoz/internal/repository"
)

type apiKeyStore interface {
	CreateAPIKey(ctx context.Context, name string) (string, string, error)
	ListAPIKeys(ctx context.Context) ([]repository.APIKeyMeta, error)
	RevokeAPIKey(ctx context.Context, keyID string) error
}

func createAPIKey(ctx context.Context, store apiKeyStore, name string, out io.Writer) error {
	id, secret, err := store.CreateAPIKey(ctx, name)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(out, "API key %s created. Store this token now; it is not shown again:\n%s\n",
		id, middleware.FormatAPIKeyToken(id, secret))
	return err
}

func listAPIKeys(ctx context.Context, store apiKeyStore, out io.Writer) error {
	keys, err := store.ListAPIKeys(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tNAME\tCREATED\tREVOKED")
	for _, key := range keys {
		revoked := "-"
		if key.RevokedAt != nil {
			revoked = key.RevokedAt.UTC().Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", key.ID, key.Name, key.CreatedAt.UTC().Format(time.RFC3339), revoked)
	}
	return tw.Flush()
}

func revokeAPIKey(ctx context.Context, store apiKeyStore, keyID string, out io.Writer) error {
	if err := store.RevokeAPIKey(ctx, keyID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("api key %q not found or already revoked", keyID)
		}
		return err
	}

	_, err := fmt.Fprintf(out, "API key %s revoked\n", keyID)
	return err
}
