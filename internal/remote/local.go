package remote

import (
	"context"

	"github.com/readerkit/readsync/internal/schema"
)

// LocalClient is a Client bound to one user of an in-process Backend.
type LocalClient struct {
	backend Backend
	userID  string
}

func NewLocalClient(backend Backend, userID string) *LocalClient {
	return &LocalClient{backend: backend, userID: userID}
}

func (c *LocalClient) UpsertPosition(ctx context.Context, p schema.Position) (UpsertResult, error) {
	return c.backend.UpsertPosition(ctx, c.userID, p)
}

func (c *LocalClient) FetchPosition(ctx context.Context, bookID string) (schema.Position, error) {
	return c.backend.FetchPosition(ctx, c.userID, bookID)
}

func (c *LocalClient) ListAnnotations(ctx context.Context, table Table, filter AnnotationFilter) ([]schema.Annotation, error) {
	rows, err := c.backend.ListAnnotations(ctx, c.userID, table, filter)
	if err != nil {
		return nil, err
	}
	kind, _ := table.Kind()
	for i := range rows {
		rows[i].Kind = kind
	}
	return rows, nil
}

func (c *LocalClient) UpsertAnnotation(ctx context.Context, a schema.Annotation) (schema.Annotation, error) {
	return c.backend.UpsertAnnotation(ctx, c.userID, a)
}

func (c *LocalClient) DeleteAnnotation(ctx context.Context, table Table, t Tombstone) error {
	return c.backend.DeleteAnnotation(ctx, c.userID, table, t)
}

func (c *LocalClient) FetchPreferences(ctx context.Context) (schema.Preferences, error) {
	return c.backend.FetchPreferences(ctx, c.userID)
}

func (c *LocalClient) UpsertPreferences(ctx context.Context, p schema.Preferences) (schema.Preferences, error) {
	return c.backend.UpsertPreferences(ctx, c.userID, p)
}

func (c *LocalClient) Subscribe(ctx context.Context, table Table) (<-chan ChangeEvent, error) {
	return c.backend.Subscribe(ctx, c.userID, table)
}
