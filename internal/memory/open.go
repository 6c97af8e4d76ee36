package memory

import (
	"context"
	"fmt"
)

// Open connects to the backend named by dbType ("sqlite" or "postgres") and
// makes sure the schema exists.
func Open(ctx context.Context, dbType, url string) (Store, error) {
	switch dbType {
	case "sqlite":
		s, err := NewSQLiteStore(ctx, url)
		if err != nil {
			return nil, err
		}
		if err := s.InitSchema(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := NewPostgresStore(ctx, url)
		if err != nil {
			return nil, err
		}
		if err := s.InitSchema(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}
