package transcript

import (
	"context"
	"fmt"
	"strings"
)

// Options selects and configures a transcript backend.
type Options struct {
	// Kind is one of auto, memory, postgres or dynamodb. Auto picks postgres
	// when DatabaseURL is set, then dynamodb when DynamoDBTable is set.
	Kind          string
	DatabaseURL   string
	DynamoDBTable string
	DynamoDB      DynamoDBAPI
}

// ResolvedKind applies the auto rules to Kind.
func (o Options) ResolvedKind() string {
	kind := strings.ToLower(strings.TrimSpace(o.Kind))
	if kind != "" && kind != "auto" {
		return kind
	}
	switch {
	case strings.TrimSpace(o.DatabaseURL) != "":
		return "postgres"
	case strings.TrimSpace(o.DynamoDBTable) != "":
		return "dynamodb"
	default:
		return "memory"
	}
}

// NewStore builds the configured backend.
func NewStore(ctx context.Context, opts Options) (Store, error) {
	switch opts.ResolvedKind() {
	case "memory":
		return NewInMemoryStore(), nil
	case "postgres":
		return NewPostgresStore(ctx, opts.DatabaseURL)
	case "dynamodb":
		return NewDynamoDBStore(opts.DynamoDB, opts.DynamoDBTable)
	default:
		return nil, fmt.Errorf("unknown transcript store %q", opts.Kind)
	}
}
