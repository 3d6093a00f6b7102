package transcript

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

func TestInMemoryStoreRecentIsChronological(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	for i, text := range []string{"one", "two", "three"} {
		err := s.SaveTurn(ctx, TurnRecord{SessionID: "s1", Role: RoleUser, Content: text, CreatedAt: time.Unix(int64(i), 0)})
		if err != nil {
			t.Fatalf("SaveTurn() error = %v", err)
		}
	}
	_ = s.SaveTurn(ctx, TurnRecord{SessionID: "s2", Role: RoleUser, Content: "other"})

	got, err := s.Recent(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 2 || got[0].Content != "two" || got[1].Content != "three" {
		t.Fatalf("Recent() = %+v, want [two three]", got)
	}
	if got[0].ID == "" {
		t.Fatalf("ID not assigned")
	}
}

func TestInMemoryStoreBoundsHistory(t *testing.T) {
	s := NewInMemoryStore()
	for i := 0; i < maxTurnsPerSession+5; i++ {
		_ = s.SaveTurn(context.Background(), TurnRecord{SessionID: "s1", Content: "x"})
	}
	got, _ := s.Recent(context.Background(), "s1", maxTurnsPerSession*2)
	if len(got) != maxTurnsPerSession {
		t.Fatalf("len(Recent()) = %d, want %d", len(got), maxTurnsPerSession)
	}
}

func TestNewStoreSelectsBackend(t *testing.T) {
	s, err := NewStore(context.Background(), Options{Kind: "auto"})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if _, ok := s.(*InMemoryStore); !ok {
		t.Fatalf("NewStore(auto) = %T, want *InMemoryStore", s)
	}

	s, err = NewStore(context.Background(), Options{DynamoDBTable: "turns", DynamoDB: &fakeDynamo{}})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if _, ok := s.(*DynamoDBStore); !ok {
		t.Fatalf("NewStore(dynamodb table) = %T, want *DynamoDBStore", s)
	}

	if _, err := NewStore(context.Background(), Options{Kind: "dynamodb", DynamoDBTable: "turns"}); err == nil {
		t.Fatalf("NewStore(dynamodb without client) error = nil")
	}
	if _, err := NewStore(context.Background(), Options{Kind: "redis"}); err == nil {
		t.Fatalf("NewStore(redis) error = nil")
	}
}

type fakeDynamo struct {
	putErr       error
	queryOut     *dynamodb.QueryOutput
	lastPutInput *dynamodb.PutItemInput
	lastQueryIn  *dynamodb.QueryInput
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutInput = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.lastQueryIn = in
	if f.queryOut == nil {
		return &dynamodb.QueryOutput{}, nil
	}
	return f.queryOut, nil
}

func TestDynamoDBStoreSaveTurnWritesKeys(t *testing.T) {
	db := &fakeDynamo{}
	s, err := NewDynamoDBStore(db, "turns")
	if err != nil {
		t.Fatalf("NewDynamoDBStore() error = %v", err)
	}
	created := time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC)
	err = s.SaveTurn(context.Background(), TurnRecord{
		ID: "r1", SessionID: "s1", TurnID: "t1", Role: RoleUser, Content: "run tests", Redacted: true, CreatedAt: created,
	})
	if err != nil {
		t.Fatalf("SaveTurn() error = %v", err)
	}
	item := db.lastPutInput.Item
	if pk := item["PK"].(*types.AttributeValueMemberS).Value; pk != "SESSION#s1" {
		t.Fatalf("PK = %q, want SESSION#s1", pk)
	}
	if sk := item["SK"].(*types.AttributeValueMemberS).Value; sk != "TURN#2026-10-17T09:30:00Z#r1" {
		t.Fatalf("SK = %q", sk)
	}
	if b := item["redacted"].(*types.AttributeValueMemberBOOL).Value; !b {
		t.Fatalf("redacted = false, want true")
	}
	if _, ok := item["ttl"].(*types.AttributeValueMemberN); !ok {
		t.Fatalf("ttl attribute missing")
	}
}

func TestDynamoDBStoreSaveTurnWrapsError(t *testing.T) {
	s, _ := NewDynamoDBStore(&fakeDynamo{putErr: errors.New("throttled")}, "turns")
	err := s.SaveTurn(context.Background(), TurnRecord{SessionID: "s1"})
	if err == nil || !strings.Contains(err.Error(), "throttled") {
		t.Fatalf("SaveTurn() error = %v, want throttled", err)
	}
}

func TestDynamoDBStoreRecentReversesNewestFirst(t *testing.T) {
	newer := TurnRecord{ID: "b", SessionID: "s1", Role: RoleAssistant, Content: "done", CreatedAt: time.Unix(20, 0).UTC()}
	older := TurnRecord{ID: "a", SessionID: "s1", Role: RoleUser, Content: "go", CreatedAt: time.Unix(10, 0).UTC()}
	db := &fakeDynamo{queryOut: &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{
		turnItem(newer, 0),
		turnItem(older, 0),
	}}}
	s, _ := NewDynamoDBStore(db, "turns")

	got, err := s.Recent(context.Background(), "s1", 5)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("Recent() = %+v, want [a b]", got)
	}
	if !got[1].CreatedAt.Equal(newer.CreatedAt) {
		t.Fatalf("CreatedAt = %v, want %v", got[1].CreatedAt, newer.CreatedAt)
	}
	if *db.lastQueryIn.ScanIndexForward || *db.lastQueryIn.Limit != 5 {
		t.Fatalf("query = %+v, want newest first with limit 5", db.lastQueryIn)
	}
}

func TestDynamoDBStoreRecentRejectsMalformedItem(t *testing.T) {
	db := &fakeDynamo{queryOut: &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{
		{"id": &types.AttributeValueMemberN{Value: "1"}},
	}}}
	s, _ := NewDynamoDBStore(db, "turns")
	if _, err := s.Recent(context.Background(), "s1", 0); err == nil {
		t.Fatalf("Recent() error = nil, want decode error")
	}
}

func TestOptionsResolvedKind(t *testing.T) {
	tests := []struct {
		opts Options
		want string
	}{
		{Options{}, "memory"},
		{Options{Kind: "AUTO", DatabaseURL: "postgres://x"}, "postgres"},
		{Options{DatabaseURL: "postgres://x", DynamoDBTable: "t"}, "postgres"},
		{Options{DynamoDBTable: "t"}, "dynamodb"},
		{Options{Kind: "memory", DatabaseURL: "postgres://x"}, "memory"},
	}
	for _, tc := range tests {
		if got := tc.opts.ResolvedKind(); got != tc.want {
			t.Fatalf("ResolvedKind(%+v) = %q, want %q", tc.opts, got, tc.want)
		}
	}
}
