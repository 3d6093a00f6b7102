package transcript

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

const (
	skPrefixTurn = "TURN#"
	turnTTL      = 30 * 24 * time.Hour
)

// DynamoDBAPI is the subset of *dynamodb.Client used by DynamoDBStore.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoDBStore keeps transcripts in a single table keyed by session.
// Items expire through the table's "ttl" attribute.
type DynamoDBStore struct {
	api   DynamoDBAPI
	table string
	now   func() time.Time
}

func NewDynamoDBStore(api DynamoDBAPI, table string) (*DynamoDBStore, error) {
	if api == nil {
		return nil, errors.New("transcript: dynamodb api must not be nil")
	}
	if strings.TrimSpace(table) == "" {
		return nil, errors.New("transcript: dynamodb table name must not be empty")
	}
	return &DynamoDBStore{api: api, table: table, now: time.Now}, nil
}

func sessionPK(sessionID string) string { return "SESSION#" + sessionID }

func turnSK(createdAt time.Time, id string) string {
	return skPrefixTurn + createdAt.UTC().Format(time.RFC3339Nano) + "#" + id
}

func (s *DynamoDBStore) SaveTurn(ctx context.Context, record TurnRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.now().UTC()
	}

	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                turnItem(record, s.now().Add(turnTTL).Unix()),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) Recent(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error) {
	limit = normalizeLimit(limit)
	out, err := s.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixTurn},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}

	items := make([]TurnRecord, 0, len(out.Items))
	for _, item := range out.Items {
		r, err := itemToTurn(item)
		if err != nil {
			return nil, fmt.Errorf("decode turn item: %w", err)
		}
		items = append(items, r)
	}
	reverse(items)
	return items, nil
}

func (s *DynamoDBStore) Close() error { return nil }

func turnItem(r TurnRecord, ttl int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: sessionPK(r.SessionID)},
		"SK":        &types.AttributeValueMemberS{Value: turnSK(r.CreatedAt, r.ID)},
		"id":        &types.AttributeValueMemberS{Value: r.ID},
		"sessionId": &types.AttributeValueMemberS{Value: r.SessionID},
		"turnId":    &types.AttributeValueMemberS{Value: r.TurnID},
		"role":      &types.AttributeValueMemberS{Value: r.Role},
		"content":   &types.AttributeValueMemberS{Value: r.Content},
		"redacted":  &types.AttributeValueMemberBOOL{Value: r.Redacted},
		"risk":      &types.AttributeValueMemberS{Value: r.Risk},
		"createdAt": &types.AttributeValueMemberS{Value: r.CreatedAt.UTC().Format(time.RFC3339Nano)},
		"ttl":       &types.AttributeValueMemberN{Value: strconv.FormatInt(ttl, 10)},
	}
}

func itemToTurn(item map[string]types.AttributeValue) (TurnRecord, error) {
	var r TurnRecord
	var err error
	if r.ID, err = strAttr(item, "id"); err != nil {
		return TurnRecord{}, err
	}
	if r.SessionID, err = strAttr(item, "sessionId"); err != nil {
		return TurnRecord{}, err
	}
	if r.Role, err = strAttr(item, "role"); err != nil {
		return TurnRecord{}, err
	}
	if r.Content, err = strAttr(item, "content"); err != nil {
		return TurnRecord{}, err
	}
	created, err := strAttr(item, "createdAt")
	if err != nil {
		return TurnRecord{}, err
	}
	if r.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return TurnRecord{}, fmt.Errorf("parse createdAt: %w", err)
	}
	r.TurnID, _ = strAttr(item, "turnId")
	r.Risk, _ = strAttr(item, "risk")
	if b, ok := item["redacted"].(*types.AttributeValueMemberBOOL); ok {
		r.Redacted = b.Value
	}
	return r, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("attribute %q is not a string", key)
	}
	return s.Value, nil
}
