package repository

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

	"dm-responder/internal/state"
)

var newVersion = func() string {
	return uuid.NewString()
}

const (
	pkPrefixKV = "KV#"
	skValue    = "VALUE"
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoStore.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoStore keeps session and handover state in a DynamoDB table with a
// native TTL attribute. DynamoDB deletes expired items lazily, so reads also
// check the stored deadline.
type DynamoStore struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// NewDynamoStore creates a DynamoDB-backed state.Store.
func NewDynamoStore(api dynamodbAPI, tableName string) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &DynamoStore{api: api, tableName: tableName, now: time.Now}, nil
}

func kvKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pkPrefixKV + key},
		"SK": &types.AttributeValueMemberS{Value: skValue},
	}
}

func (s *DynamoStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, found, _, err := s.read(ctx, key, "Get")
	return value, found, err
}

// read returns the live value of key along with the version token of the
// stored item, which is reported even when the item has expired.
func (s *DynamoStore) read(ctx context.Context, key, op string) ([]byte, bool, string, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            kvKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, false, "", fmt.Errorf("repository: %s get item: %w", op, err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, false, "", nil
	}
	version := ""
	if v, ok := out.Item["version"].(*types.AttributeValueMemberS); ok {
		version = v.Value
	}

	if _, ok := out.Item["expiresAt"]; ok {
		expiresAt, err := int64Attr(out.Item, "expiresAt")
		if err != nil {
			return nil, false, "", fmt.Errorf("repository: %s decode expiresAt: %w", op, err)
		}
		if !s.now().Before(time.UnixMilli(expiresAt)) {
			return nil, false, version, nil
		}
	}

	value, err := binAttr(out.Item, "value")
	if err != nil {
		return nil, false, "", fmt.Errorf("repository: %s decode value: %w", op, err)
	}
	return value, true, version, nil
}

// item builds the stored form of value. Every write carries a fresh version
// token so conditional updates detect any intervening write.
func (s *DynamoStore) item(key string, value []byte, ttl time.Duration) map[string]types.AttributeValue {
	item := kvKey(key)
	item["value"] = &types.AttributeValueMemberB{Value: value}
	item["version"] = &types.AttributeValueMemberS{Value: newVersion()}
	if ttl > 0 {
		expiresAt := s.now().Add(ttl)
		item["expiresAt"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt.UnixMilli(), 10)}
		// DynamoDB TTL works in whole seconds; round up so the sweeper never
		// runs ahead of the read-side check.
		item["ttl"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt.Add(time.Second-1).Unix(), 10)}
	}
	return item
}

func (s *DynamoStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      s.item(key, value, ttl),
	})
	if err != nil {
		return fmt.Errorf("repository: Put: %w", err)
	}
	return nil
}

// Update writes fn's result conditioned on the version token that was read.
// A failed condition means another writer got in first; the read and fn are
// then retried.
func (s *DynamoStore) Update(ctx context.Context, key string, ttl time.Duration, fn state.UpdateFunc) error {
	err := state.Retry(ctx, func() (bool, error) {
		current, found, version, err := s.read(ctx, key, "Update")
		if err != nil {
			return false, err
		}
		next, err := fn(current, found)
		if err != nil {
			return false, err
		}

		in := &dynamodb.PutItemInput{
			TableName:                aws.String(s.tableName),
			Item:                     s.item(key, next, ttl),
			ExpressionAttributeNames: map[string]string{"#v": "version"},
		}
		if version == "" {
			in.ConditionExpression = aws.String("attribute_not_exists(#v)")
		} else {
			in.ConditionExpression = aws.String("#v = :v")
			in.ExpressionAttributeValues = map[string]types.AttributeValue{
				":v": &types.AttributeValueMemberS{Value: version},
			}
		}
		_, err = s.api.PutItem(ctx, in)
		var conflict *types.ConditionalCheckFailedException
		if errors.As(err, &conflict) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("repository: Update put item: %w", err)
		}
		return true, nil
	})
	if errors.Is(err, state.ErrConflict) {
		return fmt.Errorf("repository: Update %q: %w", key, err)
	}
	return err
}

func (s *DynamoStore) Delete(ctx context.Context, key string) error {
	_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       kvKey(key),
	})
	if err != nil {
		return fmt.Errorf("repository: Delete: %w", err)
	}
	return nil
}

func binAttr(item map[string]types.AttributeValue, key string) ([]byte, error) {
	v, ok := item[key]
	if !ok {
		return nil, fmt.Errorf("repository: missing attribute %q", key)
	}
	switch b := v.(type) {
	case *types.AttributeValueMemberB:
		return b.Value, nil
	case *types.AttributeValueMemberS:
		return []byte(b.Value), nil
	default:
		return nil, fmt.Errorf("repository: attribute %q is not binary", key)
	}
}

func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
