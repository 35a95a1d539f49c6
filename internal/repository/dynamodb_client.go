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
)

const skRecord = "RECORD#"

// dynamodbAPI is the minimal DynamoDB interface required by DynamoKV.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoKV stores each key as one item (PK = key, SK = RECORD#) holding the
// JSON value and a numeric revision used for conditional writes.
type DynamoKV struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// NewDynamoKV creates a DynamoDB-backed KV.
func NewDynamoKV(api dynamodbAPI, tableName string) (*DynamoKV, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &DynamoKV{api: api, tableName: tableName, now: time.Now}, nil
}

func itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: key},
		"SK": &types.AttributeValueMemberS{Value: skRecord},
	}
}

// Get reads the record with a strongly consistent read.
func (d *DynamoKV) Get(ctx context.Context, key string) ([]byte, uint64, error) {
	out, err := d.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("repository: Get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, 0, ErrNotFound
	}

	value, err := strAttr(out.Item, "value")
	if err != nil {
		return nil, 0, fmt.Errorf("repository: Get decode value: %w", err)
	}
	rev, err := uintAttr(out.Item, "revision")
	if err != nil {
		return nil, 0, fmt.Errorf("repository: Get decode revision: %w", err)
	}
	return []byte(value), rev, nil
}

// Create writes revision 1 only if the key is absent.
func (d *DynamoKV) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	_, err := d.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.tableName),
		Item:                d.recordItem(key, value, 1),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		if conditionFailed(err) {
			return 0, ErrAlreadyExists
		}
		return 0, fmt.Errorf("repository: Create: %w", err)
	}
	return 1, nil
}

// Update replaces the record only if its stored revision equals revision.
func (d *DynamoKV) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	next := revision + 1
	_, err := d.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.tableName),
		Item:                d.recordItem(key, value, next),
		ConditionExpression: aws.String("attribute_exists(PK) AND revision = :rev"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":rev": &types.AttributeValueMemberN{Value: strconv.FormatUint(revision, 10)},
		},
	})
	if err != nil {
		if conditionFailed(err) {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("repository: Update: %w", err)
	}
	return next, nil
}

func (d *DynamoKV) recordItem(key string, value []byte, revision uint64) map[string]types.AttributeValue {
	item := itemKey(key)
	item["value"] = &types.AttributeValueMemberS{Value: string(value)}
	item["revision"] = &types.AttributeValueMemberN{Value: strconv.FormatUint(revision, 10)}
	item["updatedAt"] = &types.AttributeValueMemberS{Value: d.now().UTC().Format(time.RFC3339Nano)}
	return item
}

func conditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func uintAttr(item map[string]types.AttributeValue, key string) (uint64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseUint(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
