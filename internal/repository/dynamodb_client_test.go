package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"
)

type fakeDynamo struct {
	getOut       *dynamodb.GetItemOutput
	getErr       error
	putErr       error
	lastGetInput *dynamodb.GetItemInput
	lastPutInput *dynamodb.PutItemInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetInput = in
	return f.getOut, f.getErr
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutInput = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func makeRecordItem(key, value, revision string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":       &types.AttributeValueMemberS{Value: key},
		"SK":       &types.AttributeValueMemberS{Value: skRecord},
		"value":    &types.AttributeValueMemberS{Value: value},
		"revision": &types.AttributeValueMemberN{Value: revision},
	}
}

func mustNewDynamoKV(t *testing.T, db *fakeDynamo) *DynamoKV {
	t.Helper()
	d, err := NewDynamoKV(db, "test-table")
	require.NoError(t, err)
	d.now = func() time.Time { return time.Date(2026, 2, 25, 10, 0, 0, 0, time.UTC) }
	return d
}

func TestDynamoGet_HappyPath(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: makeRecordItem("ai.session.x", `{"a":1}`, "7")}}
	d := mustNewDynamoKV(t, db)
	value, rev, err := d.Get(context.Background(), "ai.session.x")
	require.NoError(t, err)
	require.Equal(t, `{"a":1}`, string(value))
	require.Equal(t, uint64(7), rev)
	require.True(t, *db.lastGetInput.ConsistentRead)
	require.Equal(t, "ai.session.x", db.lastGetInput.Key["PK"].(*types.AttributeValueMemberS).Value)
}

func TestDynamoGet_Missing(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{}}
	d := mustNewDynamoKV(t, db)
	_, _, err := d.Get(context.Background(), "k")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDynamoGet_GetItemError(t *testing.T) {
	db := &fakeDynamo{getErr: errors.New("boom")}
	d := mustNewDynamoKV(t, db)
	_, _, err := d.Get(context.Background(), "k")
	require.Error(t, err)
	require.Contains(t, err.Error(), "Get item")
}

func TestDynamoGet_MalformedRevision(t *testing.T) {
	item := makeRecordItem("k", "{}", "1")
	item["revision"] = &types.AttributeValueMemberS{Value: "bad"}
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: item}}
	d := mustNewDynamoKV(t, db)
	_, _, err := d.Get(context.Background(), "k")
	require.Error(t, err)
	require.Contains(t, err.Error(), "decode revision")
}

func TestDynamoGet_MissingValue(t *testing.T) {
	item := makeRecordItem("k", "{}", "1")
	delete(item, "value")
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: item}}
	d := mustNewDynamoKV(t, db)
	_, _, err := d.Get(context.Background(), "k")
	require.Error(t, err)
	require.Contains(t, err.Error(), "value")
}

func TestDynamoCreate_HappyPath(t *testing.T) {
	db := &fakeDynamo{}
	d := mustNewDynamoKV(t, db)
	rev, err := d.Create(context.Background(), "k", []byte(`{"a":1}`))
	require.NoError(t, err)
	require.Equal(t, uint64(1), rev)
	require.Equal(t, "attribute_not_exists(PK) AND attribute_not_exists(SK)", *db.lastPutInput.ConditionExpression)
	require.Equal(t, "1", db.lastPutInput.Item["revision"].(*types.AttributeValueMemberN).Value)
	require.Equal(t, `{"a":1}`, db.lastPutInput.Item["value"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "2026-02-25T10:00:00Z", db.lastPutInput.Item["updatedAt"].(*types.AttributeValueMemberS).Value)
}

func TestDynamoCreate_ConditionFailed(t *testing.T) {
	db := &fakeDynamo{putErr: &types.ConditionalCheckFailedException{Message: ptr("exists")}}
	d := mustNewDynamoKV(t, db)
	_, err := d.Create(context.Background(), "k", []byte("{}"))
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestDynamoCreate_DynamoError(t *testing.T) {
	db := &fakeDynamo{putErr: errors.New("ProvisionedThroughputExceededException")}
	d := mustNewDynamoKV(t, db)
	_, err := d.Create(context.Background(), "k", []byte("{}"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "Create")
	require.NotErrorIs(t, err, ErrAlreadyExists)
}

func TestDynamoUpdate_HappyPath(t *testing.T) {
	db := &fakeDynamo{}
	d := mustNewDynamoKV(t, db)
	rev, err := d.Update(context.Background(), "k", []byte("{}"), 4)
	require.NoError(t, err)
	require.Equal(t, uint64(5), rev)
	require.Equal(t, "attribute_exists(PK) AND revision = :rev", *db.lastPutInput.ConditionExpression)
	require.Equal(t, "4", db.lastPutInput.ExpressionAttributeValues[":rev"].(*types.AttributeValueMemberN).Value)
	require.Equal(t, "5", db.lastPutInput.Item["revision"].(*types.AttributeValueMemberN).Value)
}

func TestDynamoUpdate_StaleRevision(t *testing.T) {
	db := &fakeDynamo{putErr: &types.ConditionalCheckFailedException{}}
	d := mustNewDynamoKV(t, db)
	_, err := d.Update(context.Background(), "k", []byte("{}"), 4)
	require.ErrorIs(t, err, ErrConflict)
}

func TestDynamoKV_BacksSessionStore(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{}}
	s := mustStore(t, mustNewDynamoKV(t, db))
	id, err := s.CreateSession(context.Background(), testWallet, "hi", nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Equal(t, "ai.session.open."+testWallet, db.lastPutInput.Item["PK"].(*types.AttributeValueMemberS).Value)
}

func TestNewDynamoKV_NilAPI(t *testing.T) {
	_, err := NewDynamoKV(nil, "test-table")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")
}

func TestNewDynamoKV_EmptyTableName(t *testing.T) {
	_, err := NewDynamoKV(&fakeDynamo{}, " ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be empty")
}

func ptr(s string) *string { return &s }
