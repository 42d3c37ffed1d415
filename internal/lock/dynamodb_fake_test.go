package lock

import (
	"context"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeDynamo evaluates the handful of condition expressions DynamoManager
// issues against a single in-memory table.
type fakeDynamo struct {
	mu    sync.Mutex
	items map[string]map[string]dbtypes.AttributeValue
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: map[string]map[string]dbtypes.AttributeValue{}}
}

func attrS(m map[string]dbtypes.AttributeValue, k string) string {
	if v, ok := m[k].(*dbtypes.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func attrN(m map[string]dbtypes.AttributeValue, k string) int64 {
	if v, ok := m[k].(*dbtypes.AttributeValueMemberN); ok {
		n, _ := strconv.ParseInt(v.Value, 10, 64)
		return n
	}
	return 0
}

func conditionFailed() error {
	msg := "The conditional request failed"
	return &dbtypes.ConditionalCheckFailedException{Message: &msg}
}

func copyItem(in map[string]dbtypes.AttributeValue) map[string]dbtypes.AttributeValue {
	out := make(map[string]dbtypes.AttributeValue, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (f *fakeDynamo) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[attrS(in.Key, "LockID")]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: copyItem(item)}, nil
}

func (f *fakeDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := attrS(in.Item, "LockID")
	cur, exists := f.items[id]
	vals := in.ExpressionAttributeValues

	switch *in.ConditionExpression {
	case "attribute_not_exists(LockID)":
		if exists {
			return nil, conditionFailed()
		}
	default:
		if !exists ||
			attrN(cur, "Token") != attrN(vals, ":prevToken") ||
			attrS(cur, "Holder") != attrS(vals, ":prevHolder") ||
			attrN(cur, "ExpiresAt") != attrN(vals, ":prevExpires") {
			return nil, conditionFailed()
		}
	}
	f.items[id] = copyItem(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := attrS(in.Key, "LockID")
	cur, exists := f.items[id]
	vals := in.ExpressionAttributeValues
	if !exists || attrS(cur, "Holder") != attrS(vals, ":holder") || attrN(cur, "Token") != attrN(vals, ":token") {
		return nil, conditionFailed()
	}

	if _, renew := vals[":now"]; renew {
		if attrN(cur, "ExpiresAt") <= attrN(vals, ":now") {
			return nil, conditionFailed()
		}
		cur["ExpiresAt"] = vals[":expires"]
	} else {
		cur["Holder"] = vals[":empty"]
		cur["ExpiresAt"] = vals[":zero"]
	}
	return &dynamodb.UpdateItemOutput{}, nil
}
