package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/picklr-io/fleetform/internal/awsutil"
)

// DynamoAPI is the subset of the DynamoDB client the manager uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// DynamoManager stores one item per scope, keyed by LockID, and relies on
// conditional writes for exclusion.
type DynamoManager struct {
	client DynamoAPI
	table  string
	clock  Clock
}

// DynamoOptions configures NewDynamoManager.
type DynamoOptions struct {
	Table   string
	Region  string
	Profile string
}

func NewDynamoManager(ctx context.Context, o DynamoOptions, opts ...Option) (*DynamoManager, error) {
	if o.Table == "" {
		return nil, fmt.Errorf("dynamodb lock requires 'table' configuration")
	}
	cfg, err := awsutil.LoadConfig(ctx, o.Region, o.Profile)
	if err != nil {
		return nil, err
	}
	return NewDynamoManagerWithClient(dynamodb.NewFromConfig(cfg), o.Table, opts...), nil
}

func NewDynamoManagerWithClient(client DynamoAPI, table string, opts ...Option) *DynamoManager {
	return &DynamoManager{client: client, table: table, clock: buildOptions(opts).clock}
}

type dynamoItem struct {
	holder    string
	token     int64
	expiresAt int64
}

func isConditionFailed(err error) bool {
	var ccf *dbtypes.ConditionalCheckFailedException
	return errors.As(err, &ccf) || awsutil.IsCode(err, "ConditionalCheckFailedException")
}

func numberAttr(v int64) *dbtypes.AttributeValueMemberN {
	return &dbtypes.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func (d *DynamoManager) key(scope string) map[string]dbtypes.AttributeValue {
	return map[string]dbtypes.AttributeValue{"LockID": &dbtypes.AttributeValueMemberS{Value: scope}}
}

func (d *DynamoManager) get(ctx context.Context, scope string) (*dynamoItem, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            d.key(scope),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read lock item %s: %w", scope, err)
	}
	if out.Item == nil {
		return nil, nil
	}
	item := &dynamoItem{}
	if v, ok := out.Item["Holder"].(*dbtypes.AttributeValueMemberS); ok {
		item.holder = v.Value
	}
	if v, ok := out.Item["Token"].(*dbtypes.AttributeValueMemberN); ok {
		item.token, _ = strconv.ParseInt(v.Value, 10, 64)
	}
	if v, ok := out.Item["ExpiresAt"].(*dbtypes.AttributeValueMemberN); ok {
		item.expiresAt, _ = strconv.ParseInt(v.Value, 10, 64)
	}
	return item, nil
}

func (d *DynamoManager) Acquire(ctx context.Context, scope, holder string, lease time.Duration) (*Lock, error) {
	if err := validate(scope, holder, lease); err != nil {
		return nil, err
	}
	now := d.clock()

	prev, err := d.get(ctx, scope)
	if err != nil {
		return nil, err
	}

	token := int64(1)
	in := &dynamodb.PutItemInput{TableName: aws.String(d.table)}
	if prev == nil {
		in.ConditionExpression = aws.String("attribute_not_exists(LockID)")
	} else {
		live := prev.holder != "" && now.UnixNano() < prev.expiresAt
		if live && prev.holder != holder {
			return nil, &HeldError{Scope: scope, Holder: prev.holder, ExpiresAt: time.Unix(0, prev.expiresAt)}
		}
		token = prev.token
		if !live {
			token++
		}
		// Only succeed if nobody touched the item since we read it.
		in.ConditionExpression = aws.String("#t = :prevToken AND #h = :prevHolder AND #e = :prevExpires")
		in.ExpressionAttributeNames = map[string]string{"#t": "Token", "#h": "Holder", "#e": "ExpiresAt"}
		in.ExpressionAttributeValues = map[string]dbtypes.AttributeValue{
			":prevToken":   numberAttr(prev.token),
			":prevHolder":  &dbtypes.AttributeValueMemberS{Value: prev.holder},
			":prevExpires": numberAttr(prev.expiresAt),
		}
	}

	expires := now.Add(lease)
	in.Item = map[string]dbtypes.AttributeValue{
		"LockID":    &dbtypes.AttributeValueMemberS{Value: scope},
		"Holder":    &dbtypes.AttributeValueMemberS{Value: holder},
		"Token":     numberAttr(token),
		"ExpiresAt": numberAttr(expires.UnixNano()),
		"Created":   &dbtypes.AttributeValueMemberS{Value: now.UTC().Format(time.RFC3339)},
	}

	if _, err := d.client.PutItem(ctx, in); err != nil {
		if isConditionFailed(err) {
			current, gerr := d.get(ctx, scope)
			if gerr != nil || current == nil {
				return nil, &HeldError{Scope: scope}
			}
			return nil, &HeldError{Scope: scope, Holder: current.holder, ExpiresAt: time.Unix(0, current.expiresAt)}
		}
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return &Lock{Scope: scope, Holder: holder, Token: token, Lease: lease, ExpiresAt: time.Unix(0, expires.UnixNano())}, nil
}

func (d *DynamoManager) Renew(ctx context.Context, l *Lock) (*Lock, error) {
	now := d.clock()
	expires := now.Add(l.Lease)
	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(d.table),
		Key:                      d.key(l.Scope),
		UpdateExpression:         aws.String("SET #e = :expires"),
		ConditionExpression:      aws.String("#h = :holder AND #t = :token AND #e > :now"),
		ExpressionAttributeNames: map[string]string{"#t": "Token", "#h": "Holder", "#e": "ExpiresAt"},
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":expires": numberAttr(expires.UnixNano()),
			":holder":  &dbtypes.AttributeValueMemberS{Value: l.Holder},
			":token":   numberAttr(l.Token),
			":now":     numberAttr(now.UnixNano()),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return nil, &ExpiredError{Scope: l.Scope, Holder: l.Holder, Token: l.Token}
		}
		return nil, fmt.Errorf("failed to renew lock: %w", err)
	}
	renewed := *l
	renewed.ExpiresAt = time.Unix(0, expires.UnixNano())
	return &renewed, nil
}

func (d *DynamoManager) Release(ctx context.Context, l *Lock) error {
	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(d.table),
		Key:                      d.key(l.Scope),
		UpdateExpression:         aws.String("SET #h = :empty, #e = :zero"),
		ConditionExpression:      aws.String("#h = :holder AND #t = :token"),
		ExpressionAttributeNames: map[string]string{"#t": "Token", "#h": "Holder", "#e": "ExpiresAt"},
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":empty":  &dbtypes.AttributeValueMemberS{Value: ""},
			":zero":   numberAttr(0),
			":holder": &dbtypes.AttributeValueMemberS{Value: l.Holder},
			":token":  numberAttr(l.Token),
		},
	})
	if err == nil {
		return nil
	}
	if !isConditionFailed(err) {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	current, gerr := d.get(ctx, l.Scope)
	if gerr == nil && current != nil && current.holder == "" && current.token == l.Token {
		return nil
	}
	return &ExpiredError{Scope: l.Scope, Holder: l.Holder, Token: l.Token}
}

func (d *DynamoManager) Close() error { return nil }
