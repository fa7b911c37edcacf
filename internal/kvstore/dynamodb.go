package kvstore

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/studyquest/studysync/internal/core"
	"github.com/studyquest/studysync/internal/registry"
)

// DynamoDBKVStore implements core.KVStore on a DynamoDB table whose hash
// key is the string attribute "key".
type DynamoDBKVStore struct {
	client    *dynamodb.Client
	tableName string
	closed    bool
}

// NewDynamoDBClient builds a DynamoDB client from region, optional static
// credentials and an optional endpoint override (e.g. LocalStack).
func NewDynamoDBClient(ctx context.Context, cfg registry.InternalDynamoDBConfig) (*dynamodb.Client, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("region is required")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}

	var opts []func(*dynamodb.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return dynamodb.NewFromConfig(awsCfg, opts...), nil
}

// NewDynamoDBKVStore creates the store and verifies the table exists.
func NewDynamoDBKVStore(ctx context.Context, cfg registry.InternalDynamoDBConfig) (*DynamoDBKVStore, error) {
	if cfg.TableName == "" {
		return nil, fmt.Errorf("table name is required")
	}

	client, err := NewDynamoDBClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	store := &DynamoDBKVStore{client: client, tableName: cfg.TableName}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("failed to connect to DynamoDB table %s: %w", cfg.TableName, err)
	}

	return store, nil
}

// Get retrieves a value by key.
func (d *DynamoDBKVStore) Get(ctx context.Context, key string) (string, error) {
	if d.closed {
		return "", ErrStoreClosed
	}

	result, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]types.AttributeValue{
			"key": &types.AttributeValueMemberS{Value: key},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get key %s: %w", key, err)
	}
	if result.Item == nil {
		return "", fmt.Errorf("%w: %s", core.ErrKeyNotFound, key)
	}

	valueAttr, ok := result.Item["value"].(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("invalid value format for key %s", key)
	}
	return valueAttr.Value, nil
}

// Set stores a value under key.
func (d *DynamoDBKVStore) Set(ctx context.Context, key, value string) error {
	if d.closed {
		return ErrStoreClosed
	}

	_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item: map[string]types.AttributeValue{
			"key":        &types.AttributeValueMemberS{Value: key},
			"value":      &types.AttributeValueMemberS{Value: value},
			"updated_at": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

// Delete removes a key.
func (d *DynamoDBKVStore) Delete(ctx context.Context, key string) error {
	if d.closed {
		return ErrStoreClosed
	}

	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]types.AttributeValue{
			"key": &types.AttributeValueMemberS{Value: key},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// Ping describes the table.
func (d *DynamoDBKVStore) Ping(ctx context.Context) error {
	_, err := d.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(d.tableName),
	})
	return err
}

// Close marks the store closed. The SDK client holds no connections to release.
func (d *DynamoDBKVStore) Close() error {
	d.closed = true
	return nil
}

// DynamoDBKVStoreFactory creates DynamoDB-backed stores.
type DynamoDBKVStoreFactory struct{}

// Type returns the type identifier for this factory.
func (f *DynamoDBKVStoreFactory) Type() string {
	return "dynamodb"
}

// Validate validates the DynamoDB-specific configuration.
func (f *DynamoDBKVStoreFactory) Validate(config registry.InternalStorageConfig) error {
	if config.Type != "dynamodb" {
		return fmt.Errorf("invalid type for DynamoDB factory: %s", config.Type)
	}
	if config.DynamoDB.Region == "" {
		return fmt.Errorf("region is required for DynamoDB")
	}
	if config.DynamoDB.TableName == "" {
		return fmt.Errorf("table_name is required for DynamoDB")
	}
	return nil
}

// Create creates a new DynamoDB store.
func (f *DynamoDBKVStoreFactory) Create(ctx context.Context, config registry.InternalStorageConfig) (core.KVStore, error) {
	store, err := NewDynamoDBKVStore(ctx, config.DynamoDB)
	if err != nil {
		return nil, fmt.Errorf("failed to create DynamoDB store: %w", err)
	}
	return store, nil
}

func init() {
	RegisterFactory(&DynamoDBKVStoreFactory{})
}
