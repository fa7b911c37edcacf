package remote

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"

	"github.com/studyquest/studysync/internal/core"
	"github.com/studyquest/studysync/internal/idgen"
	"github.com/studyquest/studysync/internal/kvstore"
	"github.com/studyquest/studysync/internal/registry"
)

// maxTransactItems is the DynamoDB limit on writes per transaction.
const maxTransactItems = 100

// DynamoDBBackend stores each document as an item keyed by
// (collection_path, doc_id) with the payload in a "data" map attribute.
// Batches commit through TransactWriteItems.
type DynamoDBBackend struct {
	client    *dynamodb.Client
	tableName string
}

// NewDynamoDBBackend creates the backend and verifies the table exists.
func NewDynamoDBBackend(ctx context.Context, cfg registry.InternalDynamoDBConfig) (*DynamoDBBackend, error) {
	if cfg.TableName == "" {
		return nil, fmt.Errorf("table name is required")
	}

	client, err := kvstore.NewDynamoDBClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	backend := &DynamoDBBackend{client: client, tableName: cfg.TableName}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := backend.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("failed to connect to DynamoDB table %s: %w", cfg.TableName, err)
	}

	log.Info().Str("table", cfg.TableName).Str("region", cfg.Region).Msg("dynamodb backend ready")
	return backend, nil
}

func (d *DynamoDBBackend) NewBatch() core.Batch {
	return &dynamoBatch{backend: d}
}

func (d *DynamoDBBackend) NewDocumentID(collectionPath string) string {
	return idgen.Generate()
}

func (d *DynamoDBBackend) Ping(ctx context.Context) error {
	_, err := d.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(d.tableName),
	})
	return err
}

func (d *DynamoDBBackend) Close() error {
	return nil
}

type dynamoBatch struct {
	writes
	backend *DynamoDBBackend
}

func (b *dynamoBatch) Commit(ctx context.Context) error {
	if len(b.ops) == 0 {
		return nil
	}
	if len(b.ops) > maxTransactItems {
		return fmt.Errorf("batch of %d writes exceeds the DynamoDB limit of %d", len(b.ops), maxTransactItems)
	}

	items := make([]types.TransactWriteItem, 0, len(b.ops))
	for _, w := range b.ops {
		item, err := b.backend.transactItem(w)
		if err != nil {
			return err
		}
		items = append(items, item)
	}

	_, err := b.backend.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) {
			for i, reason := range canceled.CancellationReasons {
				if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" && i < len(b.ops) {
					w := b.ops[i]
					return fmt.Errorf("%w: %s/%s", core.ErrDocumentNotFound, w.collection, w.docID)
				}
			}
		}
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	log.Debug().Int("writes", len(b.ops)).Msg("dynamodb batch committed")
	return nil
}

func (d *DynamoDBBackend) key(w write) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"collection_path": &types.AttributeValueMemberS{Value: w.collection},
		"doc_id":          &types.AttributeValueMemberS{Value: w.docID},
	}
}

func (d *DynamoDBBackend) transactItem(w write) (types.TransactWriteItem, error) {
	one := &types.AttributeValueMemberN{Value: "1"}
	now := &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", time.Now().UnixMilli())}

	switch w.kind {
	case writeSet:
		data, err := attributevalue.MarshalMap(nonNil(withoutVersion(w.data)))
		if err != nil {
			return types.TransactWriteItem{}, fmt.Errorf("failed to marshal document: %w", err)
		}
		return types.TransactWriteItem{
			Update: &types.Update{
				TableName:        aws.String(d.tableName),
				Key:              d.key(w),
				UpdateExpression: aws.String("SET #data = :data, #updated = :now ADD #version :one"),
				ExpressionAttributeNames: map[string]string{
					"#data":    "data",
					"#updated": "updated_at",
					"#version": "version",
				},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":data": &types.AttributeValueMemberM{Value: data},
					":now":  now,
					":one":  one,
				},
			},
		}, nil

	case writeUpdate:
		names := map[string]string{
			"#data":    "data",
			"#updated": "updated_at",
			"#version": "version",
		}
		values := map[string]types.AttributeValue{
			":now": now,
			":one": one,
		}
		expr := "SET #updated = :now"

		patch := withoutVersion(w.data)
		fields := make([]string, 0, len(patch))
		for field := range patch {
			fields = append(fields, field)
		}
		sort.Strings(fields)
		for i, field := range fields {
			av, err := attributevalue.Marshal(patch[field])
			if err != nil {
				return types.TransactWriteItem{}, fmt.Errorf("failed to marshal field %s: %w", field, err)
			}
			name := fmt.Sprintf("#f%d", i)
			value := fmt.Sprintf(":v%d", i)
			names[name] = field
			values[value] = av
			expr += fmt.Sprintf(", #data.%s = %s", name, value)
		}
		expr += " ADD #version :one"

		return types.TransactWriteItem{
			Update: &types.Update{
				TableName:                 aws.String(d.tableName),
				Key:                       d.key(w),
				UpdateExpression:          aws.String(expr),
				ConditionExpression:       aws.String("attribute_exists(doc_id)"),
				ExpressionAttributeNames:  names,
				ExpressionAttributeValues: values,
			},
		}, nil

	case writeDelete:
		return types.TransactWriteItem{
			Delete: &types.Delete{
				TableName: aws.String(d.tableName),
				Key:       d.key(w),
			},
		}, nil
	}
	return types.TransactWriteItem{}, fmt.Errorf("unknown write kind %s", w.kind)
}

// DynamoDBBackendFactory creates DynamoDB backends.
type DynamoDBBackendFactory struct{}

func (f *DynamoDBBackendFactory) Type() string {
	return "dynamodb"
}

func (f *DynamoDBBackendFactory) Validate(config registry.InternalRemoteConfig) error {
	if config.Type != "dynamodb" {
		return fmt.Errorf("invalid type for dynamodb factory: %s", config.Type)
	}
	if config.DynamoDB.Region == "" {
		return fmt.Errorf("region is required")
	}
	if config.DynamoDB.TableName == "" {
		return fmt.Errorf("table_name is required")
	}
	return nil
}

// MaxBatchSize reports the DynamoDB transaction item limit.
func (f *DynamoDBBackendFactory) MaxBatchSize() int {
	return maxTransactItems
}

func (f *DynamoDBBackendFactory) Create(ctx context.Context, config registry.InternalRemoteConfig) (core.Backend, error) {
	return NewDynamoDBBackend(ctx, config.DynamoDB)
}

func init() {
	RegisterFactory(&DynamoDBBackendFactory{})
}
