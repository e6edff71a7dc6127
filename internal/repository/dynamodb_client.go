package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"media-studio/internal/domain"
)

const (
	skPrefixMedia   = "MEDIA#"
	skPrefixID      = "ID#"
	skProfile       = "PROFILE#"
	defaultTTL      = 30 * 24 * time.Hour
	createCondition = "attribute_not_exists(PK) AND attribute_not_exists(SK)"

	// sortKeyTime is fixed width; RFC3339Nano drops trailing zeros and would
	// not sort lexically.
	sortKeyTime = "2006-01-02T15:04:05.000000000Z"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client keeps media history and preferences in a single DynamoDB table.
//
// Each record is written twice in one transaction: under
// MEDIA#<created>#<id> for newest-first listing, and under ID#<id> for point
// reads. Items hold metadata only; artifact bytes live in the blob store.
type Client struct {
	api       dynamodbAPI
	tableName string
	ttl       time.Duration
	now       func() time.Time
}

// New creates a new repository Client. ttl <= 0 uses 30 days.
func New(api dynamodbAPI, tableName string, ttl time.Duration) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Client{api: api, tableName: tableName, ttl: ttl, now: time.Now}, nil
}

// userPK returns the DynamoDB partition key for a user.
func userPK(userID string) string {
	return "USER#" + userID
}

// mediaSK sorts lexically by creation time.
func mediaSK(created time.Time, id string) string {
	return skPrefixMedia + created.UTC().Format(sortKeyTime) + "#" + id
}

func idSK(id string) string {
	return skPrefixID + id
}

func (c *Client) ttlValue() int64 {
	return c.now().Add(c.ttl).Unix()
}

// Prepend stores a new record. The listing and lookup items are written
// together so a record is never half visible.
func (c *Client) Prepend(ctx context.Context, userID string, m domain.Media) error {
	if userID == "" || m.ID == "" {
		return errors.New("repository: Prepend: user and media id are required")
	}
	if m.CreatedAt.IsZero() {
		return errors.New("repository: Prepend: created time is required")
	}
	pk := userPK(userID)
	ttl := c.ttlValue()

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                mediaItem(pk, mediaSK(m.CreatedAt, m.ID), m, ttl),
					ConditionExpression: aws.String(createCondition),
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                mediaItem(pk, idSK(m.ID), m, ttl),
					ConditionExpression: aws.String(createCondition),
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: Prepend: %w", err)
	}
	return nil
}

// List queries MEDIA# items newest first. limit <= 0 reads every page.
func (c *Client) List(ctx context.Context, userID string, limit int) ([]domain.Media, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: userPK(userID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMedia},
		},
		ScanIndexForward: aws.Bool(false),
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}

	var out []domain.Media
	for {
		page, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: List query: %w", err)
		}
		for _, item := range page.Items {
			m, err := itemToMedia(item)
			if err != nil {
				return nil, fmt.Errorf("repository: List unmarshal: %w", err)
			}
			out = append(out, m)
		}
		if limit > 0 || len(page.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = page.LastEvaluatedKey
	}
	if out == nil {
		out = []domain.Media{}
	}
	return out, nil
}

func (c *Client) Get(ctx context.Context, userID, id string) (domain.Media, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: userPK(userID)},
			"SK": &types.AttributeValueMemberS{Value: idSK(id)},
		},
	})
	if err != nil {
		return domain.Media{}, fmt.Errorf("repository: Get: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Media{}, ErrNotFound
	}
	m, err := itemToMedia(out.Item)
	if err != nil {
		return domain.Media{}, fmt.Errorf("repository: Get unmarshal: %w", err)
	}
	return m, nil
}

func (c *Client) Language(ctx context.Context, userID string) (domain.Language, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: userPK(userID)},
			"SK": &types.AttributeValueMemberS{Value: skProfile},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", false, fmt.Errorf("repository: Language get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return "", false, nil
	}
	lang, err := strAttr(out.Item, "language")
	if err != nil {
		return "", false, fmt.Errorf("repository: Language decode: %w", err)
	}
	return domain.Language(lang), true, nil
}

// SetLanguage writes or replaces the profile record. Media items are not
// touched.
func (c *Client) SetLanguage(ctx context.Context, userID string, lang domain.Language) error {
	if userID == "" {
		return errors.New("repository: SetLanguage: user id is required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":        &types.AttributeValueMemberS{Value: userPK(userID)},
			"SK":        &types.AttributeValueMemberS{Value: skProfile},
			"language":  &types.AttributeValueMemberS{Value: string(lang)},
			"updatedAt": &types.AttributeValueMemberS{Value: c.now().UTC().Format(time.RFC3339)},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: SetLanguage: %w", err)
	}
	return nil
}

// storedURL keeps inline data URIs out of the table.
func storedURL(m domain.Media) string {
	if m.URL == "" || strings.HasPrefix(m.URL, "data:") {
		return domain.ContentPath(m.ID)
	}
	return m.URL
}

func mediaItem(pk, sk string, m domain.Media, ttl int64) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: pk},
		"SK":        &types.AttributeValueMemberS{Value: sk},
		"id":        &types.AttributeValueMemberS{Value: m.ID},
		"type":      &types.AttributeValueMemberS{Value: string(m.Kind)},
		"url":       &types.AttributeValueMemberS{Value: storedURL(m)},
		"prompt":    &types.AttributeValueMemberS{Value: m.Prompt},
		"createdAt": &types.AttributeValueMemberS{Value: m.CreatedAt.UTC().Format(time.RFC3339Nano)},
		"ttl":       &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", ttl)},
	}
	if m.Metadata.AspectRatio != "" {
		item["aspectRatio"] = &types.AttributeValueMemberS{Value: string(m.Metadata.AspectRatio)}
	}
	if m.Metadata.Size != "" {
		item["size"] = &types.AttributeValueMemberS{Value: string(m.Metadata.Size)}
	}
	if m.Metadata.ParentID != "" {
		item["parentId"] = &types.AttributeValueMemberS{Value: m.Metadata.ParentID}
	}
	return item
}

// itemToMedia converts a DynamoDB attribute map to a Media record.
func itemToMedia(item map[string]types.AttributeValue) (domain.Media, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.Media{}, err
	}
	kind, err := strAttr(item, "type")
	if err != nil {
		return domain.Media{}, err
	}
	created, err := strAttr(item, "createdAt")
	if err != nil {
		return domain.Media{}, err
	}
	createdAt, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return domain.Media{}, fmt.Errorf("repository: parse createdAt: %w", err)
	}
	prompt, _ := strAttr(item, "prompt") // allow empty
	url, _ := strAttr(item, "url")
	if url == "" {
		url = domain.ContentPath(id)
	}
	aspect, _ := strAttr(item, "aspectRatio")
	size, _ := strAttr(item, "size")
	parent, _ := strAttr(item, "parentId")

	return domain.Media{
		ID:        id,
		Kind:      domain.Kind(kind),
		URL:       url,
		Prompt:    prompt,
		CreatedAt: createdAt,
		Metadata: domain.Metadata{
			AspectRatio: domain.AspectRatio(aspect),
			Size:        domain.ImageSize(size),
			ParentID:    parent,
		},
	}, nil
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
