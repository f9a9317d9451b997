// Package repository is the WARM tier: conversation turns, learned profiles
// and the user context document in a single DynamoDB table.
package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"

	"mesh-assistant/internal/domain"
)

const (
	skPrefixTurn = "TURN#"
	skProfile    = "PROFILE#"
	skContext    = "CONTEXT#"

	defaultRetention = 7 * 24 * time.Hour
	backendName      = "dynamodb"

	// sortTimeFormat is fixed width so sort keys order chronologically.
	sortTimeFormat = "2006-01-02T15:04:05.000000000Z"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Client wraps a DynamoDB table for warm conversation state.
type Client struct {
	api       dynamodbAPI
	tableName string
	retention time.Duration
	now       func() time.Time
	log       zerolog.Logger

	available atomic.Bool
}

type Option func(*Client)

// WithRetention sets the TTL stamped on turns.
func WithRetention(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.retention = d
		}
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	c := &Client{
		api:       api,
		tableName: tableName,
		retention: defaultRetention,
		now:       time.Now,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.available.Store(true)
	return c, nil
}

func (c *Client) Level() domain.Tier { return domain.TierWarm }

func (c *Client) Backend() string { return backendName }

// Available reports whether the last round trip reached DynamoDB.
func (c *Client) Available() bool { return c.available.Load() }

// Ping checks the table and updates availability.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(c.tableName)})
	if err != nil {
		c.available.Store(false)
		return fmt.Errorf("repository: Ping: %w", err)
	}
	c.available.Store(true)
	return nil
}

// observe flips availability off for failures that never reached the service.
// Service-side API errors (conditional checks, throttling) leave it untouched.
func (c *Client) observe(err error) {
	if err == nil {
		c.available.Store(true)
		return
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) || errors.Is(err, context.Canceled) {
		return
	}
	if c.available.Swap(false) {
		c.log.Warn().Err(err).Str("tier", "warm").Msg("dynamodb unreachable; marking tier unavailable")
	}
}

// userPK returns the DynamoDB partition key for a user.
func userPK(userID string) string {
	return "USER#" + userID
}

// turnSK orders turns chronologically inside the partition.
func turnSK(ts time.Time, id string) string {
	return skPrefixTurn + ts.UTC().Format(sortTimeFormat) + "#" + id
}

// turnItem is the stored shape of a conversation turn.
type turnItem struct {
	PK         string              `dynamodbav:"PK"`
	SK         string              `dynamodbav:"SK"`
	ID         string              `dynamodbav:"id"`
	UserID     string              `dynamodbav:"userId"`
	Type       string              `dynamodbav:"type"`
	Timestamp  string              `dynamodbav:"timestamp"`
	Message    string              `dynamodbav:"message"`
	Response   string              `dynamodbav:"response"`
	Metadata   domain.TurnMetadata `dynamodbav:"metadata"`
	TTLSeconds int64               `dynamodbav:"ttlSeconds,omitempty"`
	TTL        int64               `dynamodbav:"ttl"`
}

func (c *Client) newTurnItem(turn domain.ConversationTurn) turnItem {
	rec := turn.ToRecord()
	retention := c.retention
	if turn.TTL > 0 && turn.TTL < retention {
		retention = turn.TTL
	}
	return turnItem{
		PK:         userPK(rec.UserID),
		SK:         turnSK(rec.Timestamp, rec.ID),
		ID:         rec.ID,
		UserID:     rec.UserID,
		Type:       rec.Type,
		Timestamp:  rec.Timestamp.Format(time.RFC3339Nano),
		Message:    rec.Message,
		Response:   rec.Response,
		Metadata:   rec.Metadata,
		TTLSeconds: rec.TTLSeconds,
		TTL:        c.now().Add(retention).Unix(),
	}
}

func (it turnItem) turn() (domain.ConversationTurn, error) {
	ts, err := time.Parse(time.RFC3339Nano, it.Timestamp)
	if err != nil {
		return domain.ConversationTurn{}, fmt.Errorf("repository: parse timestamp %q: %w", it.Timestamp, err)
	}
	rec := domain.Record{
		ID:         it.ID,
		UserID:     it.UserID,
		Type:       it.Type,
		Timestamp:  ts,
		Message:    it.Message,
		Response:   it.Response,
		Metadata:   it.Metadata,
		TTLSeconds: it.TTLSeconds,
	}
	return rec.Turn(domain.TierWarm), nil
}

// Save writes a turn once; rewriting an existing turn is rejected by the
// condition expression.
func (c *Client) Save(ctx context.Context, turn domain.ConversationTurn) error {
	if turn.UserID == "" || turn.ID == "" {
		return errors.New("repository: Save: user ID and turn ID are required")
	}
	item, err := attributevalue.MarshalMap(c.newTurnItem(turn))
	if err != nil {
		return fmt.Errorf("repository: Save marshal: %w", err)
	}
	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	c.observe(err)
	if err != nil {
		return fmt.Errorf("repository: Save: %w", err)
	}
	return nil
}

// Search queries TURN# items of one partition newest first.
func (c *Client) Search(ctx context.Context, q domain.HistoryQuery) ([]domain.ConversationTurn, error) {
	if q.UserID == "" {
		return nil, errors.New("repository: Search: user ID is required")
	}
	if q.Limit <= 0 {
		return nil, nil
	}

	keyCond := "PK = :pk AND begins_with(SK, :prefix)"
	values := map[string]types.AttributeValue{
		":pk":     &types.AttributeValueMemberS{Value: userPK(q.UserID)},
		":prefix": &types.AttributeValueMemberS{Value: skPrefixTurn},
	}
	if !q.Since.IsZero() || !q.Until.IsZero() {
		lo, hi := skPrefixTurn, skPrefixTurn+"~"
		if !q.Since.IsZero() {
			lo = skPrefixTurn + q.Since.UTC().Format(sortTimeFormat)
		}
		if !q.Until.IsZero() {
			hi = skPrefixTurn + q.Until.UTC().Format(sortTimeFormat) + "~"
		}
		keyCond = "PK = :pk AND SK BETWEEN :lo AND :hi"
		delete(values, ":prefix")
		values[":lo"] = &types.AttributeValueMemberS{Value: lo}
		values[":hi"] = &types.AttributeValueMemberS{Value: hi}
	}

	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(c.tableName),
		KeyConditionExpression:    aws.String(keyCond),
		ExpressionAttributeValues: values,
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(q.Limit)),
	})
	c.observe(err)
	if err != nil {
		return nil, fmt.Errorf("repository: Search query: %w", err)
	}

	turns := make([]domain.ConversationTurn, 0, len(out.Items))
	for _, raw := range out.Items {
		var it turnItem
		if err := attributevalue.UnmarshalMap(raw, &it); err != nil {
			return nil, fmt.Errorf("repository: Search unmarshal: %w", err)
		}
		if it.UserID != q.UserID {
			continue
		}
		turn, err := it.turn()
		if err != nil {
			c.log.Warn().Err(err).Str("user_id", q.UserID).Msg("skipping malformed turn")
			continue
		}
		if q.Matches(turn.Timestamp) {
			turns = append(turns, turn)
		}
	}
	return turns, nil
}

// Load finds one turn by ID inside the user's partition.
func (c *Client) Load(ctx context.Context, userID, turnID string) (domain.ConversationTurn, error) {
	it, err := c.findTurn(ctx, userID, turnID)
	if err != nil {
		return domain.ConversationTurn{}, fmt.Errorf("repository: Load: %w", err)
	}
	turn, err := it.turn()
	if err != nil {
		return domain.ConversationTurn{}, fmt.Errorf("repository: Load: %w", err)
	}
	return turn, nil
}

// Delete removes one turn from the user's partition.
func (c *Client) Delete(ctx context.Context, userID, turnID string) error {
	it, err := c.findTurn(ctx, userID, turnID)
	if err != nil {
		return fmt.Errorf("repository: Delete: %w", err)
	}
	_, err = c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: it.PK},
			"SK": &types.AttributeValueMemberS{Value: it.SK},
		},
	})
	c.observe(err)
	if err != nil {
		return fmt.Errorf("repository: Delete: %w", err)
	}
	return nil
}

func (c *Client) findTurn(ctx context.Context, userID, turnID string) (turnItem, error) {
	if userID == "" || turnID == "" {
		return turnItem{}, errors.New("user ID and turn ID are required")
	}
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		FilterExpression:       aws.String("id = :id"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: userPK(userID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixTurn},
			":id":     &types.AttributeValueMemberS{Value: turnID},
		},
	}
	for {
		out, err := c.api.Query(ctx, in)
		c.observe(err)
		if err != nil {
			return turnItem{}, err
		}
		for _, raw := range out.Items {
			var it turnItem
			if err := attributevalue.UnmarshalMap(raw, &it); err != nil {
				return turnItem{}, fmt.Errorf("unmarshal: %w", err)
			}
			if it.ID == turnID && it.UserID == userID {
				return it, nil
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			return turnItem{}, domain.ErrNotFound
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}
