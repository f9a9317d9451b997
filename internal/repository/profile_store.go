package repository

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"mesh-assistant/internal/domain"
)

type profileItem struct {
	PK string `dynamodbav:"PK"`
	SK string `dynamodbav:"SK"`
	domain.UserProfile
}

type contextItem struct {
	PK          string            `dynamodbav:"PK"`
	SK          string            `dynamodbav:"SK"`
	UserID      string            `dynamodbav:"userId"`
	Preferences map[string]string `dynamodbav:"preferences"`
	UpdatedAt   int64             `dynamodbav:"updatedAt"`
}

func (c *Client) getItem(ctx context.Context, userID, sk string) (map[string]types.AttributeValue, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: userPK(userID)},
			"SK": &types.AttributeValueMemberS{Value: sk},
		},
		ConsistentRead: aws.Bool(true),
	})
	c.observe(err)
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Item) == 0 {
		return nil, domain.ErrNotFound
	}
	return out.Item, nil
}

// LoadProfile returns the stored profile or domain.ErrNotFound.
func (c *Client) LoadProfile(ctx context.Context, userID string) (domain.UserProfile, error) {
	if userID == "" {
		return domain.UserProfile{}, errors.New("repository: LoadProfile: user ID is required")
	}
	raw, err := c.getItem(ctx, userID, skProfile)
	if err != nil {
		return domain.UserProfile{}, fmt.Errorf("repository: LoadProfile: %w", err)
	}
	var it profileItem
	if err := attributevalue.UnmarshalMap(raw, &it); err != nil {
		return domain.UserProfile{}, fmt.Errorf("repository: LoadProfile unmarshal: %w", err)
	}
	if it.Preferences == nil {
		it.Preferences = map[string]string{}
	}
	return it.UserProfile, nil
}

// SaveProfile replaces the stored profile.
func (c *Client) SaveProfile(ctx context.Context, p domain.UserProfile) error {
	if p.UserID == "" {
		return errors.New("repository: SaveProfile: user ID is required")
	}
	item, err := attributevalue.MarshalMap(profileItem{PK: userPK(p.UserID), SK: skProfile, UserProfile: p})
	if err != nil {
		return fmt.Errorf("repository: SaveProfile marshal: %w", err)
	}
	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      item,
	})
	c.observe(err)
	if err != nil {
		return fmt.Errorf("repository: SaveProfile: %w", err)
	}
	return nil
}

// LoadUserContext returns the user's preferences document, or an empty map
// when none has been written.
func (c *Client) LoadUserContext(ctx context.Context, userID string) (map[string]string, error) {
	if userID == "" {
		return nil, errors.New("repository: LoadUserContext: user ID is required")
	}
	raw, err := c.getItem(ctx, userID, skContext)
	if errors.Is(err, domain.ErrNotFound) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository: LoadUserContext: %w", err)
	}
	var it contextItem
	if err := attributevalue.UnmarshalMap(raw, &it); err != nil {
		return nil, fmt.Errorf("repository: LoadUserContext unmarshal: %w", err)
	}
	if it.Preferences == nil {
		return map[string]string{}, nil
	}
	return it.Preferences, nil
}

// SaveUserContext replaces the user's preferences document.
func (c *Client) SaveUserContext(ctx context.Context, userID string, prefs map[string]string) error {
	if userID == "" {
		return errors.New("repository: SaveUserContext: user ID is required")
	}
	doc := contextItem{
		PK:          userPK(userID),
		SK:          skContext,
		UserID:      userID,
		Preferences: maps.Clone(prefs),
		UpdatedAt:   c.now().Unix(),
	}
	if doc.Preferences == nil {
		doc.Preferences = map[string]string{}
	}
	item, err := attributevalue.MarshalMap(doc)
	if err != nil {
		return fmt.Errorf("repository: SaveUserContext marshal: %w", err)
	}
	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      item,
	})
	c.observe(err)
	if err != nil {
		return fmt.Errorf("repository: SaveUserContext: %w", err)
	}
	return nil
}
