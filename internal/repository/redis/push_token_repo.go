package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"carelink-backend/pkg/constants"
	"carelink-backend/pkg/logger"
	"carelink-backend/pkg/push"
)

// PushTokenRepository stores device push tokens in Redis, implementing
// push.TokenRepository.
type PushTokenRepository struct {
	client *redis.Client
}

// NewPushTokenRepository creates a new push token repository
func NewPushTokenRepository(client *redis.Client) *PushTokenRepository {
	return &PushTokenRepository{client: client}
}

func userTokensKey(userID uuid.UUID) string {
	return fmt.Sprintf("push:user:%s:tokens", userID)
}

func tokenKey(token string) string {
	return fmt.Sprintf("push:token:%s", token)
}

// Store stores a push notification token
func (r *PushTokenRepository) Store(ctx context.Context, token *push.Token) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	if err := r.client.Set(ctx, tokenKey(token.Token), data, constants.PushTokenTTL).Err(); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}

	key := userTokensKey(token.UserID)
	if err := r.client.SAdd(ctx, key, token.Token).Err(); err != nil {
		return fmt.Errorf("failed to add token to user set: %w", err)
	}
	if err := r.client.Expire(ctx, key, constants.PushTokenTTL).Err(); err != nil {
		logger.Warn("Failed to set expiration on user tokens set",
			zap.String("user_id", token.UserID.String()),
			zap.Error(err))
	}

	return nil
}

// GetByUserID retrieves all tokens registered for a user
func (r *PushTokenRepository) GetByUserID(ctx context.Context, userID uuid.UUID) ([]*push.Token, error) {
	tokens, err := r.client.SMembers(ctx, userTokensKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user tokens: %w", err)
	}

	var result []*push.Token
	for _, tokenStr := range tokens {
		data, err := r.client.Get(ctx, tokenKey(tokenStr)).Bytes()
		if err != nil {
			if err == redis.Nil {
				// Token record expired; drop the dangling set member.
				r.client.SRem(ctx, userTokensKey(userID), tokenStr)
				continue
			}
			return nil, fmt.Errorf("failed to get token: %w", err)
		}

		var token push.Token
		if err := json.Unmarshal(data, &token); err != nil {
			logger.Warn("Failed to unmarshal push token",
				zap.String("user_id", userID.String()),
				zap.Error(err))
			continue
		}
		result = append(result, &token)
	}

	return result, nil
}

// Delete removes a single device token for a user
func (r *PushTokenRepository) Delete(ctx context.Context, userID uuid.UUID, token string) error {
	if err := r.client.SRem(ctx, userTokensKey(userID), token).Err(); err != nil {
		return fmt.Errorf("failed to remove token from user set: %w", err)
	}
	if err := r.client.Del(ctx, tokenKey(token)).Err(); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}
