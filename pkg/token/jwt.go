// Package token 提供 LiveKit 访问令牌的生成和验证功能。
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/livekit/protocol/auth"
)

// adminTokenDur 是服务端调用 RoomService 时使用的短期令牌有效期。
const adminTokenDur = 10 * time.Minute

// ErrMissingCredentials 表示未配置 API key 或 secret。
var ErrMissingCredentials = errors.New("livekit api key and secret are required")

// AccessClaims 是 LiveKit 访问令牌的声明。Subject 为参与者 identity，Issuer 为 API key。
type AccessClaims struct {
	Name  string           `json:"name,omitempty"`
	Video *auth.VideoGrant `json:"video,omitempty"`
	jwt.RegisteredClaims
}

// AccessTokenManager 负责签发和验证 LiveKit 访问令牌。
// 签发走 livekit 官方 auth 包，验证用 golang-jwt 解析到本地声明类型。
type AccessTokenManager struct {
	apiKey    string
	apiSecret string
	tokenDur  time.Duration
}

// NewAccessTokenManager 创建一个新的 AccessTokenManager 实例。
func NewAccessTokenManager(apiKey, apiSecret string, ttl time.Duration) *AccessTokenManager {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &AccessTokenManager{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		tokenDur:  ttl,
	}
}

// ParticipantToken 为参与者签发加入指定房间的令牌。
func (m *AccessTokenManager) ParticipantToken(identity, name, room string, canPublish, canSubscribe bool) (string, error) {
	if identity == "" || room == "" {
		return "", errors.New("identity and room are required")
	}
	if err := m.checkCredentials(); err != nil {
		return "", err
	}
	at := auth.NewAccessToken(m.apiKey, m.apiSecret).
		SetIdentity(identity).
		SetName(name).
		SetValidFor(m.tokenDur).
		AddGrant(&auth.VideoGrant{
			RoomJoin:     true,
			Room:         room,
			CanPublish:   &canPublish,
			CanSubscribe: &canSubscribe,
		})
	return at.ToJWT()
}

// AdminToken 签发服务端调用房间管理接口的短期令牌。
func (m *AccessTokenManager) AdminToken(grant auth.VideoGrant) (string, error) {
	if err := m.checkCredentials(); err != nil {
		return "", err
	}
	at := auth.NewAccessToken(m.apiKey, m.apiSecret).
		SetValidFor(adminTokenDur).
		AddGrant(&grant)
	return at.ToJWT()
}

func (m *AccessTokenManager) checkCredentials() error {
	if m.apiKey == "" || m.apiSecret == "" {
		return ErrMissingCredentials
	}
	return nil
}

// VerifyToken 验证令牌的签名、有效期和签发者，返回其中的声明。
func (m *AccessTokenManager) VerifyToken(tokenString string) (*AccessClaims, error) {
	if m.apiSecret == "" {
		return nil, ErrMissingCredentials
	}
	token, err := jwt.ParseWithClaims(tokenString, &AccessClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(m.apiSecret), nil
	}, jwt.WithIssuer(m.apiKey))
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*AccessClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}
