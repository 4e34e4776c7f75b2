package auth

import (
	"fmt"
	"time"

	"GroupFM/model"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var jwtSecret []byte

// Init 设置JWT签名密钥
func Init(secret string) {
	jwtSecret = []byte(secret)
}

// Claims 会话令牌载荷
// 身份由上游OAuth流程或游客接口签发，核心逻辑只消费已认证的身份
type Claims struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
	jwt.RegisteredClaims
}

// GenerateToken 为成员签发会话令牌，有效期24小时
func GenerateToken(member model.Member) (string, error) {
	if len(jwtSecret) == 0 {
		return "", fmt.Errorf("jwt secret not initialized")
	}

	claims := &Claims{
		UserID:   member.ID,
		Username: member.Name,
		Avatar:   member.Avatar,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtSecret)
}

// ParseToken 解析并校验会话令牌
func ParseToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// NewGuestMember 创建游客身份
// 游客没有Spotify凭证，只能加入群组，不能创建
func NewGuestMember(name, avatar string) model.Member {
	return model.Member{
		ID:     "guest-" + uuid.NewString(),
		Name:   name,
		Avatar: avatar,
	}
}
