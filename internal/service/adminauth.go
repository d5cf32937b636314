package service

import (
	"crypto/subtle"

	"github.com/bathiste/chat-client-WIP/internal/auth"
	"github.com/bathiste/chat-client-WIP/internal/config"
)

// AdminAuth 校验管理员凭据并签发管理端 token。
type AdminAuth struct {
	user   string
	hash   string
	secret string
	ttl    int
}

// NewAdminAuth 优先使用配置中的 bcrypt 哈希，否则在启动时对明文密码做一次哈希。
func NewAdminAuth(cfg config.Config) (*AdminAuth, error) {
	hash := cfg.AdminPasswordHash
	if hash == "" {
		h, err := auth.HashPassword(cfg.AdminPassword)
		if err != nil {
			return nil, err
		}
		hash = h
	}
	return &AdminAuth{user: cfg.AdminUser, hash: hash, secret: cfg.JWTSecret, ttl: cfg.AdminTokenTTLMinutes}, nil
}

// LoginResult 登录成功后返回的数据。
type LoginResult struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (a *AdminAuth) Login(username, password string) (*LoginResult, error) {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.user)) == 1
	passOK := auth.VerifyPassword(a.hash, password)
	if !userOK || !passOK {
		return nil, ErrInvalidCredentials
	}
	at, err := auth.GenerateAdminToken(a.user, a.secret, a.ttl)
	if err != nil {
		return nil, err
	}
	return &LoginResult{AccessToken: at, ExpiresIn: a.ttl * 60}, nil
}
