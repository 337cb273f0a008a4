package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	CtxUserIDKey = "user_id"
	CtxRoleKey   = "role"

	// ブラウザの WebSocket はヘッダを付けられないのでクエリで受ける
	queryTokenKey = "access_token"

	codeUnauthorized = "UNAUTHORIZED"
)

// RequireAuth: Authorization: Bearer <token> を検証して context に sub/role を詰める
func RequireAuth(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr, msg := bearerToken(c)
		if tokenStr == "" {
			abortUnauthorized(c, msg)
			return
		}

		sub, role, err := ParseToken(secret, tokenStr)
		if err != nil {
			abortUnauthorized(c, err.Error())
			return
		}

		c.Set(CtxUserIDKey, sub)
		c.Set(CtxRoleKey, role)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, string) {
	h := c.GetHeader("Authorization")
	if h == "" {
		if q := strings.TrimSpace(c.Query(queryTokenKey)); q != "" {
			return q, ""
		}
		return "", "missing Authorization header"
	}

	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", "invalid Authorization header"
	}

	tokenStr := strings.TrimSpace(parts[1])
	if tokenStr == "" {
		return "", "empty token"
	}
	return tokenStr, ""
}

// ParseToken validates an HS256 token and returns its sub and role claims.
func ParseToken(secret []byte, tokenStr string) (string, string, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		// alg 固定（none攻撃とか回避）
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || token == nil || !token.Valid {
		return "", "", errInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", errInvalidClaims
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", "", errInvalidSub
	}

	role := ""
	if roleStr, ok := claims["role"].(string); ok {
		role = roleStr
	}
	return sub, role, nil
}

// RequireRole: 例) faculty のみ許可したい時に追加
func RequireRole(roles ...string) gin.HandlerFunc {
	roleSet := make(map[string]struct{})
	for _, r := range roles {
		if r == "" {
			continue
		}
		roleSet[r] = struct{}{}
	}

	return func(c *gin.Context) {
		role := Role(c)
		if role == "" {
			abortUnauthorized(c, "missing role")
			return
		}

		// ロール違いも 401（各 feature のエラー形式に合わせる）
		if _, allowed := roleSet[role]; !allowed {
			abortUnauthorized(c, "role "+role+" may not call this endpoint")
			return
		}

		c.Next()
	}
}

// abortUnauthorized は {"error":{"code","message"}} 形式で 401 を返す
func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": gin.H{"code": codeUnauthorized, "message": msg},
	})
}

// Subject returns the authenticated user id, or "" outside RequireAuth.
func Subject(c *gin.Context) string {
	return c.GetString(CtxUserIDKey)
}

func Role(c *gin.Context) string {
	return c.GetString(CtxRoleKey)
}
