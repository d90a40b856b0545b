package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const userIDKey = "user_id"

// Authenticate accepts HS256 bearer tokens signed with secret and stores their subject as the user id.
func Authenticate(secret []byte) gin.HandlerFunc {
	keyFunc := func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}

	return func(c *gin.Context) {
		tokenStr, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || tokenStr == "" {
			unauthorized(c)
			return
		}

		token, err := jwt.Parse(tokenStr, keyFunc, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			unauthorized(c)
			return
		}
		userID, err := token.Claims.GetSubject()
		if err != nil || userID == "" || strings.Contains(userID, "/") {
			unauthorized(c)
			return
		}

		c.Set(userIDKey, userID)
		c.Next()
	}
}

func unauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
}
