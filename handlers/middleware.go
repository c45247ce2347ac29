package handlers

import (
	"crypto/subtle"
	"fmt"
	"log"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"wans2v/models"
)

// PanicRecover turns a panic in any handler into an Internal error response
func PanicRecover() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("panic detected: %v", r)
				log.Printf("stacktrace from panic: %s", string(debug.Stack()))
				jobErr := models.InternalError(r)
				c.AbortWithStatusJSON(jobErr.HTTPStatus(), jobErr.Response())
			}
		}()
		c.Next()
	}
}

// AuthMiddleware accepts a bearer token that is either one of apiKeys or an
// HS256 JWT signed with jwtSecret. With neither configured every request passes.
func AuthMiddleware(apiKeys []string, jwtSecret string) gin.HandlerFunc {
	if len(apiKeys) == 0 && jwtSecret == "" {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, models.ErrorResponse{
				Error:   "unauthorized",
				Details: "missing bearer token",
			})
			return
		}

		for _, key := range apiKeys {
			if subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1 {
				c.Next()
				return
			}
		}

		if jwtSecret != "" {
			claims, err := parseJWT(token, jwtSecret)
			if err == nil {
				if sub, _ := claims.GetSubject(); sub != "" {
					c.Set("subject", sub)
				}
				c.Next()
				return
			}
			log.Printf("Rejected token: %v", err)
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, models.ErrorResponse{
			Error:   "unauthorized",
			Details: "invalid credentials",
		})
	}
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}

func parseJWT(token, secret string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	return claims, nil
}
