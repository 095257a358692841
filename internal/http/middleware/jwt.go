package middleware

import (
	"net/http"
	"strings"

	"cashflow/internal/service"

	"github.com/gin-gonic/gin"
)

// MerchantClaimKey holds the authenticated merchant_id claim in the gin context
const MerchantClaimKey = "merchant_claim"

// MerchantJWT requires a bearer token whose merchant_id claim matches the
// :merchantId path parameter. Routes without that parameter get only token
// validation and check the claim themselves. An empty secret disables the check.
// The token may also be passed as ?token= for WebSocket clients.
func MerchantJWT(secret string) gin.HandlerFunc {
	if secret == "" {
		return func(c *gin.Context) { c.Next() }
	}
	key := []byte(secret)

	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			token = c.Query("token")
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token required"})
			return
		}

		claim, err := service.ParseMerchantJWT(key, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if merchantID := c.Param("merchantId"); merchantID != "" && !service.MerchantAllowed(claim, merchantID) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "token not valid for this merchant"})
			return
		}

		c.Set(MerchantClaimKey, claim)
		c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
