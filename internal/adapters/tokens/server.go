package tokens

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Issuer signs dev tokens with a shared secret. Tokens are
// base64(claims).base64(hmac-sha256), stateless by design.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl}
}

func (i *Issuer) sign(claims string) string {
	exp := time.Now().Add(i.ttl).Unix()
	payload := fmt.Sprintf("%s|exp=%d", claims, exp)
	mac := hmac.New(sha256.New, i.secret)
	mac.Write([]byte(payload))
	enc := base64.RawURLEncoding
	return enc.EncodeToString([]byte(payload)) + "." + enc.EncodeToString(mac.Sum(nil))
}

// SetupRouter wires the token endpoints.
func SetupRouter(mode string, issuer *Issuer) *gin.Engine {
	if mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	api := r.Group("/v1/tokens")

	api.POST("/rtm", func(c *gin.Context) {
		var req rtmRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.UserName == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid userName"})
			return
		}
		token := issuer.sign("rtm|user=" + req.UserName)
		log.Info().Str("module", "tokens.server").Str("user", req.UserName).Msg("issued rtm token")
		c.JSON(http.StatusOK, tokenResponse{Token: token})
	})

	api.POST("/rtc", func(c *gin.Context) {
		var req rtcRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.RoomID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid room"})
			return
		}
		claims := fmt.Sprintf("rtc|user=%s|room=%s|broadcaster=%t", req.UserID, req.RoomID, req.Broadcaster)
		log.Info().Str("module", "tokens.server").Str("room", string(req.RoomID)).Bool("broadcaster", req.Broadcaster).Msg("issued rtc token")
		c.JSON(http.StatusOK, tokenResponse{Token: issuer.sign(claims)})
	})

	return r
}
