package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"milestonepay/internal/escrowerr"
	"milestonepay/internal/model"
)

// ActorKey is the gin context key the auth middleware stores the caller under.
const ActorKey = "actor"

// SetActor stores the authenticated caller on the request.
func SetActor(c *gin.Context, actor model.Actor) {
	c.Set(ActorKey, actor)
	c.Set("user_id", actor.UserID)
}

// getActor 统一的调用方读取工具
func getActor(c *gin.Context) (model.Actor, bool) {
	v, ok := c.Get(ActorKey)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return model.Actor{}, false
	}
	actor, ok := v.(model.Actor)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid actor"})
		return model.Actor{}, false
	}
	return actor, true
}

// parseIndex parses the :index path param. Anything other than a plain
// non-negative decimal integer is out of range.
func parseIndex(c *gin.Context) (int, error) {
	raw := c.Param("index")
	if raw == "" {
		return 0, &escrowerr.IndexOutOfRangeError{Position: -1}
	}
	for _, r := range raw {
		if r < '0' || r > '9' {
			pos, err := strconv.Atoi(raw)
			if err != nil || pos >= 0 {
				pos = -1
			}
			return 0, &escrowerr.IndexOutOfRangeError{Position: pos}
		}
	}
	pos, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &escrowerr.IndexOutOfRangeError{Position: -1}
	}
	return pos, nil
}
