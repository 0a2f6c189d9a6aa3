package api

import (
	"github.com/gin-gonic/gin"

	"nvrcore/apierr"
)

// writeError maps err to the stable error-code JSON body of spec §7,
// defaulting to INTERNAL_SERVER_ERROR for anything the engine layers
// left uncategorized.
func writeError(c *gin.Context, err error) {
	apiErr, ok := apierr.As(err)
	if !ok {
		apiErr = apierr.Wrap(apierr.InternalServer, "unexpected error", err)
	}
	c.JSON(apiErr.HTTPStatus(), gin.H{
		"error": gin.H{
			"code":    string(apiErr.Code),
			"message": apiErr.Message,
		},
	})
}
