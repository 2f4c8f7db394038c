package node

import "github.com/gin-gonic/gin"

// Node is a process that owns an identity and an operator router.
type Node interface {
	NodeID() string
	Kind() string
	HTTPRouter() *gin.Engine
}
