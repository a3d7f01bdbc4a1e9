package application

import (
	"github.com/towns-protocol/towns-sub009/internal/config"
	"github.com/towns-protocol/towns-sub009/internal/notify"
	"github.com/towns-protocol/towns-sub009/internal/storage"
	syncpkg "github.com/towns-protocol/towns-sub009/internal/sync"
)

// DB returns the node's database instance.
func (n *Node) DB() *storage.DB {
	return n.db
}

// Config returns the node's configuration.
func (n *Node) Config() *config.Config {
	return n.config
}

// Syncer returns the node's stream sync loop.
func (n *Node) Syncer() *syncpkg.Syncer {
	return n.syncer
}

// Engine returns the node's notification engine.
func (n *Node) Engine() *notify.Engine {
	return n.engine
}
