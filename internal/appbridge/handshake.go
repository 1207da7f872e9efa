package appbridge

import (
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/gaspardpetit/appbridge/internal/logx"
)

const (
	methodInitialize  = "initialize"
	methodInitialized = "initialized"
)

type clientCapabilities struct {
	ExperimentalAPI bool `json:"experimentalApi"`
}

type initializeParams struct {
	ClientInfo   mcp.Implementation `json:"clientInfo"`
	Capabilities clientCapabilities `json:"capabilities"`
}

// handshake runs initialize then initialized on a fresh connection. Some
// agent builds do not implement initialize, so its failure is logged and
// the session proceeds.
func (b *Bridge) handshake(c *connection) {
	params := initializeParams{
		ClientInfo:   mcp.Implementation{Name: b.opts.ClientInfo.Name, Version: b.opts.ClientInfo.Version},
		Capabilities: clientCapabilities{ExperimentalAPI: b.opts.ExperimentalAPI},
	}
	if _, err := b.callOn(b.ctx, c, methodInitialize, params); err != nil {
		logx.Log.Warn().Err(err).Str("conn_id", c.id).Msg("initialize failed; continuing without it")
	}
	if err := b.notifyOn(c, methodInitialized, nil); err != nil {
		logx.Log.Warn().Err(err).Str("conn_id", c.id).Msg("send initialized")
	}
}
