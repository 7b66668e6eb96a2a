package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported during the MCP handshake.
const Version = "0.1.0"

// NewMCPServer creates a configured MCP server with all escrow tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("escrowd", Version, server.WithToolCapabilities(false))
	h := NewHandlers(NewEscrowClient(cfg))

	s.AddTool(ToolEscrowInfo, h.HandleEscrowInfo)
	s.AddTool(ToolCreateEscrow, h.HandleCreateEscrow)
	s.AddTool(ToolGetEscrow, h.HandleGetEscrow)
	s.AddTool(ToolListEscrows, h.HandleListEscrows)
	s.AddTool(ToolConfirmDelivery, h.HandleConfirmDelivery)
	s.AddTool(ToolApproveRelease, h.HandleApproveRelease)
	s.AddTool(ToolRaiseDispute, h.HandleRaiseDispute)
	s.AddTool(ToolClaimRefund, h.HandleClaimRefund)
	s.AddTool(ToolRefundEligibility, h.HandleRefundEligibility)
	s.AddTool(ToolResolveDispute, h.HandleResolveDispute)
	s.AddTool(ToolEscrowEvents, h.HandleEscrowEvents)

	return s
}
