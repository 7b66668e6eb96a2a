package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the escrowd MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolEscrowInfo = mcp.NewTool("escrow_info",
	mcp.WithDescription(
		"Show which escrow service you are talking to: network, token contract, "+
			"custody address, current fee, and deadline policy."),
)

var ToolCreateEscrow = mcp.NewTool("create_escrow",
	mcp.WithDescription(
		"Lock tokens in escrow for a recipient. The tokens leave your wallet now and are "+
			"released when the recipient confirms delivery, or refunded to you after the deadline. "+
			"The platform fee is taken from the amount, so the amount must exceed the fee. "+
			"You must have approved the custody address to spend at least this amount."),
	mcp.WithString("recipient",
		mcp.Required(),
		mcp.Description("Recipient address (base58 'T...' or 0x hex)")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount in whole tokens with up to 6 decimals (e.g. '25.50')")),
	mcp.WithNumber("deadline_hours",
		mcp.Description("Hours until you may reclaim the funds. Omit to use the service default.")),
)

var ToolGetEscrow = mcp.NewTool("get_escrow",
	mcp.WithDescription("Look up one escrow transaction by id: parties, amount, fee, state and deadline."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("Numeric escrow id returned by create_escrow")),
)

var ToolListEscrows = mcp.NewTool("list_escrows",
	mcp.WithDescription(
		"List escrow transactions where an address is the sender or the recipient, newest first. "+
			"Defaults to your own address."),
	mcp.WithString("address",
		mcp.Description("Party address; omit for your own")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of transactions to return (default 20)")),
)

var ToolConfirmDelivery = mcp.NewTool("confirm_delivery",
	mcp.WithDescription(
		"As the recipient, confirm you delivered. Funds are released to you minus the platform fee. "+
			"Only the recipient may call this."),
	mcp.WithString("escrow_id", mcp.Required(), mcp.Description("Escrow id")),
)

var ToolApproveRelease = mcp.NewTool("approve_release",
	mcp.WithDescription(
		"Record your approval of the transaction as sender or recipient. "+
			"This does not move funds by itself."),
	mcp.WithString("escrow_id", mcp.Required(), mcp.Description("Escrow id")),
)

var ToolRaiseDispute = mcp.NewTool("raise_dispute",
	mcp.WithDescription(
		"Freeze the transaction and hand it to the arbitrator. Use this when delivery is contested. "+
			"Either party or the arbitrator may dispute while delivery is pending."),
	mcp.WithString("escrow_id", mcp.Required(), mcp.Description("Escrow id")),
)

var ToolClaimRefund = mcp.NewTool("claim_refund",
	mcp.WithDescription(
		"As the sender, reclaim the funds after the deadline has passed without delivery. "+
			"Check refund_eligibility first to see when this becomes possible."),
	mcp.WithString("escrow_id", mcp.Required(), mcp.Description("Escrow id")),
)

var ToolRefundEligibility = mcp.NewTool("refund_eligibility",
	mcp.WithDescription("Show whether the deadline has passed and how long until a refund can be claimed."),
	mcp.WithString("escrow_id", mcp.Required(), mcp.Description("Escrow id")),
)

var ToolResolveDispute = mcp.NewTool("resolve_dispute",
	mcp.WithDescription(
		"As the arbitrator, rule on a disputed transaction: release to the recipient or refund the sender. "+
			"The platform fee is taken either way."),
	mcp.WithString("escrow_id", mcp.Required(), mcp.Description("Escrow id")),
	mcp.WithBoolean("release_to_recipient",
		mcp.Required(),
		mcp.Description("true pays the recipient, false refunds the sender")),
)

var ToolEscrowEvents = mcp.NewTool("escrow_events",
	mcp.WithDescription("Show the audit trail of one escrow transaction in order."),
	mcp.WithString("escrow_id", mcp.Required(), mcp.Description("Escrow id")),
)
