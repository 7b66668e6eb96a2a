package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/escrowd/internal/units"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *EscrowClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *EscrowClient) *Handlers {
	return &Handlers{client: client}
}

// HandleEscrowInfo returns service metadata.
func (h *Handlers) HandleEscrowInfo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.Info(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get service info: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// HandleCreateEscrow locks funds for a recipient.
func (h *Handlers) HandleCreateEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	recipient := req.GetString("recipient", "")
	if recipient == "" {
		return mcp.NewToolResultError("recipient is required"), nil
	}
	amount := req.GetString("amount", "")
	if amount == "" {
		return mcp.NewToolResultError("amount is required"), nil
	}
	hours := req.GetInt("deadline_hours", 0)
	if hours < 0 {
		return mcp.NewToolResultError("deadline_hours must not be negative"), nil
	}

	raw, err := h.client.CreateEscrow(ctx, recipient, amount, hours)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Escrow creation failed: %v", err)), nil
	}

	tx, err := parseTransaction(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow %d created.\n\n", tx.ID)
	sb.WriteString(formatTransaction(tx))
	sb.WriteString("\nThe recipient releases the funds with confirm_delivery. ")
	sb.WriteString("If nothing is delivered, use claim_refund after the deadline.")
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetEscrow returns one transaction.
func (h *Handlers) HandleGetEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.GetEscrow(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get escrow: %v", err)), nil
	}
	tx, err := parseTransaction(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}
	return mcp.NewToolResultText(formatTransaction(tx)), nil
}

// HandleListEscrows lists a party's transactions.
func (h *Handlers) HandleListEscrows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	party := req.GetString("address", "")
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListEscrows(ctx, party, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list escrows: %v", err)), nil
	}

	text, err := formatTransactionList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrows: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleConfirmDelivery releases funds to the recipient.
func (h *Handlers) HandleConfirmDelivery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.transition(ctx, req, "confirm delivery", h.client.ConfirmDelivery)
}

// HandleApproveRelease records an approval.
func (h *Handlers) HandleApproveRelease(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.transition(ctx, req, "approve release", h.client.ApproveRelease)
}

// HandleRaiseDispute hands the transaction to the arbitrator.
func (h *Handlers) HandleRaiseDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.transition(ctx, req, "raise dispute", h.client.RaiseDispute)
}

// HandleClaimRefund reclaims funds after the deadline.
func (h *Handlers) HandleClaimRefund(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.transition(ctx, req, "claim refund", h.client.ClaimRefund)
}

// HandleResolveDispute records the arbitrator's ruling.
func (h *Handlers) HandleResolveDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	if _, ok := args["release_to_recipient"]; !ok {
		return mcp.NewToolResultError("release_to_recipient is required"), nil
	}
	release := req.GetBool("release_to_recipient", false)
	return h.transition(ctx, req, "resolve dispute", func(ctx context.Context, id string) (json.RawMessage, error) {
		return h.client.ResolveDispute(ctx, id, release)
	})
}

// HandleRefundEligibility reports refund timing.
func (h *Handlers) HandleRefundEligibility(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.RefundEligibility(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check refund eligibility: %v", err)), nil
	}
	text, err := formatEligibility(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse eligibility: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleEscrowEvents returns the audit trail of a transaction.
func (h *Handlers) HandleEscrowEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.Events(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get events: %v", err)), nil
	}
	text, err := formatEvents(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse events: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

func (h *Handlers) transition(ctx context.Context, req mcp.CallToolRequest, verb string, fn func(context.Context, string) (json.RawMessage, error)) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := fn(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to %s: %v", verb, err)), nil
	}
	tx, err := parseTransaction(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow %d: %s done.\n\n", tx.ID, verb)
	sb.WriteString(formatTransaction(tx))
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Response parsing and formatting ---

type transactionView struct {
	ID                 uint64     `json:"id"`
	Sender             string     `json:"sender"`
	Recipient          string     `json:"recipient"`
	Amount             uint64     `json:"amount"`
	Fee                uint64     `json:"fee"`
	State              string     `json:"state"`
	CreatedAt          time.Time  `json:"createdAt"`
	Deadline           time.Time  `json:"deadline"`
	SenderApproved     bool       `json:"senderApproved"`
	RecipientApproved  bool       `json:"recipientApproved"`
	ArbitratorVoted    bool       `json:"arbitratorVoted"`
	ArbitratorDecision bool       `json:"arbitratorDecision"`
	ResolvedAt         *time.Time `json:"resolvedAt"`
	Emergency          bool       `json:"emergency"`
}

func parseTransaction(raw json.RawMessage) (transactionView, error) {
	var resp struct {
		Transaction *transactionView `json:"transaction"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return transactionView{}, err
	}
	if resp.Transaction == nil {
		return transactionView{}, fmt.Errorf("no transaction in response: %s", string(raw))
	}
	return *resp.Transaction, nil
}

func formatTransaction(tx transactionView) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ID: %d\n", tx.ID)
	fmt.Fprintf(&sb, "State: %s\n", tx.State)
	fmt.Fprintf(&sb, "Sender: %s\n", tx.Sender)
	fmt.Fprintf(&sb, "Recipient: %s\n", tx.Recipient)
	fmt.Fprintf(&sb, "Amount: %s (fee %s)\n", units.Format(tx.Amount), units.Format(tx.Fee))
	fmt.Fprintf(&sb, "Deadline: %s\n", tx.Deadline.UTC().Format(time.RFC3339))

	var approvals []string
	if tx.SenderApproved {
		approvals = append(approvals, "sender")
	}
	if tx.RecipientApproved {
		approvals = append(approvals, "recipient")
	}
	if len(approvals) > 0 {
		fmt.Fprintf(&sb, "Approved by: %s\n", strings.Join(approvals, ", "))
	}
	if tx.ArbitratorVoted {
		ruling := "refund sender"
		if tx.ArbitratorDecision {
			ruling = "release to recipient"
		}
		fmt.Fprintf(&sb, "Arbitrator ruling: %s\n", ruling)
	}
	if tx.ResolvedAt != nil {
		fmt.Fprintf(&sb, "Resolved: %s\n", tx.ResolvedAt.UTC().Format(time.RFC3339))
	}
	if tx.Emergency {
		sb.WriteString("Closed by emergency withdrawal\n")
	}
	return sb.String()
}

func formatTransactionList(raw json.RawMessage) (string, error) {
	var resp struct {
		Transactions []transactionView `json:"transactions"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Transactions) == 0 {
		return "No escrow transactions found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d escrow(s):\n\n", len(resp.Transactions))
	for i, tx := range resp.Transactions {
		fmt.Fprintf(&sb, "%d. #%d %s %s -> %s [%s]\n",
			i+1, tx.ID, units.Format(tx.Amount), tx.Sender, tx.Recipient, tx.State)
	}
	return sb.String(), nil
}

func formatEligibility(raw json.RawMessage) (string, error) {
	var resp struct {
		Eligibility struct {
			ID                uint64    `json:"id"`
			State             string    `json:"state"`
			Deadline          time.Time `json:"deadline"`
			Claimable         bool      `json:"claimable"`
			Expired           bool      `json:"expired"`
			SecondsRemaining  int64     `json:"secondsRemaining"`
			EmergencyAfter    time.Time `json:"emergencyAfter"`
			EmergencyEligible bool      `json:"emergencyEligible"`
		} `json:"eligibility"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	e := resp.Eligibility

	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow %d (%s)\n", e.ID, e.State)
	fmt.Fprintf(&sb, "Deadline: %s\n", e.Deadline.UTC().Format(time.RFC3339))
	switch {
	case e.Claimable:
		sb.WriteString("Refund: claimable now\n")
	case e.Expired:
		sb.WriteString("Refund: deadline passed, but the transaction is not awaiting delivery\n")
	default:
		fmt.Fprintf(&sb, "Refund: available in %s\n", time.Duration(e.SecondsRemaining)*time.Second)
	}
	if e.EmergencyEligible {
		sb.WriteString("Owner emergency withdrawal is possible\n")
	}
	return sb.String(), nil
}

type eventView struct {
	Type      string            `json:"type"`
	Data      map[string]string `json:"data"`
	CreatedAt time.Time         `json:"createdAt"`
}

func formatEvents(raw json.RawMessage) (string, error) {
	var resp struct {
		Events []eventView `json:"events"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Events) == 0 {
		return "No events recorded.", nil
	}

	var sb strings.Builder
	for i, ev := range resp.Events {
		fmt.Fprintf(&sb, "%d. %s %s", i+1, ev.CreatedAt.UTC().Format(time.RFC3339), ev.Type)
		if len(ev.Data) > 0 {
			keys := make([]string, 0, len(ev.Data))
			for k := range ev.Data {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			pairs := make([]string, 0, len(keys))
			for _, k := range keys {
				pairs = append(pairs, k+"="+ev.Data[k])
			}
			fmt.Fprintf(&sb, " (%s)", strings.Join(pairs, ", "))
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}
