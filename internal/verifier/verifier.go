// Package verifier validates direct on-chain token payments: given a
// transaction hash, it checks that the token contract emitted a transfer
// of at least the expected amount to the expected recipient. Pure
// verification, no order mutation happens here.
package verifier

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/stablemint/settler/internal/chain"
)

// ReceiptSource is the slice of the chain gateway this package needs.
type ReceiptSource interface {
	Receipt(ctx context.Context, txHash string) (*chain.Receipt, error)
}

type TransferVerifier struct {
	receipts ReceiptSource
	token    string
	decimals int32
}

func NewTransferVerifier(receipts ReceiptSource, tokenAddress string, decimals int32) *TransferVerifier {
	return &TransferVerifier{
		receipts: receipts,
		token:    strings.ToLower(tokenAddress),
		decimals: decimals,
	}
}

// Result mirrors the first token transfer found in the transaction, plus
// the verdict. An invalid result is a correctness signal, not a fault.
type Result struct {
	Valid       bool            `json:"valid"`
	Amount      decimal.Decimal `json:"amount"`
	From        string          `json:"from,omitempty"`
	To          string          `json:"to,omitempty"`
	BlockNumber uint64          `json:"block_number,omitempty"`
	Reason      string          `json:"reason,omitempty"`
}

// VerifyTransfer fetches the receipt and checks the first transfer event
// emitted by the token contract. The recipient comparison ignores case and
// overpayment is accepted; underpayment is not.
func (v *TransferVerifier) VerifyTransfer(ctx context.Context, txHash string, expectedAmount decimal.Decimal, expectedRecipient string) (*Result, error) {
	receipt, err := v.receipts.Receipt(ctx, txHash)
	if err != nil {
		return nil, err
	}
	if receipt == nil {
		return &Result{Valid: false, Reason: "transaction not found"}, nil
	}
	if !receipt.Succeeded() {
		return &Result{Valid: false, Reason: "transaction reverted"}, nil
	}

	blockNumber, err := receipt.Block()
	if err != nil {
		return nil, err
	}

	for _, log := range receipt.Logs {
		if !strings.EqualFold(log.Address, v.token) {
			continue
		}
		transfer, ok := log.AsTransfer()
		if !ok {
			continue
		}

		amount := decimal.NewFromBigInt(transfer.Value, -v.decimals)
		result := &Result{
			Amount:      amount,
			From:        transfer.From,
			To:          transfer.To,
			BlockNumber: blockNumber,
		}

		switch {
		case !strings.EqualFold(transfer.To, expectedRecipient):
			result.Reason = "recipient mismatch"
		case amount.LessThan(expectedAmount):
			result.Reason = "amount below expected"
		default:
			result.Valid = true
		}

		return result, nil
	}

	return &Result{Valid: false, BlockNumber: blockNumber, Reason: "no token transfer in transaction"}, nil
}
