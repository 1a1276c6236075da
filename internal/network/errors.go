package network

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"

	"txaccel/internal/txerr"
)

const codeLimitExceeded = -32005

// Node rejection messages, as emitted by geth's txpool and state
// transition checks and mirrored by most EVM clients.
const (
	msgAlreadyKnown         = "already known"
	msgNonceTooLow          = "nonce too low"
	msgNonceTooHigh         = "nonce too high"
	msgReplaceUnderpriced   = "replacement transaction underpriced"
	msgUnderpriced          = "transaction underpriced"
	msgFeeCapBelowBaseFee   = "max fee per gas less than block base fee"
	msgTipAboveFeeCap       = "max priority fee per gas higher than max fee per gas"
	msgGasPriceBelowMinimum = "gas price below minimum"
)

var rejections = []struct {
	msg  string
	kind txerr.Kind
}{
	{msgNonceTooLow, txerr.KindNonceConflict},
	{msgNonceTooHigh, txerr.KindNonceConflict},
	{msgReplaceUnderpriced, txerr.KindNonceConflict},
	{msgUnderpriced, txerr.KindFeeTooLow},
	{msgFeeCapBelowBaseFee, txerr.KindFeeTooLow},
	{msgGasPriceBelowMinimum, txerr.KindFeeTooLow},
	{msgTipAboveFeeCap, txerr.KindOther},
	{"rate limit", txerr.KindRateLimited},
	{"too many requests", txerr.KindRateLimited},
}

func isAlreadyKnown(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), msgAlreadyKnown)
}

// classifySubmit maps a broadcast failure onto the submission kinds.
func classifySubmit(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return txerr.New(txerr.KindTimeout, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return txerr.New(txerr.KindTimeout, op, err)
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case http.StatusTooManyRequests:
			return txerr.New(txerr.KindRateLimited, op, err)
		case http.StatusGatewayTimeout, http.StatusRequestTimeout:
			return txerr.New(txerr.KindTimeout, op, err)
		}
		return txerr.New(txerr.KindOther, op, err)
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == codeLimitExceeded {
		return txerr.New(txerr.KindRateLimited, op, err)
	}
	msg := strings.ToLower(err.Error())
	for _, r := range rejections {
		if strings.Contains(msg, r.msg) {
			return txerr.New(r.kind, op, err)
		}
	}
	return txerr.New(txerr.KindOther, op, err)
}

// classifyQuery maps failures of read calls (fees, nonces): anything that
// is not a rate limit means the node is unavailable.
func classifyQuery(op string, err error) error {
	if err == nil {
		return nil
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests {
		return txerr.New(txerr.KindRateLimited, op, err)
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == codeLimitExceeded {
		return txerr.New(txerr.KindRateLimited, op, err)
	}
	return txerr.New(txerr.KindUnavailable, op, err)
}
