package chain

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/alanyoungcy/swapdesk/internal/domain"
)

var permitSingleTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"PermitSingle": {
		{Name: "details", Type: "PermitDetails"},
		{Name: "spender", Type: "address"},
		{Name: "sigDeadline", Type: "uint256"},
	},
	"PermitDetails": {
		{Name: "token", Type: "address"},
		{Name: "amount", Type: "uint160"},
		{Name: "expiration", Type: "uint48"},
		{Name: "nonce", Type: "uint48"},
	},
}

// PermitTypedData builds the EIP-712 payload a swapper signs to grant the
// settlement contract a delegated allowance without a transaction.
func PermitTypedData(chainID int64, delegatedSpender string, p domain.Permit) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       permitSingleTypes,
		PrimaryType: "PermitSingle",
		Domain: apitypes.TypedDataDomain{
			Name:              "Permit2",
			ChainId:           math.NewHexOrDecimal256(chainID),
			VerifyingContract: common.HexToAddress(delegatedSpender).Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"details": map[string]interface{}{
				"token":      common.HexToAddress(p.Token).Hex(),
				"amount":     p.Amount.String(),
				"expiration": strconv.FormatInt(p.Expiration.Unix(), 10),
				"nonce":      strconv.FormatUint(p.Nonce, 10),
			},
			"spender":     common.HexToAddress(p.Spender).Hex(),
			"sigDeadline": strconv.FormatInt(p.SigDeadline.Unix(), 10),
		},
	}
}
