package chain

import (
	"bytes"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
)

var (
	// MaxUint160 is the largest delegated allowance amount.
	MaxUint160 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 160), big.NewInt(1))
	// MaxUint256 is the unlimited ERC-20 allowance.
	MaxUint256 = new(big.Int).Set(math.MaxBig256)
)

// EncodeApprove returns calldata for ERC-20 approve(spender, amount).
func EncodeApprove(spender string, amount *big.Int) ([]byte, error) {
	data, err := erc20ABI.Pack("approve", common.HexToAddress(spender), amount)
	if err != nil {
		return nil, fmt.Errorf("chain: pack approve: %w", err)
	}
	return data, nil
}

// EncodeDelegatedApprove returns calldata granting spender a time-boxed
// allowance of token through the delegated spender contract.
func EncodeDelegatedApprove(token, spender string, amount *big.Int, expiration time.Time) ([]byte, error) {
	if amount.Cmp(MaxUint160) > 0 {
		amount = MaxUint160
	}
	data, err := delegatedSpenderABI.Pack("approve",
		common.HexToAddress(token),
		common.HexToAddress(spender),
		amount,
		big.NewInt(expiration.Unix()),
	)
	if err != nil {
		return nil, fmt.Errorf("chain: pack delegated approve: %w", err)
	}
	return data, nil
}

// EncodeWrap returns calldata for depositing native currency into the
// wrapped native token contract.
func EncodeWrap() ([]byte, error) {
	data, err := wrappedNativeABI.Pack("deposit")
	if err != nil {
		return nil, fmt.Errorf("chain: pack deposit: %w", err)
	}
	return data, nil
}

// DecodeApprove parses ERC-20 approve calldata.
func DecodeApprove(data []byte) (spender string, amount *big.Int, err error) {
	args, err := unpackCall(erc20ABI, "approve", data)
	if err != nil {
		return "", nil, err
	}
	return args[0].(common.Address).Hex(), args[1].(*big.Int), nil
}

// DecodeDelegatedApprove parses delegated spender approve calldata.
func DecodeDelegatedApprove(data []byte) (token, spender string, amount *big.Int, expiration time.Time, err error) {
	args, err := unpackCall(delegatedSpenderABI, "approve", data)
	if err != nil {
		return "", "", nil, time.Time{}, err
	}
	exp := args[3].(*big.Int)
	return args[0].(common.Address).Hex(), args[1].(common.Address).Hex(), args[2].(*big.Int), time.Unix(exp.Int64(), 0), nil
}

func unpackCall(parsed abi.ABI, name string, data []byte) ([]any, error) {
	m := parsed.Methods[name]
	if len(data) < 4 || !bytes.Equal(data[:4], m.ID) {
		return nil, fmt.Errorf("chain: calldata is not %s", m.Sig)
	}
	args, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s: %w", name, err)
	}
	return args, nil
}
