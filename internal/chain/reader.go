package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// Caller is the read surface of an EVM node; *ethclient.Client satisfies it.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// DelegatedAllowance is the decoded allowance of the delegated spender.
type DelegatedAllowance struct {
	Amount     *big.Int
	Expiration time.Time
	Nonce      uint64
}

// Reader reads allowances and balances for one chain.
type Reader struct {
	caller           Caller
	delegatedSpender common.Address
}

// NewReader creates a Reader. delegatedSpender is the address of the
// shared spender contract on this chain.
func NewReader(caller Caller, delegatedSpender string) *Reader {
	return &Reader{caller: caller, delegatedSpender: common.HexToAddress(delegatedSpender)}
}

// TokenAllowance returns token.allowance(owner, spender).
func (r *Reader) TokenAllowance(ctx context.Context, owner, token, spender string) (*big.Int, error) {
	data, err := erc20ABI.Pack("allowance", common.HexToAddress(owner), common.HexToAddress(spender))
	if err != nil {
		return nil, fmt.Errorf("chain: pack allowance: %w", err)
	}
	out, err := r.call(ctx, token, data)
	if err != nil {
		return nil, fmt.Errorf("chain: token allowance: %w", err)
	}
	vals, err := erc20ABI.Unpack("allowance", out)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack allowance: %w", err)
	}
	amount, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: unpack allowance: unexpected %T", vals[0])
	}
	return amount, nil
}

// DelegatedAllowance reads the delegated spender's allowance of token from
// owner to spender.
func (r *Reader) DelegatedAllowance(ctx context.Context, owner, token, spender string) (DelegatedAllowance, error) {
	data, err := delegatedSpenderABI.Pack("allowance",
		common.HexToAddress(owner), common.HexToAddress(token), common.HexToAddress(spender))
	if err != nil {
		return DelegatedAllowance{}, fmt.Errorf("chain: pack delegated allowance: %w", err)
	}
	out, err := r.call(ctx, r.delegatedSpender.Hex(), data)
	if err != nil {
		return DelegatedAllowance{}, fmt.Errorf("chain: delegated allowance: %w", err)
	}
	vals, err := delegatedSpenderABI.Unpack("allowance", out)
	if err != nil {
		return DelegatedAllowance{}, fmt.Errorf("chain: unpack delegated allowance: %w", err)
	}
	amount, ok1 := vals[0].(*big.Int)
	expiration, ok2 := vals[1].(*big.Int)
	nonce, ok3 := vals[2].(*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return DelegatedAllowance{}, fmt.Errorf("chain: unpack delegated allowance: unexpected types %T %T %T", vals[0], vals[1], vals[2])
	}
	return DelegatedAllowance{
		Amount:     amount,
		Expiration: time.Unix(expiration.Int64(), 0),
		Nonce:      nonce.Uint64(),
	}, nil
}

// Balance returns the native balance when token is empty or the zero
// address, else the ERC-20 balance.
func (r *Reader) Balance(ctx context.Context, owner, token string) (*big.Int, error) {
	if token == "" || common.HexToAddress(token) == (common.Address{}) {
		bal, err := r.caller.BalanceAt(ctx, common.HexToAddress(owner), nil)
		if err != nil {
			return nil, fmt.Errorf("chain: native balance: %w", err)
		}
		return bal, nil
	}
	data, err := erc20ABI.Pack("balanceOf", common.HexToAddress(owner))
	if err != nil {
		return nil, fmt.Errorf("chain: pack balanceOf: %w", err)
	}
	out, err := r.call(ctx, token, data)
	if err != nil {
		return nil, fmt.Errorf("chain: token balance: %w", err)
	}
	return new(big.Int).SetBytes(out), nil
}

func (r *Reader) call(ctx context.Context, to string, data []byte) ([]byte, error) {
	addr := common.HexToAddress(to)
	return r.caller.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
}
