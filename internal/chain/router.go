package chain

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/swapdesk/internal/domain"
)

// Router command bytes.
const (
	cmdV3SwapExactIn  byte = 0x00
	cmdV3SwapExactOut byte = 0x01
	cmdSweep          byte = 0x04
	cmdPayPortion     byte = 0x06
	cmdPermit         byte = 0x0a
	cmdWrapNative     byte = 0x0b
	cmdUnwrapNative   byte = 0x0c
)

// Recipient sentinels understood by the router.
var (
	msgSender   = common.BigToAddress(big.NewInt(1))
	addressThis = common.BigToAddress(big.NewInt(2))
)

func mustType(t string, components []abi.ArgumentMarshaling) abi.Type {
	typ, err := abi.NewType(t, "", components)
	if err != nil {
		panic("chain: abi type " + t + ": " + err.Error())
	}
	return typ
}

var (
	tAddress = mustType("address", nil)
	tUint256 = mustType("uint256", nil)
	tBytes   = mustType("bytes", nil)
	tBool    = mustType("bool", nil)
	tPermit  = mustType("tuple", []abi.ArgumentMarshaling{
		{Name: "details", Type: "tuple", Components: []abi.ArgumentMarshaling{
			{Name: "token", Type: "address"},
			{Name: "amount", Type: "uint160"},
			{Name: "expiration", Type: "uint48"},
			{Name: "nonce", Type: "uint48"},
		}},
		{Name: "spender", Type: "address"},
		{Name: "sigDeadline", Type: "uint256"},
	})

	swapArgs    = abi.Arguments{{Type: tAddress}, {Type: tUint256}, {Type: tUint256}, {Type: tBytes}, {Type: tBool}}
	wrapArgs    = abi.Arguments{{Type: tAddress}, {Type: tUint256}}
	sweepArgs   = abi.Arguments{{Type: tAddress}, {Type: tAddress}, {Type: tUint256}}
	portionArgs = abi.Arguments{{Type: tAddress}, {Type: tAddress}, {Type: tUint256}}
	permitArgs  = abi.Arguments{{Type: tPermit}, {Type: tBytes}}
)

type permitDetails struct {
	Token      common.Address
	Amount     *big.Int
	Expiration *big.Int
	Nonce      *big.Int
}

type permitSingle struct {
	Details     permitDetails
	Spender     common.Address
	SigDeadline *big.Int
}

// SwapParams describes a classic swap to encode as a router call.
type SwapParams struct {
	TradeType    domain.TradeType
	Route        []domain.RouteHop
	AmountIn     *big.Int
	AmountOut    *big.Int
	MinimumOut   *big.Int
	MaximumIn    *big.Int
	Recipient    string
	InputNative  bool
	OutputNative bool
	Permit       *domain.Permit
	Portion      *domain.Portion
	Deadline     time.Time
}

// SwapCall is an encoded router invocation.
type SwapCall struct {
	Data  []byte
	Value *big.Int
}

// EncodePath packs hop tokens and fees as token|fee|token... . Exact-output
// paths are reversed, starting from the output token.
func EncodePath(route []domain.RouteHop, exactOutput bool) ([]byte, error) {
	if len(route) == 0 {
		return nil, fmt.Errorf("chain: encode path: empty route")
	}
	hops := route
	if exactOutput {
		hops = make([]domain.RouteHop, len(route))
		for i, h := range route {
			hops[len(route)-1-i] = domain.RouteHop{Pool: h.Pool, TokenIn: h.TokenOut, TokenOut: h.TokenIn, FeePips: h.FeePips}
		}
	}
	path := make([]byte, 0, 20+len(hops)*23)
	path = append(path, common.HexToAddress(hops[0].TokenIn).Bytes()...)
	for i, h := range hops {
		if i > 0 && !strings.EqualFold(hops[i-1].TokenOut, h.TokenIn) {
			return nil, fmt.Errorf("chain: encode path: hop %d does not continue from %s", i, hops[i-1].TokenOut)
		}
		if h.FeePips >= 1<<24 {
			return nil, fmt.Errorf("chain: encode path: fee %d overflows uint24", h.FeePips)
		}
		path = append(path, byte(h.FeePips>>16), byte(h.FeePips>>8), byte(h.FeePips))
		path = append(path, common.HexToAddress(h.TokenOut).Bytes()...)
	}
	return path, nil
}

// EncodeSwap builds the router execute(commands, inputs, deadline) call.
func EncodeSwap(p SwapParams) (SwapCall, error) {
	exactOut := p.TradeType == domain.TradeTypeExactOutput
	path, err := EncodePath(p.Route, exactOut)
	if err != nil {
		return SwapCall{}, err
	}

	var (
		commands []byte
		inputs   [][]byte
		value    = new(big.Int)
	)
	add := func(cmd byte, args abi.Arguments, vals ...any) error {
		enc, err := args.Pack(vals...)
		if err != nil {
			return fmt.Errorf("chain: encode command 0x%02x: %w", cmd, err)
		}
		commands = append(commands, cmd)
		inputs = append(inputs, enc)
		return nil
	}

	if p.Permit != nil {
		sig, err := decodeHex(p.Permit.Signature)
		if err != nil {
			return SwapCall{}, fmt.Errorf("chain: permit signature: %w", err)
		}
		ps := permitSingle{
			Details: permitDetails{
				Token:      common.HexToAddress(p.Permit.Token),
				Amount:     p.Permit.Amount,
				Expiration: big.NewInt(p.Permit.Expiration.Unix()),
				Nonce:      new(big.Int).SetUint64(p.Permit.Nonce),
			},
			Spender:     common.HexToAddress(p.Permit.Spender),
			SigDeadline: big.NewInt(p.Permit.SigDeadline.Unix()),
		}
		if err := add(cmdPermit, permitArgs, ps, sig); err != nil {
			return SwapCall{}, err
		}
	}

	spend := p.AmountIn
	if exactOut {
		spend = p.MaximumIn
	}
	payerIsUser := true
	if p.InputNative {
		value.Set(spend)
		payerIsUser = false
		if err := add(cmdWrapNative, wrapArgs, addressThis, spend); err != nil {
			return SwapCall{}, err
		}
	}

	recipient := common.HexToAddress(p.Recipient)
	routeThroughRouter := p.Portion != nil || p.OutputNative
	swapTo := recipient
	if routeThroughRouter {
		swapTo = addressThis
	}

	if exactOut {
		err = add(cmdV3SwapExactOut, swapArgs, swapTo, p.AmountOut, p.MaximumIn, path, payerIsUser)
	} else {
		err = add(cmdV3SwapExactIn, swapArgs, swapTo, p.AmountIn, p.MinimumOut, path, payerIsUser)
	}
	if err != nil {
		return SwapCall{}, err
	}

	outToken := common.HexToAddress(p.Route[len(p.Route)-1].TokenOut)
	if p.OutputNative {
		unwrapTo := recipient
		if p.Portion != nil {
			unwrapTo = addressThis
		}
		if err := add(cmdUnwrapNative, wrapArgs, unwrapTo, p.MinimumOut); err != nil {
			return SwapCall{}, err
		}
		outToken = common.Address{}
	}
	if p.Portion != nil {
		if err := add(cmdPayPortion, portionArgs, outToken, common.HexToAddress(p.Portion.Recipient), big.NewInt(int64(p.Portion.Bips))); err != nil {
			return SwapCall{}, err
		}
		remaining := new(big.Int).Mul(p.MinimumOut, big.NewInt(int64(10_000-p.Portion.Bips)))
		remaining.Quo(remaining, big.NewInt(10_000))
		if err := add(cmdSweep, sweepArgs, outToken, recipient, remaining); err != nil {
			return SwapCall{}, err
		}
	}

	if p.InputNative && exactOut {
		// Refund unspent wrapped input.
		if err := add(cmdUnwrapNative, wrapArgs, msgSender, new(big.Int)); err != nil {
			return SwapCall{}, err
		}
	}

	data, err := routerABI.Pack("execute", commands, inputs, big.NewInt(p.Deadline.Unix()))
	if err != nil {
		return SwapCall{}, fmt.Errorf("chain: pack execute: %w", err)
	}
	return SwapCall{Data: data, Value: value}, nil
}

// DecodeCommands returns the command bytes of an execute call.
func DecodeCommands(data []byte) ([]byte, *big.Int, error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("chain: decode execute: short calldata")
	}
	vals, err := routerABI.Methods["execute"].Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, fmt.Errorf("chain: decode execute: %w", err)
	}
	cmds, _ := vals[0].([]byte)
	deadline, _ := vals[2].(*big.Int)
	return cmds, deadline, nil
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}
