package pricing

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/swapdesk/internal/domain"
)

func hop(feePips uint32) domain.RouteHop {
	return domain.RouteHop{Pool: "0xpool", TokenIn: "0xa", TokenOut: "0xb", FeePips: feePips}
}

func classic(impact *big.Rat, hops ...domain.RouteHop) domain.ClassicTrade {
	return domain.ClassicTrade{
		TradeType:   domain.TradeTypeExactInput,
		AmountIn:    big.NewInt(1_000_000),
		AmountOut:   big.NewInt(2_000_000),
		Route:       hops,
		PriceImpact: impact,
	}
}

func TestRealizedLPFeeSingleHop(t *testing.T) {
	fee := RealizedLPFee([]domain.RouteHop{hop(FeePipsFromBips(30))})
	assert.Zero(t, fee.Cmp(big.NewRat(3, 1000)))
}

func TestRealizedLPFeeCompoundsAcrossHops(t *testing.T) {
	fee := RealizedLPFee([]domain.RouteHop{hop(3000), hop(500)})
	// 1 - 0.997 * 0.9995 = 0.0034985
	assert.Zero(t, fee.Cmp(big.NewRat(34985, 10_000_000)))
}

func TestRealizedPriceImpact(t *testing.T) {
	t.Run("quoted impact equal to fee", func(t *testing.T) {
		got := RealizedPriceImpact(classic(big.NewRat(3, 1000), hop(3000)))
		assert.Zero(t, got.Sign())
	})
	t.Run("zero quoted impact", func(t *testing.T) {
		got := RealizedPriceImpact(classic(new(big.Rat), hop(3000)))
		assert.Zero(t, got.Cmp(big.NewRat(-3, 1000)))
	})
	t.Run("missing quoted impact", func(t *testing.T) {
		got := RealizedPriceImpact(classic(nil))
		assert.Zero(t, got.Sign())
	})
}

func TestSeverityTiers(t *testing.T) {
	th := NewThresholds(DefaultSeverityBps)
	tests := []struct {
		name   string
		impact *big.Rat
		want   Severity
	}{
		{"negative", big.NewRat(-1, 100), SeverityNone},
		{"nil", nil, SeverityNone},
		{"exactly one percent", big.NewRat(1, 100), SeverityNone},
		{"just above one percent", big.NewRat(101, 10_000), SeverityLow},
		{"four percent", big.NewRat(4, 100), SeverityMedium},
		{"exactly five percent", big.NewRat(5, 100), SeverityMedium},
		{"ten percent", big.NewRat(10, 100), SeverityHigh},
		{"sixteen percent", big.NewRat(16, 100), SeverityBlocked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, th.Severity(tt.impact))
		})
	}
}

func TestResolveSlippage(t *testing.T) {
	min, max := BipsRat(50), BipsRat(550)

	t.Run("delegated uses provided value", func(t *testing.T) {
		tr := domain.DelegatedTrade{SlippageTolerance: big.NewRat(1, 200), AmountIn: big.NewInt(1), AmountOut: big.NewInt(1)}
		s, err := ResolveSlippage(tr, big.NewRat(3, 100), min, max)
		require.NoError(t, err)
		assert.Equal(t, SlippageProvided, s.Source)
		assert.Zero(t, s.Tolerance.Cmp(big.NewRat(1, 200)))
	})
	t.Run("delegated zero rejected", func(t *testing.T) {
		tr := domain.DelegatedTrade{SlippageTolerance: new(big.Rat)}
		_, err := ResolveSlippage(tr, nil, min, max)
		assert.ErrorIs(t, err, domain.ErrInvalidSlippage)
	})
	t.Run("delegated missing rejected", func(t *testing.T) {
		_, err := ResolveSlippage(domain.DelegatedTrade{}, nil, min, max)
		assert.ErrorIs(t, err, domain.ErrInvalidSlippage)
	})
	t.Run("classic user override", func(t *testing.T) {
		s, err := ResolveSlippage(classic(nil), BipsRat(100), min, max)
		require.NoError(t, err)
		assert.Equal(t, SlippageUser, s.Source)
		assert.Equal(t, int64(100), s.Bips())
	})
	t.Run("classic auto floor", func(t *testing.T) {
		s, err := ResolveSlippage(classic(new(big.Rat), hop(3000)), nil, min, max)
		require.NoError(t, err)
		assert.Equal(t, SlippageAuto, s.Source)
		assert.Equal(t, int64(50), s.Bips())
	})
	t.Run("classic auto clamps at max", func(t *testing.T) {
		s, err := ResolveSlippage(classic(big.NewRat(30, 100)), nil, min, max)
		require.NoError(t, err)
		assert.Equal(t, int64(550), s.Bips())
	})
}

func TestComputeBounds(t *testing.T) {
	tol := BipsRat(50)

	t.Run("exact input", func(t *testing.T) {
		b := ComputeBounds(classic(nil), tol)
		// 2_000_000 / 1.005 = 1990049.75...
		assert.Equal(t, "1990049", b.MinimumOut.String())
		assert.Equal(t, "1000000", b.MaximumIn.String())
	})
	t.Run("exact output", func(t *testing.T) {
		tr := classic(nil)
		tr.TradeType = domain.TradeTypeExactOutput
		tr.AmountIn = big.NewInt(1_000_001)
		b := ComputeBounds(tr, tol)
		// 1_000_001 * 1.005 = 1005001.005
		assert.Equal(t, "1005002", b.MaximumIn.String())
		assert.Equal(t, "2000000", b.MinimumOut.String())
	})
}

func TestEvaluateClassic(t *testing.T) {
	e := NewEvaluator(nil, 50, 550)
	ev, err := e.Evaluate(classic(big.NewRat(4, 100), hop(3000)), nil)
	require.NoError(t, err)
	assert.Zero(t, ev.LPFee.Cmp(big.NewRat(3, 1000)))
	assert.Equal(t, SeverityMedium, ev.Severity)
	assert.NotNil(t, ev.Bounds.MinimumOut)
}

func TestEvaluateDelegatedHasNoImpact(t *testing.T) {
	e := NewEvaluator(nil, 50, 550)
	tr := domain.DelegatedTrade{
		TradeType:         domain.TradeTypeExactInput,
		AmountIn:          big.NewInt(100),
		AmountOut:         big.NewInt(200),
		SlippageTolerance: BipsRat(25),
		Deadline:          time.Now().Add(time.Minute),
	}
	ev, err := e.Evaluate(tr, nil)
	require.NoError(t, err)
	assert.Nil(t, ev.RealizedImpact)
	assert.Equal(t, SeverityNone, ev.Severity)
	assert.Equal(t, SlippageProvided, ev.Slippage.Source)
}
