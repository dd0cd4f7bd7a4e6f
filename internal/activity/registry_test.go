package activity

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/swapdesk/internal/domain"
	"github.com/alanyoungcy/swapdesk/internal/testutil"
)

const owner = "0x1111111111111111111111111111111111111111"

type mockBus struct {
	mock.Mock
}

func (m *mockBus) Publish(ctx context.Context, channel string, payload []byte) error {
	args := m.Called(ctx, channel, payload)
	return args.Error(0)
}

func (m *mockBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	args := m.Called(ctx, channel)
	return nil, args.Error(1)
}

func eventType(t *testing.T, payload []byte) string {
	t.Helper()
	var ev Event
	require.NoError(t, json.Unmarshal(payload, &ev))
	return ev.Type
}

func swapTx(hash string, at time.Time) domain.PendingTransaction {
	return domain.PendingTransaction{
		Hash:        hash,
		ChainID:     1,
		Owner:       owner,
		Kind:        domain.TxKindSwap,
		SubmittedAt: at,
		Deadline:    at.Add(30 * time.Minute),
	}
}

func TestTrackAndConfirm(t *testing.T) {
	bus := new(mockBus)
	var types []string
	bus.On("Publish", mock.Anything, Channel, mock.Anything).
		Run(func(args mock.Arguments) { types = append(types, eventType(t, args.Get(2).([]byte))) }).
		Return(nil)

	r := NewRegistry(bus, testutil.TestLogger())
	ctx := context.Background()
	now := time.Now()

	r.TrackTransaction(ctx, swapTx("0xb", now.Add(time.Second)))
	r.TrackTransaction(ctx, swapTx("0xa", now))

	pending := r.Pending(owner)
	require.Len(t, pending, 2)
	assert.Equal(t, "0xa", pending[0].Hash)
	assert.Equal(t, domain.TxStatusPending, pending[0].Status)

	r.ResolveTransaction(ctx, "0xa", domain.TxStatusConfirmed)
	assert.Len(t, r.Pending(owner), 1)

	local := r.Local(owner)
	require.Len(t, local, 2)
	assert.Equal(t, "0xb", local[0].TxHash)
	assert.Equal(t, string(domain.TxStatusConfirmed), local[1].Status)

	assert.Equal(t, []string{EventAdded, EventAdded, EventUpdated}, types)
}

func TestDroppedTransactionDisappears(t *testing.T) {
	r := NewRegistry(nil, testutil.TestLogger())
	ctx := context.Background()

	r.TrackTransaction(ctx, swapTx("0xa", time.Now()))
	r.ResolveTransaction(ctx, "0xa", domain.TxStatusDropped)

	assert.Empty(t, r.Pending(owner))
	assert.Empty(t, r.Local(owner))
}

func TestResolveUnknownIsIgnored(t *testing.T) {
	r := NewRegistry(nil, testutil.TestLogger())
	r.ResolveTransaction(context.Background(), "0xmissing", domain.TxStatusFailed)
	assert.Empty(t, r.Local(owner))
}

func TestTrackOrderUpserts(t *testing.T) {
	r := NewRegistry(nil, testutil.TestLogger())
	ctx := context.Background()
	o := domain.Order{Hash: "0xorder", ChainID: 1, Swapper: owner, Status: domain.OrderStatusOpen, SubmittedAt: time.Now()}

	r.TrackOrder(ctx, o)
	o.Status = domain.OrderStatusFilled
	o.FillTxHash = "0xfill"
	r.TrackOrder(ctx, o)

	local := r.Local(owner)
	require.Len(t, local, 1)
	assert.Equal(t, "filled", local[0].Status)
	assert.Equal(t, "order:0xorder", local[0].DedupKey())
	assert.Equal(t, domain.SourceLocal, local[0].Source)
}

func TestOwnersAreSeparated(t *testing.T) {
	r := NewRegistry(nil, testutil.TestLogger())
	tx := swapTx("0xa", time.Now())
	tx.Owner = "0x2222222222222222222222222222222222222222"
	r.TrackTransaction(context.Background(), tx)

	assert.Empty(t, r.Pending(owner))
	assert.Len(t, r.Pending(""), 1)
	assert.Empty(t, r.Local(owner))
}
