package chaintest_test

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digichar/keeper/internal/chain"
	"github.com/digichar/keeper/internal/chain/chaintest"
	"github.com/digichar/keeper/internal/clock"
)

func TestFake_SecondCloseReverts(t *testing.T) {
	end := time.Unix(1_700_000_000, 0).UTC()
	fake := chaintest.New(clock.NewMock(end.Add(time.Second)))
	fake.SetRound(7, end, 0, 0, 5)
	ctx := context.Background()

	_, err := fake.SubmitClose(ctx, 7, common.HexToAddress("0xABC"), 2, nil)
	require.NoError(t, err)

	_, err = fake.SubmitClose(ctx, 7, common.HexToAddress("0xABC"), 2, nil)
	assert.ErrorIs(t, err, chain.ErrTxReverted)
	assert.Equal(t, 1, fake.EffectiveCloses(7))
	assert.Len(t, fake.Broadcasts("closeCurrentAuction"), 1)
}

func TestFake_CloseBeforeEndReverts(t *testing.T) {
	end := time.Unix(1_700_000_000, 0).UTC()
	fake := chaintest.New(clock.NewMock(end.Add(-time.Minute)))
	fake.SetRound(1, end)

	_, err := fake.SubmitClose(context.Background(), 1, common.Address{}, 0, nil)
	assert.ErrorIs(t, err, chain.ErrTxReverted)
	assert.Empty(t, fake.Broadcasts(""))
}

func TestFake_TimeoutLanded(t *testing.T) {
	end := time.Unix(1_700_000_000, 0).UTC()
	fake := chaintest.New(clock.NewMock(end))
	fake.SetRound(7, end)
	fake.Fail(chaintest.TimeoutLanded)
	ctx := context.Background()

	_, err := fake.SubmitClose(ctx, 7, common.Address{}, 0, nil)
	require.ErrorIs(t, err, chain.ErrTxTimeout)

	hash, ok := chain.TxHashOf(err)
	require.True(t, ok)
	status, receipt, err := fake.Receipt(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, chain.TxMined, status)
	assert.Equal(t, uint64(1), receipt.Status)

	closed, err := fake.RoundClosed(ctx, 7)
	require.NoError(t, err)
	assert.True(t, closed)
}

func TestFake_RegisterOpensNextRound(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	fake := chaintest.New(clock.NewMock(now))
	fake.SetRound(7, now)
	fake.CloseExternally(7)
	ctx := context.Background()

	regs := []chain.Registration{{URI: "a"}, {URI: "b"}, {URI: "c"}}
	_, err := fake.RegisterCharacters(ctx, 8, regs, nil)
	require.NoError(t, err)

	r, err := fake.CurrentRound(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), r.ID)
	assert.Equal(t, now.Add(24*time.Hour), r.EndTime)
}
