package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"PumpDumpBet/internal/model"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 测试专用私钥（公开测试链常用 key，不含任何真实资产）
const testKeyHex = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

const testContractAddr = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

// fakeBackend 可编程的链上后端替身
type fakeBackend struct {
	nonce    uint64
	gasPrice *big.Int
	estimate uint64

	nonceErr    error
	gasPriceErr error
	estimateErr error
	sendErr     error

	sentTx *types.Transaction
}

func (b *fakeBackend) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	return b.nonce, b.nonceErr
}

func (b *fakeBackend) SuggestGasPrice(_ context.Context) (*big.Int, error) {
	if b.gasPriceErr != nil {
		return nil, b.gasPriceErr
	}
	return b.gasPrice, nil
}

func (b *fakeBackend) EstimateGas(_ context.Context, _ ethereum.CallMsg) (uint64, error) {
	return b.estimate, b.estimateErr
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sentTx = tx
	return nil
}

func newTestSubmitter(t *testing.T, backend *fakeBackend) *Submitter {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	s, err := NewSubmitter(backend, testContractAddr, testKeyHex, big.NewInt(97), 10, logger)
	require.NoError(t, err)
	return s
}

func selector(sig string) []byte {
	return crypto.Keccak256([]byte(sig))[:4]
}

func TestEncodeSettleCallSelectsEntrypoint(t *testing.T) {
	settleBetSel := selector("settleBet(uint256,bool)")
	noChangeSel := selector("settleBetNoChange(uint256)")

	cases := []struct {
		name        string
		outcome     string
		wantSel     []byte
		wantDataLen int
	}{
		{"pump 走 settleBet(id,true)", model.OutcomePump, settleBetSel, 4 + 64},
		{"dump 走 settleBet(id,false)", model.OutcomeDump, settleBetSel, 4 + 64},
		{"no_change 走 settleBetNoChange(id)", model.OutcomeNoChange, noChangeSel, 4 + 32},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := encodeSettleCall(42, tc.outcome)
			require.NoError(t, err)
			require.Len(t, data, tc.wantDataLen)
			assert.Equal(t, tc.wantSel, data[:4])
			// 第一个参数是 betId
			assert.Equal(t, uint64(42), new(big.Int).SetBytes(data[4:36]).Uint64())
		})
	}
}

func TestEncodeSettleCallBoolArg(t *testing.T) {
	pump, err := encodeSettleCall(1, model.OutcomePump)
	require.NoError(t, err)
	dump, err := encodeSettleCall(1, model.OutcomeDump)
	require.NoError(t, err)
	// 第二个参数 bool：pump=1，dump=0
	assert.Equal(t, byte(1), pump[4+63])
	assert.Equal(t, byte(0), dump[4+63])
}

func TestSubmitAppliesGasMargin(t *testing.T) {
	backend := &fakeBackend{
		nonce:    7,
		gasPrice: big.NewInt(3_000_000_000),
		estimate: 50_000,
	}
	s := newTestSubmitter(t, backend)

	result, err := s.Submit(context.Background(), 42, model.OutcomePump)
	require.NoError(t, err)
	require.NotNil(t, backend.sentTx)

	// 估算 50000 上浮 10% = 55000
	assert.Equal(t, uint64(55_000), result.GasAllowance)
	assert.Equal(t, uint64(55_000), backend.sentTx.Gas())
	assert.Equal(t, uint64(7), backend.sentTx.Nonce())
	assert.Equal(t, common.HexToAddress(testContractAddr), *backend.sentTx.To())
	assert.Equal(t, backend.sentTx.Hash().Hex(), result.TxHash)
	assert.Zero(t, backend.sentTx.Value().Sign())
}

func TestSubmitFailurePhases(t *testing.T) {
	cases := []struct {
		name      string
		mutate    func(b *fakeBackend)
		wantPhase string
	}{
		{"nonce 查询失败", func(b *fakeBackend) { b.nonceErr = fmt.Errorf("rpc down") }, PhaseNonce},
		{"gasPrice 查询失败", func(b *fakeBackend) { b.gasPriceErr = fmt.Errorf("rpc down") }, PhaseGasPrice},
		{"gas 估算失败", func(b *fakeBackend) { b.estimateErr = fmt.Errorf("execution reverted") }, PhaseEstimation},
		{"广播失败", func(b *fakeBackend) { b.sendErr = fmt.Errorf("nonce too low") }, PhaseBroadcast},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			backend := &fakeBackend{
				gasPrice: big.NewInt(1_000_000_000),
				estimate: 60_000,
			}
			tc.mutate(backend)
			s := newTestSubmitter(t, backend)

			_, err := s.Submit(context.Background(), 1, model.OutcomeDump)
			require.Error(t, err)
			var subErr *SubmissionError
			require.True(t, errors.As(err, &subErr))
			assert.Equal(t, tc.wantPhase, subErr.Phase)
			assert.Nil(t, backend.sentTx, "失败后不应有交易被广播")
		})
	}
}

func TestNewSubmitterValidation(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	backend := &fakeBackend{}

	_, err := NewSubmitter(backend, "", testKeyHex, big.NewInt(97), 10, logger)
	assert.Error(t, err, "合约地址必填")

	_, err = NewSubmitter(backend, testContractAddr, "", big.NewInt(97), 10, logger)
	assert.Error(t, err, "私钥必填")

	_, err = NewSubmitter(backend, testContractAddr, "zz-not-hex", big.NewInt(97), 10, logger)
	assert.Error(t, err, "私钥必须是合法 hex")

	_, err = NewSubmitter(backend, testContractAddr, testKeyHex, nil, 10, logger)
	assert.Error(t, err, "chainID 必填")

	// 带 0x 前缀的私钥可接受
	s, err := NewSubmitter(backend, testContractAddr, "0x"+testKeyHex, big.NewInt(97), 10, logger)
	require.NoError(t, err)
	assert.NotNil(t, s)
}
