package chain

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"PumpDumpBet/internal/model"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

// 结算失败阶段标识，写入 SubmissionError.Phase 便于排查
const (
	PhaseEncode     = "encode"
	PhaseNonce      = "nonce"
	PhaseGasPrice   = "gas_price"
	PhaseEstimation = "estimation"
	PhaseSigning    = "signing"
	PhaseBroadcast  = "broadcast"
)

// SubmissionError 结算提交失败，附带失败阶段；任何子步骤失败都不吞错
type SubmissionError struct {
	Phase string
	Err   error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("结算提交失败(阶段=%s): %v", e.Phase, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// 下注合约结算入口最小 ABI：涨跌走 settleBet(betId, pump)，无变化走 settleBetNoChange(betId)
const betContractABI = `[
	{"name":"settleBet","type":"function","inputs":[
		{"name":"betId","type":"uint256"},
		{"name":"pump","type":"bool"}
	],"outputs":[]},
	{"name":"settleBetNoChange","type":"function","inputs":[
		{"name":"betId","type":"uint256"}
	],"outputs":[]}
]`

// Backend 提交结算所需的链上接口（*ethclient.Client 满足；抽象出来便于测试）
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// SubmitResult 成功广播后的交易信息
type SubmitResult struct {
	TxHash       string
	GasAllowance uint64 // 估算值上浮后的 gas 限额
	GasPrice     *big.Int
}

// Submitter 结算交易提交器：编码、估 gas、上浮限额、签名、广播
// 链客户端与结算私钥在进程启动时构造一次后注入，不使用全局状态
type Submitter struct {
	backend          Backend
	contract         common.Address
	key              *ecdsa.PrivateKey
	chainID          *big.Int
	gasMarginPercent uint64
	logger           *logrus.Logger
}

// NewSubmitter 创建结算提交器。privateKeyHex 为结算专用私钥（可带 0x 前缀）
func NewSubmitter(backend Backend, contractAddr string, privateKeyHex string, chainID *big.Int, gasMarginPercent uint64, logger *logrus.Logger) (*Submitter, error) {
	if contractAddr == "" || privateKeyHex == "" {
		return nil, fmt.Errorf("bet_contract_address, settlement_private_key 必填")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("无效的 chainID")
	}

	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	keyBuf, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("decode settlement key: %w", err)
	}
	key, err := crypto.ToECDSA(keyBuf)
	if err != nil {
		return nil, fmt.Errorf("to ecdsa: %w", err)
	}

	return &Submitter{
		backend:          backend,
		contract:         common.HexToAddress(contractAddr),
		key:              key,
		chainID:          chainID,
		gasMarginPercent: gasMarginPercent,
		logger:           logger,
	}, nil
}

// encodeSettleCall 按结算结果选择合约入口并编码调用数据
// pump -> settleBet(betId, true)；dump -> settleBet(betId, false)；其余（含未设置）-> settleBetNoChange(betId)
func encodeSettleCall(betID uint64, outcome string) ([]byte, error) {
	parsed, err := abi.JSON(strings.NewReader(betContractABI))
	if err != nil {
		return nil, err
	}
	id := new(big.Int).SetUint64(betID)
	switch outcome {
	case model.OutcomePump:
		return parsed.Pack("settleBet", id, true)
	case model.OutcomeDump:
		return parsed.Pack("settleBet", id, false)
	default:
		return parsed.Pack("settleBetNoChange", id)
	}
}

// Submit 构建并广播结算交易。广播成功即返回；失败时按阶段包装为 *SubmissionError，
// 注单保持未结算状态由调用方处理（不在此处自动重试）
func (s *Submitter) Submit(ctx context.Context, betID uint64, outcome string) (*SubmitResult, error) {
	data, err := encodeSettleCall(betID, outcome)
	if err != nil {
		return nil, &SubmissionError{Phase: PhaseEncode, Err: err}
	}

	from := crypto.PubkeyToAddress(s.key.PublicKey)
	nonce, err := s.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, &SubmissionError{Phase: PhaseNonce, Err: err}
	}

	gasPrice, err := s.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &SubmissionError{Phase: PhaseGasPrice, Err: err}
	}

	gasEstimate, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &s.contract,
		Data:  data,
		Value: big.NewInt(0),
	})
	if err != nil {
		return nil, &SubmissionError{Phase: PhaseEstimation, Err: err}
	}
	// 估算值上浮固定安全边际，避免临界 out-of-gas
	gasAllowance := gasEstimate + gasEstimate*s.gasMarginPercent/100

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasAllowance,
		To:       &s.contract,
		Value:    big.NewInt(0),
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.NewEIP155Signer(s.chainID), s.key)
	if err != nil {
		return nil, &SubmissionError{Phase: PhaseSigning, Err: err}
	}

	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		return nil, &SubmissionError{Phase: PhaseBroadcast, Err: err}
	}

	s.logger.WithFields(logrus.Fields{
		"bet_id":    betID,
		"outcome":   outcome,
		"tx_hash":   signed.Hash().Hex(),
		"gas_limit": gasAllowance,
	}).Info("结算交易已广播")

	return &SubmitResult{
		TxHash:       signed.Hash().Hex(),
		GasAllowance: gasAllowance,
		GasPrice:     gasPrice,
	}, nil
}
