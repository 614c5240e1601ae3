package listener

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"PumpDumpBet/internal/config"
	"PumpDumpBet/internal/service"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var (
	// BetCreated(uint256 indexed betId, address finder, address tokenAddress, uint256 totalBetAmount)
	sigBetCreated = crypto.Keccak256Hash([]byte("BetCreated(uint256,address,address,uint256)"))
)

// 断线重连退避上限
const (
	reconnectBaseWait = 2 * time.Second
	reconnectMaxWait  = 30 * time.Second
)

// ChainSubscriber 使用 go-ethereum 订阅下注合约的 BetCreated 事件并回调编排器。
// 订阅断开后带退避重连，重连前用 FilterLogs 回放断档区块，
// 重复投递由编排器的幂等创建兜底
type ChainSubscriber struct {
	cfg          *config.ChainConfig
	client       *ethclient.Client
	orchestrator *service.Orchestrator
	logger       *logrus.Logger

	lastSeenBlock uint64
}

// NewChainSubscriber 创建链上订阅器（需传入已连接的 ethclient，便于测试）
func NewChainSubscriber(cfg *config.ChainConfig, client *ethclient.Client, orchestrator *service.Orchestrator, logger *logrus.Logger) *ChainSubscriber {
	return &ChainSubscriber{cfg: cfg, client: client, orchestrator: orchestrator, logger: logger}
}

// Run 阻塞运行订阅循环直到 ctx 取消。单个事件解析失败只记日志不中断订阅
func (s *ChainSubscriber) Run(ctx context.Context) error {
	if s.cfg.BetContractAddress == "" {
		s.logger.Info("ChainSubscriber: bet_contract_address 未配置，跳过订阅")
		<-ctx.Done()
		return nil
	}
	contractAddr := common.HexToAddress(s.cfg.BetContractAddress)

	wait := reconnectBaseWait
	for {
		err := s.subscribeOnce(ctx, contractAddr)
		if ctx.Err() != nil {
			return nil
		}
		s.logger.WithError(err).WithField("retry_in", wait.String()).Warn("链上订阅中断，稍后重连")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		wait *= 2
		if wait > reconnectMaxWait {
			wait = reconnectMaxWait
		}
	}
}

// subscribeOnce 建立一次订阅并消费日志直到出错或 ctx 取消。
// 建订阅前先回放 lastSeenBlock 之后的历史日志，补上断线期间漏掉的事件
func (s *ChainSubscriber) subscribeOnce(ctx context.Context, contractAddr common.Address) error {
	query := ethereum.FilterQuery{
		Addresses: []common.Address{contractAddr},
		Topics:    [][]common.Hash{{sigBetCreated}},
	}

	if s.lastSeenBlock > 0 {
		if err := s.replay(ctx, query); err != nil {
			s.logger.WithError(err).Warn("断档日志回放失败，继续订阅")
		}
	}

	ch := make(chan types.Log)
	sub, err := s.client.SubscribeFilterLogs(ctx, query, ch)
	if err != nil {
		return fmt.Errorf("SubscribeFilterLogs: %w", err)
	}
	defer sub.Unsubscribe()
	s.logger.WithField("contract", contractAddr.Hex()).Info("BetCreated 订阅已建立")

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			return fmt.Errorf("subscription: %w", err)
		case vLog := <-ch:
			s.handleLog(ctx, vLog)
		}
	}
}

// replay 回放 lastSeenBlock 之后的日志（含 lastSeenBlock 本身，宁可重复不可漏）
func (s *ChainSubscriber) replay(ctx context.Context, query ethereum.FilterQuery) error {
	q := query
	q.FromBlock = new(big.Int).SetUint64(s.lastSeenBlock)
	logs, err := s.client.FilterLogs(ctx, q)
	if err != nil {
		return fmt.Errorf("FilterLogs from=%d: %w", s.lastSeenBlock, err)
	}
	if len(logs) > 0 {
		s.logger.WithFields(logrus.Fields{
			"from_block": s.lastSeenBlock,
			"count":      len(logs),
		}).Info("回放断档期间的 BetCreated 日志")
	}
	for _, vLog := range logs {
		s.handleLog(ctx, vLog)
	}
	return nil
}

func (s *ChainSubscriber) handleLog(ctx context.Context, vLog types.Log) {
	if vLog.Removed {
		// 链重组回滚的日志，不处理
		return
	}
	if vLog.BlockNumber > s.lastSeenBlock {
		s.lastSeenBlock = vLog.BlockNumber
	}

	ev, err := parseBetCreated(vLog)
	if err != nil {
		s.logger.WithError(err).WithField("tx_hash", vLog.TxHash.Hex()).Warn("BetCreated 解析失败，跳过")
		return
	}
	if err := s.orchestrator.OnBetCreated(ctx, ev); err != nil {
		s.logger.WithError(err).WithField("bet_id", ev.BetID).Error("BetCreated 处理失败")
	}
}

// parseBetCreated 解析日志：topic1 = betId（indexed uint256），
// data = finder(address) + tokenAddress(address) + totalBetAmount(uint256) 共 96 字节
func parseBetCreated(vLog types.Log) (*service.BetCreatedEvent, error) {
	if len(vLog.Topics) < 2 {
		return nil, fmt.Errorf("BetCreated missing topic betId")
	}
	betID := new(big.Int).SetBytes(vLog.Topics[1].Bytes())
	if !betID.IsUint64() {
		return nil, fmt.Errorf("betId 超出 uint64: %s", betID.String())
	}
	if len(vLog.Data) < 96 {
		return nil, fmt.Errorf("BetCreated data too short: %d", len(vLog.Data))
	}

	finder := common.BytesToAddress(vLog.Data[12:32])
	tokenAddr := common.BytesToAddress(vLog.Data[44:64])
	amount := new(big.Int).SetBytes(vLog.Data[64:96])

	return &service.BetCreatedEvent{
		BetID:        betID.Uint64(),
		Finder:       finder.Hex(),
		TokenAddress: tokenAddr.Hex(),
		BetAmount:    decimal.NewFromBigInt(amount, 0),
		TxHash:       vLog.TxHash.Hex(),
		BlockNumber:  int64(vLog.BlockNumber),
		RawData: map[string]interface{}{
			"bet_id":           betID.String(),
			"finder":           finder.Hex(),
			"token_address":    tokenAddr.Hex(),
			"total_bet_amount": amount.String(),
			"block_number":     vLog.BlockNumber,
			"log_index":        vLog.Index,
		},
	}, nil
}
