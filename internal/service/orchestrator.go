package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"PumpDumpBet/internal/chain"
	"PumpDumpBet/internal/config"
	"PumpDumpBet/internal/model"
	"PumpDumpBet/internal/oracle"
	"PumpDumpBet/internal/repository"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// SampleKind 取样步骤类型
type SampleKind string

const (
	SampleInitial SampleKind = "initial" // T0+Δinitial 的首次取样
	SampleFinal   SampleKind = "final"   // T0+Δfinal 的二次取样
)

// BetCreatedEvent 从链上解析出来的一次开注事件（由监听模块调用）
type BetCreatedEvent struct {
	BetID        uint64          // 合约分配的注单号
	Finder       string          // 开注人钱包地址
	TokenAddress string          // 下注标的代币地址
	BetAmount    decimal.Decimal // 下注总额（链上最小单位）

	TxHash      string // 链上交易哈希
	BlockNumber int64  // 区块高度

	// RawData 原始事件 JSON（方便排查问题）
	RawData map[string]interface{}
}

// SettlementSubmitter 结算交易提交接口（*chain.Submitter 满足）
type SettlementSubmitter interface {
	Submit(ctx context.Context, betID uint64, outcome string) (*chain.SubmitResult, error)
}

// Orchestrator 注单生命周期编排器，驱动状态机：
// Created -> AwaitingInitialSample -> AwaitingFinalSample -> OutcomeComputed -> Settling -> Settled
// 存储是唯一检查点：重启后从已落库字段恢复调度，不依赖内存定时器
type Orchestrator struct {
	repo      repository.BetRepository
	events    repository.ChainEventRepository // 可为 nil，则不落原始事件
	oracle    oracle.PriceFetcher
	submitter SettlementSubmitter
	cfg       *config.LifecycleConfig
	logger    *logrus.Logger

	runCtx context.Context
	wg     sync.WaitGroup

	// betLocks 按 betId 串行化状态转移：定时器与恢复扫描可能同时推进同一注单，
	// 不同注单互不相干，不加全局锁
	betLocks sync.Map // betID -> *sync.Mutex
}

// NewOrchestrator 创建编排器。链客户端、价格源、仓储均在进程启动时构造一次后注入
func NewOrchestrator(
	repo repository.BetRepository,
	events repository.ChainEventRepository,
	priceFetcher oracle.PriceFetcher,
	submitter SettlementSubmitter,
	cfg *config.LifecycleConfig,
	logger *logrus.Logger,
) *Orchestrator {
	return &Orchestrator{
		repo:      repo,
		events:    events,
		oracle:    priceFetcher,
		submitter: submitter,
		cfg:       cfg,
		logger:    logger,
		runCtx:    context.Background(),
	}
}

// Start 绑定运行上下文并执行启动恢复：
// 未结算注单按 start_time 重建取样定时器，已到期的立即触发；
// 终价已取到的直接推进到结算（关闭内存定时器随进程消失的缺口）
func (o *Orchestrator) Start(ctx context.Context) error {
	o.runCtx = ctx

	// 终价已在库但未结算的注单，直接走取样完成后的推进路径（计算结果 + 结算）
	pending, err := o.repo.ListPendingSettlement(ctx)
	if err != nil {
		return fmt.Errorf("恢复扫描失败: %w", err)
	}
	for _, bet := range pending {
		betID := bet.BetID
		o.spawn(func() {
			if err := o.SampleStep(o.runCtx, betID, SampleFinal); err != nil {
				o.logger.WithError(err).WithField("bet_id", betID).Error("恢复结算失败")
			}
		})
	}

	// 其余未结算注单按 start_time 重建取样定时器
	unsettled, err := o.repo.ListUnsettled(ctx)
	if err != nil {
		return fmt.Errorf("恢复扫描失败: %w", err)
	}
	rescheduled := 0
	for _, bet := range unsettled {
		if bet.FinalPrice != nil {
			continue
		}
		if bet.InitialPrice == nil {
			o.scheduleSample(bet.BetID, bet.StartTime, SampleInitial)
		}
		o.scheduleSample(bet.BetID, bet.StartTime, SampleFinal)
		rescheduled++
	}

	o.logger.WithFields(logrus.Fields{
		"pending_settlement": len(pending),
		"rescheduled":        rescheduled,
	}).Info("启动恢复完成")
	return nil
}

// Wait 等待所有已派发的定时器/恢复任务结束（关停与测试用）
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// OnBetCreated 监听器回调入口：先落原始事件（tx_hash 幂等），再创建注单
func (o *Orchestrator) OnBetCreated(ctx context.Context, ev *BetCreatedEvent) error {
	if ev == nil {
		return fmt.Errorf("bet created event is nil")
	}

	if o.events != nil {
		rawBytes, _ := json.Marshal(ev.RawData)
		if rawBytes == nil {
			rawBytes = []byte("{}")
		}
		blockNumber := ev.BlockNumber
		ce := &model.ChainEvent{
			EventType:   "BetCreated",
			BetID:       ev.BetID,
			TxHash:      ev.TxHash,
			BlockNumber: &blockNumber,
			EventData:   rawBytes,
		}
		if err := o.events.SaveChainEvent(ctx, ce); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				o.logger.WithField("tx_hash", ev.TxHash).Info("重复的链上事件，继续幂等创建")
			} else {
				// 原始事件仅用于排查，落库失败不阻塞注单创建
				o.logger.WithError(err).WithField("tx_hash", ev.TxHash).Warn("链上事件落库失败")
			}
		}
	}

	return o.CreateBet(ctx, ev)
}

// CreateBet 幂等创建注单并调度两次取样。重复 betId 直接丢弃，不产生新定时器
func (o *Orchestrator) CreateBet(ctx context.Context, ev *BetCreatedEvent) error {
	now := time.Now()
	bet := &model.Bet{
		BetID:          ev.BetID,
		Finder:         ev.Finder,
		TokenAddress:   ev.TokenAddress,
		TotalBetAmount: ev.BetAmount,
		StartTime:      now,
	}

	created, err := o.repo.CreateBet(ctx, bet)
	if err != nil {
		// 存储是检查点，写失败必须大声报出来
		o.logger.WithError(err).WithField("bet_id", ev.BetID).Error("注单创建写库失败")
		return fmt.Errorf("创建注单失败 bet_id=%d: %w", ev.BetID, err)
	}
	if !created {
		o.logger.WithField("bet_id", ev.BetID).Info("重复的开注事件，忽略")
		return nil
	}

	o.logger.WithFields(logrus.Fields{
		"bet_id": ev.BetID,
		"finder": ev.Finder,
		"token":  ev.TokenAddress,
	}).Info("注单已创建，开始调度取样")

	o.scheduleSample(ev.BetID, now, SampleInitial)
	o.scheduleSample(ev.BetID, now, SampleFinal)
	return nil
}

// scheduleSample 按 start_time 计算剩余延迟并布置定时器，已过期则立即触发。
// 定时器没有取消路径：晚到的定时器靠状态检查识别为空操作
func (o *Orchestrator) scheduleSample(betID uint64, startTime time.Time, kind SampleKind) {
	offset := o.cfg.InitialSampleDelay
	if kind == SampleFinal {
		offset = o.cfg.FinalSampleDelay
	}
	delay := time.Until(startTime.Add(offset))
	if delay < 0 {
		delay = 0
	}

	o.spawn(func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-o.runCtx.Done():
			return
		case <-timer.C:
		}
		if err := o.SampleStep(o.runCtx, betID, kind); err != nil {
			o.logger.WithError(err).WithFields(logrus.Fields{
				"bet_id": betID,
				"sample": kind,
			}).Error("取样步骤失败")
		}
	})
}

func (o *Orchestrator) spawn(fn func()) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn()
	}()
}

// lockFor 取该注单的串行化锁
func (o *Orchestrator) lockFor(betID uint64) *sync.Mutex {
	v, _ := o.betLocks.LoadOrStore(betID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// SampleStep 执行一次取样：查价、落库，终次取样完成后立即推进到结果计算与结算。
// 价格不可用时按配置的有界退避重试，重试耗尽则放弃本次取样，状态不前进
func (o *Orchestrator) SampleStep(ctx context.Context, betID uint64, kind SampleKind) error {
	mu := o.lockFor(betID)
	mu.Lock()
	defer mu.Unlock()

	bet, err := o.repo.GetByBetID(ctx, betID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			o.logger.WithField("bet_id", betID).Warn("取样时注单不存在")
			return nil
		}
		return fmt.Errorf("读取注单失败 bet_id=%d: %w", betID, err)
	}
	if bet.Settled {
		// 已结算注单的晚到定时器，无事可做
		return nil
	}

	switch kind {
	case SampleInitial:
		if bet.InitialPrice != nil {
			return nil
		}
		price, err := o.fetchPriceWithRetry(ctx, bet.TokenAddress)
		if err != nil {
			o.logger.WithError(err).WithFields(logrus.Fields{
				"bet_id": betID,
				"sample": kind,
			}).Warn("初价取样失败，价格保持为空")
			return nil
		}
		if err := o.repo.SetInitialPrice(ctx, betID, price); err != nil {
			o.logger.WithError(err).WithField("bet_id", betID).Error("初价写库失败")
			return fmt.Errorf("写入初价失败 bet_id=%d: %w", betID, err)
		}
		o.logger.WithFields(logrus.Fields{
			"bet_id": betID,
			"price":  price.String(),
		}).Info("初价已记录")
		return nil

	case SampleFinal:
		if bet.FinalPrice == nil {
			// 不依赖两次取样的投递顺序：终次触发时初价缺失，先补初价
			if bet.InitialPrice == nil {
				o.logger.WithField("bet_id", betID).Warn("终次取样时初价缺失，先补初价")
				price, err := o.fetchPriceWithRetry(ctx, bet.TokenAddress)
				if err != nil {
					o.logger.WithError(err).WithField("bet_id", betID).Warn("补初价失败，本次取样放弃")
					return nil
				}
				if err := o.repo.SetInitialPrice(ctx, betID, price); err != nil {
					return fmt.Errorf("写入初价失败 bet_id=%d: %w", betID, err)
				}
				bet.InitialPrice = &price
			}

			price, err := o.fetchPriceWithRetry(ctx, bet.TokenAddress)
			if err != nil {
				o.logger.WithError(err).WithFields(logrus.Fields{
					"bet_id": betID,
					"sample": kind,
				}).Warn("终价取样失败，价格保持为空")
				return nil
			}
			if err := o.repo.SetFinalPrice(ctx, betID, price); err != nil {
				o.logger.WithError(err).WithField("bet_id", betID).Error("终价写库失败")
				return fmt.Errorf("写入终价失败 bet_id=%d: %w", betID, err)
			}
			bet.FinalPrice = &price
			o.logger.WithFields(logrus.Fields{
				"bet_id": betID,
				"price":  price.String(),
			}).Info("终价已记录")
		}

		if _, err := o.computeOutcomeLocked(ctx, bet); err != nil {
			return err
		}
		return o.settleLocked(ctx, betID)

	default:
		return fmt.Errorf("未知的取样类型: %s", kind)
	}
}

// ComputeOutcome 读取两次价格计算结果并立即触发结算（结果只计算一次，之后不可变）
func (o *Orchestrator) ComputeOutcome(ctx context.Context, betID uint64) error {
	mu := o.lockFor(betID)
	mu.Lock()
	defer mu.Unlock()

	bet, err := o.repo.GetByBetID(ctx, betID)
	if err != nil {
		return fmt.Errorf("读取注单失败 bet_id=%d: %w", betID, err)
	}
	if bet.Settled {
		return nil
	}
	if _, err := o.computeOutcomeLocked(ctx, bet); err != nil {
		return err
	}
	return o.settleLocked(ctx, betID)
}

// Settle 提交结算。settled 标志是唯一串行化点：已结算直接空操作，
// 防止重启恢复与存活定时器竞争导致重复提交
func (o *Orchestrator) Settle(ctx context.Context, betID uint64) error {
	mu := o.lockFor(betID)
	mu.Lock()
	defer mu.Unlock()
	return o.settleLocked(ctx, betID)
}

// computeOutcomeLocked 调用方须持有该注单的锁
func (o *Orchestrator) computeOutcomeLocked(ctx context.Context, bet *model.Bet) (string, error) {
	if bet.Outcome != "" {
		return bet.Outcome, nil
	}
	if bet.InitialPrice == nil || bet.FinalPrice == nil {
		return "", fmt.Errorf("价格未取齐无法计算结果 bet_id=%d", bet.BetID)
	}

	outcome := computeOutcome(*bet.InitialPrice, *bet.FinalPrice, decimal.NewFromFloat(o.cfg.NoChangeBand))
	if err := o.repo.SetOutcome(ctx, bet.BetID, outcome); err != nil {
		o.logger.WithError(err).WithField("bet_id", bet.BetID).Error("结果写库失败")
		return "", fmt.Errorf("写入结果失败 bet_id=%d: %w", bet.BetID, err)
	}
	bet.Outcome = outcome

	o.logger.WithFields(logrus.Fields{
		"bet_id":  bet.BetID,
		"initial": bet.InitialPrice.String(),
		"final":   bet.FinalPrice.String(),
		"outcome": outcome,
	}).Info("结算结果已计算")
	return outcome, nil
}

// settleLocked 调用方须持有该注单的锁。广播失败时注单保持未结算、结果保留，
// 不自动重试，等待重启恢复或人工处理
func (o *Orchestrator) settleLocked(ctx context.Context, betID uint64) error {
	bet, err := o.repo.GetByBetID(ctx, betID)
	if err != nil {
		return fmt.Errorf("读取注单失败 bet_id=%d: %w", betID, err)
	}
	if bet.Settled {
		o.logger.WithField("bet_id", betID).Debug("注单已结算，跳过提交")
		return nil
	}
	if bet.Outcome == "" {
		return fmt.Errorf("结果未计算无法结算 bet_id=%d", betID)
	}

	result, err := o.submitter.Submit(ctx, betID, bet.Outcome)
	if err != nil {
		var subErr *chain.SubmissionError
		if errors.As(err, &subErr) {
			o.logger.WithError(subErr.Err).WithFields(logrus.Fields{
				"bet_id": betID,
				"phase":  subErr.Phase,
			}).Error("结算提交失败，注单保持未结算")
		} else {
			o.logger.WithError(err).WithField("bet_id", betID).Error("结算提交失败，注单保持未结算")
		}
		return err
	}

	ok, err := o.repo.MarkSettled(ctx, betID, result.TxHash)
	if err != nil {
		o.logger.WithError(err).WithField("bet_id", betID).Error("结算标记写库失败")
		return fmt.Errorf("标记结算失败 bet_id=%d: %w", betID, err)
	}
	if !ok {
		// 理论上不会发生：持锁期间被别的路径标记。留痕便于排查
		o.logger.WithField("bet_id", betID).Warn("结算标记已被其它路径完成")
		return nil
	}

	record := &model.SettlementRecord{
		BetID:        betID,
		Outcome:      bet.Outcome,
		TxHash:       result.TxHash,
		GasAllowance: result.GasAllowance,
	}
	if result.GasPrice != nil {
		record.GasPrice = decimal.NewFromBigInt(result.GasPrice, 0)
	}
	if err := o.repo.CreateSettlementRecord(ctx, record); err != nil {
		o.logger.WithError(err).WithField("bet_id", betID).Warn("结算记录落库失败")
	}

	o.logger.WithFields(logrus.Fields{
		"bet_id":  betID,
		"outcome": bet.Outcome,
		"tx_hash": result.TxHash,
	}).Info("注单已结算")
	return nil
}

// fetchPriceWithRetry 有界退避重试取价：共 1+SampleRetryCount 次尝试，等待按次翻倍
func (o *Orchestrator) fetchPriceWithRetry(ctx context.Context, tokenAddress string) (decimal.Decimal, error) {
	attempts := o.cfg.SampleRetryCount + 1
	if attempts < 1 {
		attempts = 1
	}
	wait := o.cfg.SampleRetryWait

	var lastErr error
	for i := 0; i < attempts; i++ {
		price, err := o.oracle.FetchPrice(ctx, tokenAddress)
		if err == nil {
			return price, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		o.logger.WithError(err).WithFields(logrus.Fields{
			"token":   tokenAddress,
			"attempt": i + 1,
			"wait":    wait.String(),
		}).Debug("取价失败，稍后重试")
		select {
		case <-ctx.Done():
			return decimal.Zero, ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return decimal.Zero, lastErr
}

// computeOutcome 结果判定：|delta| <= band 为 no_change，否则按涨跌方向。
// band 默认为 0（无死区），浮点噪声是否算 no_change 由配置决定
func computeOutcome(initial, final, band decimal.Decimal) string {
	delta := final.Sub(initial)
	if delta.Abs().Cmp(band) <= 0 {
		return model.OutcomeNoChange
	}
	if delta.Sign() > 0 {
		return model.OutcomePump
	}
	return model.OutcomeDump
}
