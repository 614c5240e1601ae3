package repository

import (
	"context"
	"time"

	"PumpDumpBet/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BetRepository 注单持久化，是生命周期状态的唯一检查点来源
type BetRepository interface {
	// CreateBet 幂等创建：bet_id 已存在时不写入，返回 created=false
	CreateBet(ctx context.Context, bet *model.Bet) (created bool, err error)
	GetByBetID(ctx context.Context, betID uint64) (*model.Bet, error)
	SetInitialPrice(ctx context.Context, betID uint64, price decimal.Decimal) error
	SetFinalPrice(ctx context.Context, betID uint64, price decimal.Decimal) error
	SetOutcome(ctx context.Context, betID uint64, outcome string) error
	// MarkSettled 比较并置位：仅当 settled=false 时更新，返回是否真正完成翻转
	MarkSettled(ctx context.Context, betID uint64, txHash string) (bool, error)
	// ListPendingSettlement 终价已取到但尚未结算的注单（启动恢复直接推进到结算）
	ListPendingSettlement(ctx context.Context) ([]*model.Bet, error)
	// ListUnsettled 所有未结算注单（启动恢复重建取价定时器）
	ListUnsettled(ctx context.Context) ([]*model.Bet, error)
	CreateSettlementRecord(ctx context.Context, record *model.SettlementRecord) error
}

// ChainEventRepository 链上原始事件持久化
type ChainEventRepository interface {
	// SaveChainEvent 落库原始事件；tx_hash 重复返回 gorm.ErrDuplicatedKey
	SaveChainEvent(ctx context.Context, ev *model.ChainEvent) error
}

type betRepository struct {
	db *gorm.DB
}

// NewBetRepository 创建注单仓储
func NewBetRepository(db *gorm.DB) BetRepository {
	return &betRepository{db: db}
}

// NewChainEventRepository 创建链上事件仓储
func NewChainEventRepository(db *gorm.DB) ChainEventRepository {
	return &betRepository{db: db}
}

func (r *betRepository) CreateBet(ctx context.Context, bet *model.Bet) (bool, error) {
	tx := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "bet_id"}},
			DoNothing: true,
		}).
		Create(bet)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *betRepository) GetByBetID(ctx context.Context, betID uint64) (*model.Bet, error) {
	var b model.Bet
	if err := r.db.WithContext(ctx).Where("bet_id = ?", betID).First(&b).Error; err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *betRepository) SetInitialPrice(ctx context.Context, betID uint64, price decimal.Decimal) error {
	return r.db.WithContext(ctx).Model(&model.Bet{}).
		Where("bet_id = ?", betID).
		Updates(map[string]interface{}{
			"initial_price": price,
			"updated_at":    time.Now(),
		}).Error
}

func (r *betRepository) SetFinalPrice(ctx context.Context, betID uint64, price decimal.Decimal) error {
	return r.db.WithContext(ctx).Model(&model.Bet{}).
		Where("bet_id = ?", betID).
		Updates(map[string]interface{}{
			"final_price": price,
			"updated_at":  time.Now(),
		}).Error
}

func (r *betRepository) SetOutcome(ctx context.Context, betID uint64, outcome string) error {
	// outcome 只允许写一次，已有值时不覆盖
	return r.db.WithContext(ctx).Model(&model.Bet{}).
		Where("bet_id = ? AND outcome = ?", betID, "").
		Updates(map[string]interface{}{
			"outcome":    outcome,
			"updated_at": time.Now(),
		}).Error
}

func (r *betRepository) MarkSettled(ctx context.Context, betID uint64, txHash string) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&model.Bet{}).
		Where("bet_id = ? AND settled = ?", betID, false).
		Updates(map[string]interface{}{
			"settled":            true,
			"settlement_tx_hash": txHash,
			"updated_at":         time.Now(),
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *betRepository) ListPendingSettlement(ctx context.Context) ([]*model.Bet, error) {
	var list []*model.Bet
	if err := r.db.WithContext(ctx).
		Where("settled = ? AND final_price IS NOT NULL", false).
		Order("bet_id ASC").
		Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

func (r *betRepository) ListUnsettled(ctx context.Context) ([]*model.Bet, error) {
	var list []*model.Bet
	if err := r.db.WithContext(ctx).
		Where("settled = ?", false).
		Order("bet_id ASC").
		Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

func (r *betRepository) CreateSettlementRecord(ctx context.Context, record *model.SettlementRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

func (r *betRepository) SaveChainEvent(ctx context.Context, ev *model.ChainEvent) error {
	// 需要 gorm.Config{TranslateError: true}，唯一约束冲突才会翻译为 gorm.ErrDuplicatedKey
	return r.db.WithContext(ctx).Create(ev).Error
}
