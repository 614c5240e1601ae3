package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// 注单结算结果
const (
	OutcomePump     = "pump"      // 终价高于初价
	OutcomeDump     = "dump"      // 终价低于初价
	OutcomeNoChange = "no_change" // 价差落在死区内
)

// 注单生命周期状态（由已落库字段推导，库中不单独存状态列）
const (
	StateAwaitingInitialSample = "awaiting_initial_sample"
	StateAwaitingFinalSample   = "awaiting_final_sample"
	StateOutcomeComputed       = "outcome_computed"
	StateSettled               = "settled"
)

// Bet 对应 bets 表，记录一笔链上价格涨跌注单的完整生命周期
// BetID 由合约分配，创建后不可变；InitialPrice/FinalPrice 取样完成前为空
// Settled 仅在结算交易广播确认后置 true，且只允许 false->true 一次
type Bet struct {
	ID               uint64           `gorm:"column:id;primaryKey;autoIncrement"`
	BetID            uint64           `gorm:"column:bet_id;uniqueIndex;not null"` // 合约分配的注单号
	Finder           string           `gorm:"column:finder;type:varchar(64);not null"`
	TokenAddress     string           `gorm:"column:token_address;type:varchar(64);not null"`
	TotalBetAmount   decimal.Decimal  `gorm:"column:total_bet_amount;type:numeric(38,0);not null"`
	StartTime        time.Time        `gorm:"column:start_time;type:timestamp;not null"` // 创建时刻 T0，取价调度基准
	InitialPrice     *decimal.Decimal `gorm:"column:initial_price;type:numeric(30,18)"`  // 首次取样价格（USD）
	FinalPrice       *decimal.Decimal `gorm:"column:final_price;type:numeric(30,18)"`    // 二次取样价格（USD）
	Outcome          string           `gorm:"column:outcome;type:varchar(16);default:''"`
	Settled          bool             `gorm:"column:settled;type:boolean;default:false"`
	SettlementTxHash *string          `gorm:"column:settlement_tx_hash;type:varchar(66)"`
	CreatedAt        time.Time        `gorm:"column:created_at;type:timestamp;default:now()"`
	UpdatedAt        time.Time        `gorm:"column:updated_at;type:timestamp;default:now()"`
}

func (Bet) TableName() string { return "bets" }

// State 根据已落库字段推导当前生命周期状态
func (b *Bet) State() string {
	switch {
	case b.Settled:
		return StateSettled
	case b.Outcome != "":
		return StateOutcomeComputed
	case b.InitialPrice != nil:
		return StateAwaitingFinalSample
	default:
		return StateAwaitingInitialSample
	}
}

// ChainEvent 对应 chain_events 表，记录链上 BetCreated 事件原始数据
// TxHash 唯一索引作为原始事件层的幂等防线，订阅重连回放的重复事件直接落库失败并被忽略
type ChainEvent struct {
	ID          uint64         `gorm:"column:id;primaryKey;autoIncrement"`
	EventType   string         `gorm:"column:event_type;type:varchar(32);not null"`
	BetID       uint64         `gorm:"column:bet_id;not null"`
	TxHash      string         `gorm:"column:tx_hash;type:varchar(66);uniqueIndex;not null"`
	BlockNumber *int64         `gorm:"column:block_number"`
	EventData   datatypes.JSON `gorm:"column:event_data;type:jsonb;not null"`
	CreatedAt   time.Time      `gorm:"column:created_at;type:timestamp;default:now()"`
}

func (ChainEvent) TableName() string { return "chain_events" }

// SettlementRecord 结算记录表，每笔成功广播的结算交易一条
type SettlementRecord struct {
	ID           uint64          `gorm:"column:id;primaryKey;autoIncrement"`
	BetID        uint64          `gorm:"column:bet_id;not null"`
	Outcome      string          `gorm:"column:outcome;type:varchar(16);not null"`
	TxHash       string          `gorm:"column:tx_hash;type:varchar(66);uniqueIndex;not null"`
	GasAllowance uint64          `gorm:"column:gas_allowance"` // 估算值上浮后的 gas 限额
	GasPrice     decimal.Decimal `gorm:"column:gas_price;type:numeric(38,0);default:0"`
	CreatedAt    time.Time       `gorm:"column:created_at;type:timestamp;default:now()"`
}

func (SettlementRecord) TableName() string { return "settlement_records" }
