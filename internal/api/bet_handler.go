package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"PumpDumpBet/internal/model"
	"PumpDumpBet/internal/repository"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// BetHandler 提供注单状态查询接口（只读，运维排查用）
type BetHandler struct {
	repo   repository.BetRepository
	db     *gorm.DB
	logger *logrus.Logger
}

// NewBetHandler 创建 BetHandler
func NewBetHandler(db *gorm.DB, logger *logrus.Logger) *BetHandler {
	return &BetHandler{
		repo:   repository.NewBetRepository(db),
		db:     db,
		logger: logger,
	}
}

// BetView 注单对外视图，state 由落库字段推导
type BetView struct {
	BetID            uint64           `json:"bet_id"`
	Finder           string           `json:"finder"`
	TokenAddress     string           `json:"token_address"`
	TotalBetAmount   decimal.Decimal  `json:"total_bet_amount"`
	StartTime        time.Time        `json:"start_time"`
	InitialPrice     *decimal.Decimal `json:"initial_price"`
	FinalPrice       *decimal.Decimal `json:"final_price"`
	Outcome          string           `json:"outcome,omitempty"`
	State            string           `json:"state"`
	Settled          bool             `json:"settled"`
	SettlementTxHash *string          `json:"settlement_tx_hash,omitempty"`
}

func toBetView(b *model.Bet) *BetView {
	return &BetView{
		BetID:            b.BetID,
		Finder:           b.Finder,
		TokenAddress:     b.TokenAddress,
		TotalBetAmount:   b.TotalBetAmount,
		StartTime:        b.StartTime,
		InitialPrice:     b.InitialPrice,
		FinalPrice:       b.FinalPrice,
		Outcome:          b.Outcome,
		State:            b.State(),
		Settled:          b.Settled,
		SettlementTxHash: b.SettlementTxHash,
	}
}

// GetBet 单注单查询
// GET /api/bets/:bet_id
func (h *BetHandler) GetBet(c *gin.Context) {
	betID, err := strconv.ParseUint(c.Param("bet_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bet_id 必须是数字"})
		return
	}

	bet, err := h.repo.GetByBetID(c.Request.Context(), betID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "bet not found"})
			return
		}
		h.logger.WithError(err).WithField("bet_id", betID).Error("GetBet failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, toBetView(bet))
}

// ListBets 注单列表，settled=true/false 过滤，按创建时间倒序分页
// GET /api/bets?settled=false&page=1&page_size=20
func (h *BetHandler) ListBets(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	query := h.db.WithContext(c.Request.Context()).Model(&model.Bet{})
	if settledStr := c.Query("settled"); settledStr != "" {
		settled, err := strconv.ParseBool(settledStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "settled 必须是 true/false"})
			return
		}
		query = query.Where("settled = ?", settled)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		h.logger.WithError(err).Error("ListBets count failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	var bets []*model.Bet
	if err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&bets).Error; err != nil {
		h.logger.WithError(err).Error("ListBets failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	views := make([]*BetView, 0, len(bets))
	for _, b := range bets {
		views = append(views, toBetView(b))
	}

	c.JSON(http.StatusOK, gin.H{
		"total":     total,
		"page":      page,
		"page_size": pageSize,
		"list":      views,
	})
}
