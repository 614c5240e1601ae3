package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"PumpDumpBet/internal/config"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ErrPriceNotAvailable 表示价格源没有该代币的报价（无交易对、请求失败、响应异常、超时）
// 这是预期内的返回值而非故障，重试策略由调用方（Orchestrator）决定
var ErrPriceNotAvailable = errors.New("价格不可用")

// PriceFetcher 代币现价查询接口
type PriceFetcher interface {
	// FetchPrice 查询代币当前 USD 价格，取流动性最好的交易对报价
	FetchPrice(ctx context.Context, tokenAddress string) (decimal.Decimal, error)
}

// Client DexScreener 风格价格源客户端，无状态、无内部重试
type Client struct {
	http   *resty.Client
	logger *logrus.Logger
}

// tokenPairsResponse token 接口响应，pairs 按流动性排序，取第一条的 priceUsd
type tokenPairsResponse struct {
	Pairs []struct {
		PriceUsd string `json:"priceUsd"`
	} `json:"pairs"`
}

// NewClient 创建价格源客户端（价格源不可信，必须设置有界超时）
func NewClient(cfg *config.OracleConfig, logger *logrus.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(0)
	return &Client{http: httpClient, logger: logger}
}

func (c *Client) FetchPrice(ctx context.Context, tokenAddress string) (decimal.Decimal, error) {
	if strings.TrimSpace(tokenAddress) == "" {
		return decimal.Zero, fmt.Errorf("tokenAddress 不能为空")
	}

	var out tokenPairsResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/latest/dex/tokens/" + tokenAddress)
	if err != nil {
		c.logger.WithError(err).WithField("token", tokenAddress).Warn("价格源请求失败")
		return decimal.Zero, fmt.Errorf("%w: %v", ErrPriceNotAvailable, err)
	}
	if !resp.IsSuccess() {
		c.logger.WithFields(logrus.Fields{
			"token":  tokenAddress,
			"status": resp.StatusCode(),
		}).Warn("价格源返回非 2xx")
		return decimal.Zero, fmt.Errorf("%w: http %d", ErrPriceNotAvailable, resp.StatusCode())
	}
	if len(out.Pairs) == 0 || out.Pairs[0].PriceUsd == "" {
		return decimal.Zero, fmt.Errorf("%w: 无可用交易对", ErrPriceNotAvailable)
	}

	price, err := decimal.NewFromString(out.Pairs[0].PriceUsd)
	if err != nil {
		c.logger.WithError(err).WithField("token", tokenAddress).Warn("价格字段解析失败")
		return decimal.Zero, fmt.Errorf("%w: 价格格式异常 %q", ErrPriceNotAvailable, out.Pairs[0].PriceUsd)
	}
	return price, nil
}
