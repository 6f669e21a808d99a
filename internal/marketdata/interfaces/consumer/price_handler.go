// Package consumer 行情 Kafka 消费端
package consumer

import (
	"context"
	"encoding/json"
	"fmt"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/wyfcoding/backoffice/internal/marketdata/application"
)

// TopicMarketPrices 行情推送主题
const TopicMarketPrices = "market.prices"

// PriceEventHandler 消费外部行情源推送的价格事件
type PriceEventHandler struct {
	service *application.MarketDataService
}

func NewPriceEventHandler(service *application.MarketDataService) *PriceEventHandler {
	return &PriceEventHandler{service: service}
}

// HandleMarketPrice 处理单条价格消息
func (h *PriceEventHandler) HandleMarketPrice(ctx context.Context, msg kafkago.Message) error {
	var event struct {
		Asset     string `json:"asset"`
		Price     string `json:"price"`
		Source    string `json:"source"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("failed to decode price event: %w", err)
	}

	price, err := decimal.NewFromString(event.Price)
	if err != nil {
		return fmt.Errorf("invalid price %q for %s: %w", event.Price, event.Asset, err)
	}

	return h.service.SaveQuote(ctx, application.SaveQuoteCommand{
		Asset:     event.Asset,
		PriceUSDT: price,
		Source:    event.Source,
		Timestamp: event.Timestamp,
	})
}
