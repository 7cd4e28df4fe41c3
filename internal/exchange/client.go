// Package exchange предоставляет клиент сервиса конвертации валют. Используется
// только адаптером PayPal: провайдер требует суммы в USD.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Client инкапсулирует HTTP-взаимодействие с сервисом курсов валют.
type Client struct {
	baseURL      string
	fallbackRate decimal.Decimal
	httpClient   *http.Client
	logger       *zap.Logger
}

type rateResponse struct {
	// Rate — сколько VND стоит один USD.
	Rate float64 `json:"rate"`
}

// NewClient создаёт клиент курсов валют. fallbackRate (VND за USD) применяется,
// когда источник курса недоступен: конвертация деградирует, но не отказывает.
func NewClient(baseURL string, fallbackRate int64, logger *zap.Logger) *Client {
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		fallbackRate: decimal.NewFromInt(fallbackRate),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// ConvertVNDToUSD переводит сумму в минимальных единицах VND в доллары с двумя
// знаками после запятой. При недоступности источника курса используется
// резервный курс; ошибка вызывающему не возвращается.
func (c *Client) ConvertVNDToUSD(ctx context.Context, amountVND int64) decimal.Decimal {
	rate := c.fetchRate(ctx)
	return decimal.NewFromInt(amountVND).DivRound(rate, 2)
}

func (c *Client) fetchRate(ctx context.Context) decimal.Decimal {
	if c.baseURL == "" {
		return c.fallbackRate
	}

	var rate decimal.Decimal

	backoff := retry.WithMaxRetries(2, retry.NewExponential(200*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		r, err := c.doFetch(ctx)
		if err != nil {
			return retry.RetryableError(err)
		}
		rate = r
		return nil
	})
	if err != nil {
		c.logger.Warn("exchange rate source unavailable, using fallback rate",
			zap.String("fallback", c.fallbackRate.String()), zap.Error(err))
		return c.fallbackRate
	}

	return rate
}

func (c *Client) doFetch(ctx context.Context) (decimal.Decimal, error) {
	url := fmt.Sprintf("%s/api/rates/vnd-usd", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result rateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return decimal.Zero, fmt.Errorf("decode response: %w", err)
	}

	if result.Rate <= 0 {
		return decimal.Zero, fmt.Errorf("non-positive rate: %f", result.Rate)
	}

	return decimal.NewFromFloat(result.Rate), nil
}
