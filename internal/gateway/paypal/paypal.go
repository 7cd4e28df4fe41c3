// Package paypal реализует адаптер шлюза PayPal: создание заказа с редиректом
// плательщика, захват средств при возврате и резервный webhook. Подлинность
// уведомлений проверяется повторным запросом к API, а не подписью.
package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/wallet-system/internal/gateway"
	"github.com/mmeshcher/wallet-system/internal/model"
)

// Converter переводит сумму из VND в USD: провайдер принимает только USD.
type Converter interface {
	ConvertVNDToUSD(ctx context.Context, amountVND int64) decimal.Decimal
}

// Adapter — адаптер шлюза PayPal.
type Adapter struct {
	apiBase      string
	clientID     string
	clientSecret string
	converter    Converter

	// readClient ретраит только идемпотентные вызовы: получение OAuth-токена
	// и чтение заказа. Захват средств выполняется captureClient ровно один раз.
	readClient    *retryablehttp.Client
	captureClient *http.Client
}

// NewAdapter создаёт адаптер PayPal.
func NewAdapter(apiBase, clientID, clientSecret string, converter Converter) *Adapter {
	readClient := retryablehttp.NewClient()
	readClient.RetryMax = 3
	readClient.HTTPClient.Timeout = 10 * time.Second
	readClient.Logger = nil

	return &Adapter{
		apiBase:       strings.TrimRight(apiBase, "/"),
		clientID:      clientID,
		clientSecret:  clientSecret,
		converter:     converter,
		readClient:    readClient,
		captureClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// Method возвращает способ оплаты адаптера.
func (a *Adapter) Method() model.PaymentMethod {
	return model.PaymentMethodPayPal
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
}

func (a *Adapter) accessToken(ctx context.Context) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost,
		a.apiBase+"/v1/oauth2/token", strings.NewReader("grant_type=client_credentials"))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.SetBasicAuth(a.clientID, a.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.readClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", gateway.ErrUpstreamTimeout, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("paypal token: unexpected status %d", resp.StatusCode)
	}

	var result tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}

	return result.AccessToken, nil
}

type orderAmount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type purchaseUnit struct {
	ReferenceID string      `json:"reference_id,omitempty"`
	CustomID    string      `json:"custom_id,omitempty"`
	Amount      orderAmount `json:"amount"`
}

type orderLink struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type orderResponse struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	PurchaseUnits []purchaseUnit `json:"purchase_units"`
	Links         []orderLink    `json:"links"`
}

// Initiate создаёт заказ в PayPal и возвращает адрес для редиректа плательщика.
// Корреляционным токеном служит идентификатор заказа, присвоенный провайдером;
// внутренний идентификатор платежа вкладывается в custom_id и переживает весь
// круговой путь без изменений.
func (a *Adapter) Initiate(ctx context.Context, req gateway.InitiateRequest) (*gateway.InitiateResult, error) {
	token, err := a.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	usd := a.converter.ConvertVNDToUSD(ctx, req.Amount)

	orderBody := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []purchaseUnit{{
			ReferenceID: req.OrderID,
			CustomID:    req.Token,
			Amount: orderAmount{
				CurrencyCode: "USD",
				Value:        usd.StringFixed(2),
			},
		}},
	}

	payload, err := json.Marshal(orderBody)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.apiBase+"/v2/checkout/orders", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create order request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.captureClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrUpstreamTimeout, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("paypal create order: unexpected status %d", resp.StatusCode)
	}

	var order orderResponse
	if err := json.NewDecoder(resp.Body).Decode(&order); err != nil {
		return nil, fmt.Errorf("decode order response: %w", err)
	}

	var approveURL string
	for _, link := range order.Links {
		if link.Rel == "approve" {
			approveURL = link.Href
			break
		}
	}
	if approveURL == "" {
		return nil, fmt.Errorf("paypal create order: no approve link in response")
	}

	return &gateway.InitiateResult{
		Token:       order.ID,
		ExternalID:  order.ID,
		RedirectURL: approveURL,
		Payload: map[string]string{
			"usd_amount": usd.StringFixed(2),
			"custom_id":  req.Token,
		},
	}, nil
}

type captureResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Capture захватывает средства одобренного заказа при возврате плательщика.
// Вызов не идемпотентен и выполняется ровно один раз без ретраев.
func (a *Adapter) Capture(ctx context.Context, orderID string) (*gateway.Notification, error) {
	token, err := a.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/v2/checkout/orders/%s/capture", a.apiBase, orderID), nil)
	if err != nil {
		return nil, fmt.Errorf("create capture request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.captureClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrUpstreamTimeout, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("paypal capture: unexpected status %d", resp.StatusCode)
	}

	var capture captureResponse
	if err := json.NewDecoder(resp.Body).Decode(&capture); err != nil {
		return nil, fmt.Errorf("decode capture response: %w", err)
	}

	return &gateway.Notification{
		Provider:   model.PaymentMethodPayPal,
		ExternalID: capture.ID,
		Token:      orderID,
		Succeeded:  capture.Status == "COMPLETED",
	}, nil
}

type webhookEvent struct {
	EventType string `json:"event_type"`
	Resource  struct {
		ID string `json:"id"`
	} `json:"resource"`
}

// ParseNotification обрабатывает возврат плательщика (query-параметры) или
// резервный webhook (тело). В обоих случаях состояние заказа перепроверяется
// авторизованным вызовом API.
func (a *Adapter) ParseNotification(ctx context.Context, body []byte, query url.Values) (*gateway.Notification, error) {
	if orderID := query.Get("token"); orderID != "" {
		return a.Capture(ctx, orderID)
	}

	var ev webhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("unmarshal webhook event: %w", err)
	}
	if ev.Resource.ID == "" {
		return nil, fmt.Errorf("webhook event without resource id")
	}

	return a.verifyOrder(ctx, ev.Resource.ID)
}

// verifyOrder перечитывает заказ из API: доверяется состоянию на стороне
// провайдера, а не содержимому webhook.
func (a *Adapter) verifyOrder(ctx context.Context, orderID string) (*gateway.Notification, error) {
	token, err := a.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/v2/checkout/orders/%s", a.apiBase, orderID), nil)
	if err != nil {
		return nil, fmt.Errorf("create order lookup request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.readClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrUpstreamTimeout, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("paypal order lookup: unexpected status %d", resp.StatusCode)
	}

	var order orderResponse
	if err := json.NewDecoder(resp.Body).Decode(&order); err != nil {
		return nil, fmt.Errorf("decode order response: %w", err)
	}

	return &gateway.Notification{
		Provider:   model.PaymentMethodPayPal,
		ExternalID: order.ID,
		Token:      order.ID,
		Succeeded:  order.Status == "COMPLETED",
	}, nil
}
