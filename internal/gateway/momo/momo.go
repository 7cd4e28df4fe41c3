// Package momo реализует адаптер платёжного шлюза MoMo: создание платежа и
// обработку IPN-колбэка с проверкой подписи HMAC-SHA256.
package momo

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/wallet-system/internal/gateway"
	"github.com/mmeshcher/wallet-system/internal/model"
)

const requestType = "captureWallet"

// Adapter — адаптер шлюза MoMo.
type Adapter struct {
	apiBase     string
	partnerCode string
	accessKey   string
	secretKey   []byte
	ipnURL      string
	redirectURL string
	httpClient  *http.Client
}

// NewAdapter создаёт адаптер MoMo с ключами партнёра.
func NewAdapter(apiBase, partnerCode, accessKey, secretKey, ipnURL, redirectURL string) *Adapter {
	return &Adapter{
		apiBase:     strings.TrimRight(apiBase, "/"),
		partnerCode: partnerCode,
		accessKey:   accessKey,
		secretKey:   []byte(secretKey),
		ipnURL:      ipnURL,
		redirectURL: redirectURL,
		// Создание платежа не ретраится: повтор может породить второй платёж.
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Method возвращает способ оплаты адаптера.
func (a *Adapter) Method() model.PaymentMethod {
	return model.PaymentMethodMoMo
}

type createRequest struct {
	PartnerCode string `json:"partnerCode"`
	AccessKey   string `json:"accessKey"`
	RequestID   string `json:"requestId"`
	Amount      int64  `json:"amount"`
	OrderID     string `json:"orderId"`
	OrderInfo   string `json:"orderInfo"`
	RedirectURL string `json:"redirectUrl"`
	IPNURL      string `json:"ipnUrl"`
	ExtraData   string `json:"extraData"`
	RequestType string `json:"requestType"`
	Signature   string `json:"signature"`
}

type createResponse struct {
	ResultCode int    `json:"resultCode"`
	Message    string `json:"message"`
	PayURL     string `json:"payUrl"`
	QRCodeURL  string `json:"qrCodeUrl"`
}

// Initiate создаёт платёж в MoMo и возвращает адрес для оплаты. Корреляционным
// токеном служит orderId, который провайдер возвращает в колбэке без изменений.
func (a *Adapter) Initiate(ctx context.Context, req gateway.InitiateRequest) (*gateway.InitiateResult, error) {
	orderID := req.Token
	if orderID == "" {
		orderID = uuid.NewString()
	}
	requestID := uuid.NewString()

	// Порядок полей в подписываемой строке задан провайдером.
	raw := fmt.Sprintf("accessKey=%s&amount=%d&extraData=%s&ipnUrl=%s&orderId=%s&orderInfo=%s&partnerCode=%s&redirectUrl=%s&requestId=%s&requestType=%s",
		a.accessKey, req.Amount, "", a.ipnURL, orderID, req.Description, a.partnerCode, a.redirectURL, requestID, requestType)

	body := createRequest{
		PartnerCode: a.partnerCode,
		AccessKey:   a.accessKey,
		RequestID:   requestID,
		Amount:      req.Amount,
		OrderID:     orderID,
		OrderInfo:   req.Description,
		RedirectURL: a.redirectURL,
		IPNURL:      a.ipnURL,
		RequestType: requestType,
		Signature:   a.sign(raw),
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal create request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.apiBase+"/v2/gateway/api/create", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrUpstreamTimeout, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("momo create: unexpected status %d", resp.StatusCode)
	}

	var result createResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode create response: %w", err)
	}

	if result.ResultCode != 0 {
		return nil, fmt.Errorf("momo create rejected: %d %s", result.ResultCode, result.Message)
	}

	return &gateway.InitiateResult{
		Token:       orderID,
		RedirectURL: result.PayURL,
		QRCodeURL:   result.QRCodeURL,
		Payload: map[string]string{
			"request_id": requestID,
		},
	}, nil
}

type ipnPayload struct {
	PartnerCode  string `json:"partnerCode"`
	OrderID      string `json:"orderId"`
	RequestID    string `json:"requestId"`
	Amount       int64  `json:"amount"`
	OrderInfo    string `json:"orderInfo"`
	OrderType    string `json:"orderType"`
	TransID      int64  `json:"transId"`
	ResultCode   int    `json:"resultCode"`
	Message      string `json:"message"`
	PayType      string `json:"payType"`
	ResponseTime int64  `json:"responseTime"`
	ExtraData    string `json:"extraData"`
	Signature    string `json:"signature"`
}

// ParseNotification разбирает IPN-колбэк и проверяет его подпись. Сумма
// приходит в теле уведомления в VND, а не в свободном тексте.
func (a *Adapter) ParseNotification(ctx context.Context, body []byte, _ url.Values) (*gateway.Notification, error) {
	var p ipnPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("unmarshal ipn payload: %w", err)
	}

	// Строка подписи — точная конкатенация полей, заданная провайдером.
	raw := fmt.Sprintf("accessKey=%s&amount=%d&extraData=%s&message=%s&orderId=%s&orderInfo=%s&orderType=%s&partnerCode=%s&payType=%s&requestId=%s&responseTime=%d&resultCode=%d&transId=%d",
		a.accessKey, p.Amount, p.ExtraData, p.Message, p.OrderID, p.OrderInfo, p.OrderType,
		p.PartnerCode, p.PayType, p.RequestID, p.ResponseTime, p.ResultCode, p.TransID)

	if !hmac.Equal([]byte(a.sign(raw)), []byte(p.Signature)) {
		return nil, gateway.ErrSignatureInvalid
	}

	return &gateway.Notification{
		Provider:   model.PaymentMethodMoMo,
		ExternalID: strconv.FormatInt(p.TransID, 10),
		Token:      p.OrderID,
		Amount:     p.Amount,
		Succeeded:  p.ResultCode == 0,
		Raw: map[string]string{
			"request_id":  p.RequestID,
			"result_code": strconv.Itoa(p.ResultCode),
			"message":     p.Message,
			"pay_type":    p.PayType,
		},
	}, nil
}

func (a *Adapter) sign(raw string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}
