package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"crypto-exec-engine/internal/model"
	"crypto-exec-engine/internal/service"

	"go.uber.org/zap"
)

// Okx V5 REST 端点
const (
	okxOrderEndpoint   = "/api/v5/trade/order"
	okxCandlesEndpoint = "/api/v5/market/candles"
)

// okxResponse Okx V5 的通用响应外壳
type okxResponse struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// okxOrderAck 下单响应的单行数据
type okxOrderAck struct {
	OrdID   string `json:"ordId"`
	ClOrdID string `json:"clOrdId"`
	SCode   string `json:"sCode"`
	SMsg    string `json:"sMsg"`
}

// okxOrderDetail 查单响应的单行数据
type okxOrderDetail struct {
	OrdID     string `json:"ordId"`
	ClOrdID   string `json:"clOrdId"`
	State     string `json:"state"`
	AccFillSz string `json:"accFillSz"`
	AvgPx     string `json:"avgPx"`
}

// OkxConnector 基于 Okx V5 REST 的 Connector 实现
type OkxConnector struct {
	cfg    service.ExchangeConfig
	client *http.Client
	logger *zap.Logger
}

// NewOkxConnector 初始化 Okx 连接器
func NewOkxConnector(cfg service.ExchangeConfig, logger *zap.Logger) *OkxConnector {
	return &OkxConnector{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.With(zap.String("connector", "okx")),
	}
}

// SubmitOrder 提交订单，结果不明确时返回 SubmitAmbiguous
func (c *OkxConnector) SubmitOrder(ctx context.Context, req model.OrderRequest) (SubmitResult, error) {
	payload := map[string]string{
		"instId":  InstID(req.Symbol),
		"tdMode":  "cross",
		"side":    string(req.Side),
		"ordType": string(req.Type),
		"sz":      fmt.Sprintf("%v", req.Quantity),
		"clOrdId": req.ClientOrderID,
	}
	if req.Type == model.TypeLimit {
		payload["px"] = fmt.Sprintf("%v", req.LimitPrice)
	}
	if req.ReduceOnly {
		payload["reduceOnly"] = "true"
	}

	resp, err := c.do(ctx, http.MethodPost, okxOrderEndpoint, nil, payload, true)
	if err != nil {
		// 传输层失败: 订单可能已经到达交易所
		return SubmitResult{Outcome: SubmitAmbiguous}, err
	}

	if resp.Code != "0" {
		if aerr := c.classify(resp.Code, resp.Msg); IsAuth(aerr) {
			return SubmitResult{Outcome: SubmitRejected}, aerr
		}
		// 业务层拒绝，取单行 sMsg 作为原因
		reason := resp.Msg
		var acks []okxOrderAck
		if json.Unmarshal(resp.Data, &acks) == nil && len(acks) > 0 && acks[0].SMsg != "" {
			reason = acks[0].SMsg
		}
		return SubmitResult{Outcome: SubmitRejected, Reason: reason}, nil
	}

	var acks []okxOrderAck
	if err := json.Unmarshal(resp.Data, &acks); err != nil || len(acks) == 0 {
		return SubmitResult{Outcome: SubmitAmbiguous}, transient("malformed order ack", err)
	}
	if acks[0].SCode != "0" && acks[0].SCode != "" {
		return SubmitResult{Outcome: SubmitRejected, Reason: acks[0].SMsg}, nil
	}
	return SubmitResult{Outcome: SubmitAccepted, ExchangeOrderID: acks[0].OrdID}, nil
}

// QueryOrder 按 ClientOrderID 查询订单，不存在时返回 ClassNotFound
func (c *OkxConnector) QueryOrder(ctx context.Context, symbol, clientOrderID string) (model.OrderState, error) {
	params := url.Values{}
	params.Set("instId", InstID(symbol))
	params.Set("clOrdId", clientOrderID)

	resp, err := c.do(ctx, http.MethodGet, okxOrderEndpoint, params, nil, true)
	if err != nil {
		return model.OrderState{}, err
	}
	if resp.Code != "0" {
		return model.OrderState{}, c.classify(resp.Code, resp.Msg)
	}

	var details []okxOrderDetail
	if err := json.Unmarshal(resp.Data, &details); err != nil || len(details) == 0 {
		return model.OrderState{}, transient("malformed order detail", err)
	}
	d := details[0]

	st := model.OrderState{
		ClientOrderID:   clientOrderID,
		ExchangeOrderID: d.OrdID,
		Status:          okxOrderStatus(d.State),
	}
	if q, err := service.StringToFloat(d.AccFillSz); err == nil {
		st.FilledQuantity = q
	}
	if p, err := service.StringToFloat(d.AvgPx); err == nil {
		st.AvgFillPrice = p
	}
	return st, nil
}

// FetchKlines 拉取历史 K 线并转为升序
func (c *OkxConnector) FetchKlines(ctx context.Context, symbol, interval string, limit int) ([]model.KLine, error) {
	params := url.Values{}
	params.Set("instId", InstID(symbol))
	params.Set("bar", okxBar(interval))
	params.Set("limit", fmt.Sprintf("%d", limit))

	resp, err := c.do(ctx, http.MethodGet, okxCandlesEndpoint, params, nil, false)
	if err != nil {
		return nil, err
	}
	if resp.Code != "0" {
		return nil, c.classify(resp.Code, resp.Msg)
	}
	return parseCandles(resp.Data, symbol, interval)
}

// parseCandles 解析 Okx 蜡烛数据 (最新在前) 为升序 K 线
func parseCandles(raw json.RawMessage, symbol, interval string) ([]model.KLine, error) {
	var rows [][]string
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, transient("malformed candles payload", err)
	}

	dur, err := service.ParseIntervalDuration(interval)
	if err != nil {
		return nil, &Error{Class: ClassFatal, Message: err.Error(), Err: err}
	}

	klines := make([]model.KLine, 0, len(rows))
	// Okx 返回倒序，反向遍历得到升序
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		if len(row) < 6 {
			continue
		}
		ts, err := service.StringToInt64(row[0])
		if err != nil {
			continue
		}
		open, e1 := service.StringToFloat(row[1])
		high, e2 := service.StringToFloat(row[2])
		low, e3 := service.StringToFloat(row[3])
		closePx, e4 := service.StringToFloat(row[4])
		vol, e5 := service.StringToFloat(row[5])
		if e1 != nil || e2 != nil || e3 != nil || e4 != nil || e5 != nil {
			continue
		}
		start := time.UnixMilli(ts)
		klines = append(klines, model.KLine{
			Symbol:    symbol,
			Interval:  interval,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePx,
			Volume:    vol,
			StartTime: start,
			EndTime:   start.Add(dur).Add(-time.Millisecond),
		})
	}
	return klines, nil
}

// do 执行一次 REST 请求；错误只做传输层分类，业务 code 由调用方解释
func (c *OkxConnector) do(ctx context.Context, method, path string, params url.Values, payload any, signed bool) (*okxResponse, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, &Error{Class: ClassFatal, Message: "marshal request body", Err: err}
		}
	}

	requestPath := path
	if len(params) > 0 {
		requestPath = path + "?" + params.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.cfg.RESTURL+requestPath, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Class: ClassFatal, Message: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if signed {
		// Okx 签名: base64(hmac_sha256(secret, timestamp + method + requestPath + body))
		ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
		httpReq.Header.Set("OK-ACCESS-KEY", c.cfg.APIKey)
		httpReq.Header.Set("OK-ACCESS-PASSPHRASE", c.cfg.Passphrase)
		httpReq.Header.Set("OK-ACCESS-TIMESTAMP", ts)
		httpReq.Header.Set("OK-ACCESS-SIGN", Sign(c.cfg.SecretKey, ts, method, requestPath, string(body)))
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, transient("http request failed", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= http.StatusInternalServerError || httpResp.StatusCode == http.StatusTooManyRequests {
		return nil, transient(fmt.Sprintf("http status %d", httpResp.StatusCode), nil)
	}

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, transient("read response body", err)
	}

	var resp okxResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, transient("malformed response", err)
	}
	return &resp, nil
}

// classify 将 Okx 业务错误码映射到错误分类
func (c *OkxConnector) classify(code, msg string) error {
	switch code {
	case "50100", "50102", "50103", "50104", "50105", "50111", "50113":
		// 时间戳/密钥/签名/Passphrase 错误，需要人工修复凭证
		return &Error{Class: ClassAuth, Code: code, Message: msg}
	case "51603":
		return &Error{Class: ClassNotFound, Code: code, Message: msg}
	case "50001", "50004", "50011", "50013", "50026":
		// 服务不可用/超时/限频/系统繁忙
		return &Error{Class: ClassTransient, Code: code, Message: msg}
	default:
		return &Error{Class: ClassFatal, Code: code, Message: msg}
	}
}

// Sign 生成 Okx V5 请求签名
func Sign(secret, timestamp, method, requestPath, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + strings.ToUpper(method) + requestPath + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// InstID 将交易对映射为 Okx 永续合约 InstID (例如 BTC-USDT -> BTC-USDT-SWAP)
func InstID(symbol string) string {
	symbol = strings.ToUpper(strings.ReplaceAll(symbol, "_", "-"))
	if strings.HasSuffix(symbol, "-SWAP") {
		return symbol
	}
	return symbol + "-SWAP"
}

// okxBar 将内部周期表示映射为 Okx bar 参数 (小时及以上为大写)
func okxBar(interval string) string {
	if strings.HasSuffix(interval, "h") || strings.HasSuffix(interval, "d") {
		return strings.ToUpper(interval)
	}
	return interval
}

// okxOrderStatus 将 Okx 订单状态映射为内部状态
func okxOrderStatus(state string) model.OrderStatus {
	switch state {
	case "live":
		return model.StatusConfirmed
	case "partially_filled":
		return model.StatusPartiallyFilled
	case "filled":
		return model.StatusFilled
	case "canceled", "mmp_canceled":
		return model.StatusCancelled
	default:
		return model.StatusSubmitted
	}
}
