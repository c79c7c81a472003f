package gateway

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
)

// RequestObserver receives one observation per provider HTTP call. Zero
// status means the request never reached the provider.
type RequestObserver interface {
	ObserveGatewayRequest(provider, op string, status int, d time.Duration)
}

// MultiObserver fans each observation out to every member, for running the
// Prometheus metrics and an OTLP bridge side by side.
type MultiObserver []RequestObserver

func (m MultiObserver) ObserveGatewayRequest(provider, op string, status int, d time.Duration) {
	for _, o := range m {
		o.ObserveGatewayRequest(provider, op, status, d)
	}
}

// PixRESTConfig configures a PixRESTProvider.
type PixRESTConfig struct {
	Name         string
	BaseURL      string
	ClientID     string
	ClientSecret string

	// Client certificate for the provider's mTLS transport.
	CertFile string
	KeyFile  string

	// RecipientKey is the platform's collecting key, used when a charge
	// request does not carry one.
	RecipientKey string

	Timeout time.Duration
}

// PixRESTProvider talks to an instant-payment provider exposing the common
// cob/cobv REST dialect: OAuth client-credentials token endpoint, immediate
// charges under /v2/cob, maturity charges under /v2/cobv, outbound transfers
// under /v2/pix.
type PixRESTProvider struct {
	cfg      PixRESTConfig
	client   *http.Client
	tokens   *TokenCache
	observer RequestObserver
}

// NewPixRESTProvider builds a provider with an mTLS-enabled HTTP client and a
// shared token cache. The observer may be nil.
func NewPixRESTProvider(cfg PixRESTConfig, observer RequestObserver) (*PixRESTProvider, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		transport.TLSClientConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	p := &PixRESTProvider{
		cfg: cfg,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		observer: observer,
	}
	p.tokens = NewTokenCache(p.fetchToken)
	return p, nil
}

// Name identifies the provider in logs and metrics.
func (p *PixRESTProvider) Name() string { return p.cfg.Name }

// Token returns the shared cached token, refreshing when needed.
func (p *PixRESTProvider) Token(ctx context.Context) (Token, error) {
	return p.tokens.Get(ctx)
}

// Ping verifies the provider is reachable and the credentials work by
// ensuring a usable OAuth token. Health probes call this; a cached valid
// token short-circuits, so probing adds no bank traffic in steady state.
func (p *PixRESTProvider) Ping(ctx context.Context) error {
	_, err := p.tokens.Get(ctx)
	return err
}

func (p *PixRESTProvider) fetchToken(ctx context.Context) (Token, error) {
	body := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.BaseURL+"/oauth/token", bytes.NewBufferString(body.Encode()))
	if err != nil {
		return Token{}, err
	}
	req.SetBasicAuth(p.cfg.ClientID, p.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		p.observe("token", 0, start)
		return Token{}, &TransientError{Op: "token", Err: err}
	}
	defer resp.Body.Close()
	p.observe("token", resp.StatusCode, start)

	if resp.StatusCode != http.StatusOK {
		detail := readErrorDetail(resp.Body)
		log.WithFields(log.Fields{
			"provider": p.cfg.Name,
			"status":   resp.StatusCode,
		}).Error("token fetch failed")
		if resp.StatusCode >= 500 {
			return Token{}, &TransientError{Op: "token", Status: resp.StatusCode, Err: fmt.Errorf("%s", detail)}
		}
		return Token{}, &RejectedError{Op: "token", Status: resp.StatusCode, Detail: detail}
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Token{}, fmt.Errorf("decode token response: %w", err)
	}
	return Token{
		AccessToken: out.AccessToken,
		ExpiresAt:   time.Now().Add(time.Duration(out.ExpiresIn) * time.Second),
	}, nil
}

// CreateCharge creates an immediate charge (/v2/cob) or, when a maturity date
// is set, a charge-with-maturity (/v2/cobv) that stays redeemable until the
// due date plus the configured grace days.
func (p *PixRESTProvider) CreateCharge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	recipientKey := req.RecipientKey
	if recipientKey == "" {
		recipientKey = p.cfg.RecipientKey
	}

	payload := map[string]any{
		"chave": recipientKey,
		"valor": map[string]string{"original": req.Amount},
		"devedor": map[string]string{
			"cpf":  req.PayerTaxID,
			"nome": req.PayerName,
		},
	}

	path := "/v2/cob/" + req.ExternalID
	op := "create_charge"
	if req.MaturityDate != nil {
		path = "/v2/cobv/" + req.ExternalID
		payload["calendario"] = map[string]any{
			"dataDeVencimento":       req.MaturityDate.Format("2006-01-02"),
			"validadeAposVencimento": req.GraceDays,
		}
	} else {
		expiration := req.ExpirationSeconds
		if expiration <= 0 {
			expiration = 3600
		}
		payload["calendario"] = map[string]any{"expiracao": expiration}
	}

	var out struct {
		TxID          string `json:"txid"`
		PixCopiaECola string `json:"pixCopiaECola"`
		Location      string `json:"location"`
	}
	if err := p.do(ctx, op, http.MethodPut, path, payload, &out); err != nil {
		return nil, err
	}

	result := &ChargeResult{
		ExternalID:         out.TxID,
		PaymentInstruction: out.PixCopiaECola,
		InstructionURL:     out.Location,
	}
	if result.ExternalID == "" {
		result.ExternalID = req.ExternalID
	}
	return result, nil
}

// CancelCharge marks a charge removed at the provider. Immediate and maturity
// charges live under different routes and the txid alone does not say which
// kind this is, so a 404 from /v2/cob retries against /v2/cobv. A 404 on both
// means the charge no longer exists there, which is the state cancellation
// wants: success.
func (p *PixRESTProvider) CancelCharge(ctx context.Context, externalID string) error {
	payload := map[string]string{"status": "REMOVIDA_PELO_USUARIO_RECEBEDOR"}
	err := p.do(ctx, "cancel_charge", http.MethodPatch, "/v2/cob/"+externalID, payload, nil)
	if !isNotFound(err) {
		return err
	}
	err = p.do(ctx, "cancel_charge", http.MethodPatch, "/v2/cobv/"+externalID, payload, nil)
	if isNotFound(err) {
		return nil
	}
	return err
}

func isNotFound(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected) && rejected.Status == http.StatusNotFound
}

// SendTransfer sends an outbound transfer. The caller-supplied idempotency
// key is forwarded in the request header; retries must reuse it.
func (p *PixRESTProvider) SendTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	payload := map[string]any{
		"valor": req.Amount,
		"favorecido": map[string]string{
			"chave": req.DestinationKey,
		},
	}

	var out struct {
		EndToEndID string `json:"e2eId"`
		Status     string `json:"status"`
	}
	err := p.doWithHeaders(ctx, "send_transfer", http.MethodPost, "/v2/pix", payload, &out,
		map[string]string{"x-idempotency-key": req.IdempotencyKey})
	if err != nil {
		return nil, err
	}
	return &TransferResult{
		TransferID: out.EndToEndID,
		State:      mapTransferStatus(out.Status),
	}, nil
}

// TransferStatus queries the current state of a transfer.
func (p *PixRESTProvider) TransferStatus(ctx context.Context, transferID string) (TransferState, error) {
	var out struct {
		Status string `json:"status"`
	}
	if err := p.do(ctx, "transfer_status", http.MethodGet, "/v2/pix/"+transferID, nil, &out); err != nil {
		return "", err
	}
	return mapTransferStatus(out.Status), nil
}

// mapTransferStatus folds provider-specific transfer states into the
// normalized set.
func mapTransferStatus(s string) TransferState {
	switch s {
	case "REALIZADO", "CONCLUIDA", "LIQUIDADO":
		return TransferPaid
	case "NAO_REALIZADO", "DEVOLVIDO", "REJEITADO":
		return TransferFailed
	default:
		return TransferWaitingApproval
	}
}

func (p *PixRESTProvider) do(ctx context.Context, op, method, path string, payload, out any) error {
	return p.doWithHeaders(ctx, op, method, path, payload, out, nil)
}

func (p *PixRESTProvider) doWithHeaders(ctx context.Context, op, method, path string, payload, out any, headers map[string]string) error {
	token, err := p.tokens.Get(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		p.observe(op, 0, start)
		// A timed-out request may still have succeeded at the provider.
		// Callers must query before resubmitting charge creations.
		return &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	p.observe(op, resp.StatusCode, start)

	if resp.StatusCode >= 500 {
		return &TransientError{Op: op, Status: resp.StatusCode,
			Err: fmt.Errorf("%s", readErrorDetail(resp.Body))}
	}
	if resp.StatusCode >= 400 {
		detail := readErrorDetail(resp.Body)
		log.WithFields(log.Fields{
			"provider": p.cfg.Name,
			"op":       op,
			"status":   resp.StatusCode,
		}).Warn("provider rejected request")
		return &RejectedError{Op: op, Status: resp.StatusCode, Detail: detail}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", op, err)
		}
	}
	return nil
}

func (p *PixRESTProvider) observe(op string, status int, start time.Time) {
	if p.observer != nil {
		p.observer.ObserveGatewayRequest(p.cfg.Name, op, status, time.Since(start))
	}
}

// readErrorDetail extracts a short human-readable detail from an error body.
func readErrorDetail(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 2048))
	if err != nil || len(raw) == 0 {
		return "no detail"
	}
	var parsed struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(raw, &parsed) == nil && parsed.Detail != "" {
		if parsed.Title != "" {
			return parsed.Title + ": " + parsed.Detail
		}
		return parsed.Detail
	}
	return strconv.Quote(string(raw))
}
