// Package pearl implements the voice-AI provider integration.
package pearl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acme/lead-call-orchestrator/internal/config"
	"github.com/acme/lead-call-orchestrator/internal/domain"
	"github.com/acme/lead-call-orchestrator/internal/telephony"
	apperrors "github.com/acme/lead-call-orchestrator/pkg/errors"
	"github.com/acme/lead-call-orchestrator/pkg/logger"
)

// Client talks to the Pearl outbound API. Authentication is a bearer
// token of the form "accountID:secretKey". The outbound campaign id is
// resolved from the configured campaign name on first use and cached.
type Client struct {
	httpClient *http.Client
	baseURL    string
	authHeader string
	campaign   string
	log        *logger.Logger
	callLog    *telephony.CallLog
	now        func() time.Time

	mu         sync.Mutex
	outboundID string
}

// NewClient builds the provider client. The call log may be nil.
func NewClient(cfg config.PearlConfig, callLog *telephony.CallLog, log *logger.Logger) (*Client, error) {
	if cfg.AccountID == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("pearl: account id and secret key are required")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.nlpearl.ai/v1"
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		authHeader: "Bearer " + cfg.AccountID + ":" + cfg.SecretKey,
		campaign:   cfg.CampaignName,
		log:        log,
		callLog:    callLog,
		now:        time.Now,
	}, nil
}

type makeCallPayload struct {
	To       string   `json:"to"`
	CallData callData `json:"callData"`
}

type callData struct {
	Certificate   string `json:"certificado"`
	ClinicID      string `json:"clinicaId"`
	PostalCode    string `json:"codigoPostal"`
	Region        string `json:"delegacion"`
	Greeting      string `json:"dias_tardes"`
	ClinicAddress string `json:"direccionClinica"`
	Email         string `json:"emailAddress"`
	BirthDate     string `json:"fechaNacimiento"`
	FirstName     string `json:"firstName"`
	LastName      string `json:"lastName"`
	NationalID    string `json:"nif"`
	ClinicName    string `json:"nombreClinica"`
	Order         *int   `json:"orden"`
	Policy        string `json:"poliza"`
	Segment       string `json:"segmento"`
	Gender        string `json:"sexo"`
}

type makeCallResponse struct {
	ID      string `json:"id"`
	CallID  string `json:"callId"`
	Success *bool  `json:"success"`
	Message string `json:"message"`
}

// PlaceCall dials the lead through the configured outbound campaign.
func (c *Client) PlaceCall(ctx context.Context, lead *domain.Lead) (telephony.PlacedCall, error) {
	outboundID, err := c.resolveOutboundID(ctx)
	if err != nil {
		return telephony.PlacedCall{}, err
	}

	phone, err := domain.NormalizePhone(lead.DialPhone())
	if err != nil {
		return telephony.PlacedCall{}, err
	}

	payload := makeCallPayload{
		To: phone,
		CallData: callData{
			Certificate:   lead.Certificate,
			ClinicID:      lead.ClinicID,
			PostalCode:    lead.PostalCode,
			Region:        lead.Region,
			Greeting:      c.greeting(),
			ClinicAddress: lead.ClinicAddress,
			Email:         lead.Email,
			BirthDate:     formatBirthDate(lead.BirthDate),
			FirstName:     lead.FirstName,
			LastName:      lead.LastName,
			NationalID:    lead.NationalID,
			ClinicName:    lead.ClinicName,
			Order:         lead.OrderNum,
			Policy:        lead.PolicyNum,
			Segment:       lead.Segment,
			Gender:        lead.Gender,
		},
	}

	body, status, err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("/Outbound/%s/Call", outboundID), payload, "make_call")
	if err != nil {
		return telephony.PlacedCall{}, err
	}

	var resp makeCallResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return telephony.PlacedCall{RawResponse: body}, fmt.Errorf("pearl: decode make-call response: %w", err)
	}

	placed := telephony.PlacedCall{
		CallID:      resp.ID,
		Accepted:    status == http.StatusOK,
		RawResponse: body,
	}
	if placed.CallID == "" {
		placed.CallID = resp.CallID
	}
	if !placed.Accepted {
		placed.Error = resp.Message
		if placed.Error == "" {
			placed.Error = fmt.Sprintf("provider returned status %d", status)
		}
	}

	c.log.Info("pearl: call placed",
		zap.Int64("lead_id", lead.ID),
		zap.String("call_id", placed.CallID),
		zap.Bool("accepted", placed.Accepted))
	return placed, nil
}

type callDetailResponse struct {
	ID            string          `json:"id"`
	To            string          `json:"to"`
	StartTime     string          `json:"startTime"`
	Duration      int             `json:"duration"`
	Price         float64         `json:"price"`
	Status        *int            `json:"status"`
	Summary       string          `json:"summary"`
	CollectedInfo json.RawMessage `json:"collectedInfo"`
	Recording     string          `json:"recording"`
}

// CallDetail fetches the current provider state of one call.
func (c *Client) CallDetail(ctx context.Context, callID string) (*telephony.CallDetail, error) {
	body, status, err := c.do(ctx, http.MethodGet, "/Call/"+callID, nil, "get_call_status")
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, apperrors.ErrNotFound
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("pearl: call detail status %d", status)
	}

	var resp callDetailResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("pearl: decode call detail: %w", err)
	}
	detail := resp.toDetail()
	detail.RawResponse = body
	return detail, nil
}

type searchCallsPayload struct {
	FromDate string `json:"fromDate"`
	ToDate   string `json:"toDate"`
	Skip     int    `json:"skip"`
	Limit    int    `json:"limit"`
}

type searchCallsResponse struct {
	Count int                  `json:"count"`
	Calls []callDetailResponse `json:"calls"`
}

// SearchCalls pages through the campaign's calls inside [from, to].
func (c *Client) SearchCalls(ctx context.Context, from, to time.Time) ([]telephony.CallDetail, error) {
	outboundID, err := c.resolveOutboundID(ctx)
	if err != nil {
		return nil, err
	}

	const pageSize = 100
	var out []telephony.CallDetail
	for skip := 0; ; skip += pageSize {
		payload := searchCallsPayload{
			FromDate: from.UTC().Format("2006-01-02T15:04:05Z"),
			ToDate:   to.UTC().Format("2006-01-02T15:04:05Z"),
			Skip:     skip,
			Limit:    pageSize,
		}
		body, status, err := c.do(ctx, http.MethodPost,
			fmt.Sprintf("/Outbound/%s/Calls", outboundID), payload, "search_calls")
		if err != nil {
			return nil, err
		}
		if status != http.StatusOK {
			return nil, fmt.Errorf("pearl: search calls status %d", status)
		}

		var resp searchCallsResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			// Some deployments return a bare array.
			var calls []callDetailResponse
			if err2 := json.Unmarshal(body, &calls); err2 != nil {
				return nil, fmt.Errorf("pearl: decode search calls: %w", err)
			}
			resp.Calls = calls
		}

		for _, raw := range resp.Calls {
			out = append(out, *raw.toDetail())
		}
		if len(resp.Calls) < pageSize {
			return out, nil
		}
	}
}

// Healthy probes the campaign list endpoint.
func (c *Client) Healthy(ctx context.Context) bool {
	_, status, err := c.do(ctx, http.MethodGet, "/Outbound", nil, "test_connection")
	return err == nil && status == http.StatusOK
}

type outboundCampaign struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// resolveOutboundID looks up the campaign id by name and caches it.
func (c *Client) resolveOutboundID(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outboundID != "" {
		return c.outboundID, nil
	}

	body, status, err := c.do(ctx, http.MethodGet, "/Outbound", nil, "get_outbound_campaigns")
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("pearl: list campaigns status %d", status)
	}

	var campaigns []outboundCampaign
	if err := json.Unmarshal(body, &campaigns); err != nil {
		return "", fmt.Errorf("pearl: decode campaigns: %w", err)
	}

	for _, camp := range campaigns {
		if c.campaign == "" || strings.EqualFold(camp.Name, c.campaign) {
			c.outboundID = camp.ID
			c.log.Info("pearl: resolved outbound campaign",
				zap.String("name", camp.Name), zap.String("id", camp.ID))
			return c.outboundID, nil
		}
	}
	return "", fmt.Errorf("pearl: campaign %q not found", c.campaign)
}

// greeting matches the salutation to the local time of day.
func (c *Client) greeting() string {
	if c.now().Hour() < 14 {
		return "Buenos días"
	}
	return "Buenas tardes"
}

// do issues one request, journals it to the call log, and returns the
// response body and status.
func (c *Client) do(ctx context.Context, method, path string, payload any, opName string) ([]byte, int, error) {
	var reqBody io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("pearl: marshal %s: %w", opName, err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("pearl: build %s request: %w", opName, err)
	}
	req.Header.Set("Authorization", c.authHeader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.journal(opName, payload, nil, err)
		return nil, 0, apperrors.Wrap(apperrors.ErrUnavailable, fmt.Sprintf("pearl: %s: %v", opName, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.journal(opName, payload, nil, err)
		return nil, resp.StatusCode, fmt.Errorf("pearl: read %s response: %w", opName, err)
	}

	c.journal(opName, payload, body, nil)
	return body, resp.StatusCode, nil
}

func (c *Client) journal(opName string, params any, response []byte, callErr error) {
	if c.callLog == nil {
		return
	}
	if err := c.callLog.Record(opName, params, response, callErr); err != nil {
		c.log.Warn("pearl: call log write", zap.Error(err))
	}
}

func (r callDetailResponse) toDetail() *telephony.CallDetail {
	detail := &telephony.CallDetail{
		CallID:       r.ID,
		Phone:        r.To,
		Duration:     time.Duration(r.Duration) * time.Second,
		Cost:         r.Price,
		Outcome:      r.Status,
		Summary:      r.Summary,
		RecordingURL: r.Recording,
	}
	if r.StartTime != "" {
		if t, err := time.Parse(time.RFC3339, r.StartTime); err == nil {
			detail.StartedAt = t
		}
	}
	if len(r.CollectedInfo) > 0 && string(r.CollectedInfo) != "null" {
		detail.CollectedRaw = string(r.CollectedInfo)
		var info domain.CollectedInfo
		if err := json.Unmarshal(r.CollectedInfo, &info); err == nil {
			detail.Collected = &info
		}
	}
	return detail
}

func formatBirthDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}
