package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"fieldsync/internal/config"
	"fieldsync/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// Client calls the milestone service's single RPC endpoint. The session
// token travels as an OAuth2 bearer token; a 401 from the service means the
// session expired and the whole drain must stop.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *zerolog.Logger
}

type applyRequest struct {
	ComponentID   string `json:"component_id"`
	MilestoneName string `json:"milestone_name"`
	Value         int64  `json:"value"`
	UserID        string `json:"user_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewClient(cfg config.RemoteConfig, logger *zerolog.Logger) *Client {
	base := &http.Client{Timeout: cfg.Timeout()}

	httpClient := base
	if cfg.SessionToken != "" {
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.SessionToken})
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		httpClient = oauth2.NewClient(ctx, src)
		httpClient.Timeout = cfg.Timeout()
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		logger:     logger,
	}
}

// ApplyMilestoneUpdate applies one milestone write remotely. The returned
// error, if any, is classified: 409 conflict, 401 authentication, anything
// else transient.
func (c *Client) ApplyMilestoneUpdate(ctx context.Context, componentID, milestoneName string, value int64, userID string) (*models.MilestoneReceipt, error) {
	body, err := json.Marshal(applyRequest{
		ComponentID:   componentID,
		MilestoneName: milestoneName,
		Value:         value,
		UserID:        userID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode apply request: %w", err)
	}

	url := c.baseURL + "/api/v1/milestones/apply"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build apply request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Class: ClassTransient, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.serviceError(resp)
	}

	var receipt models.MilestoneReceipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		return nil, &Error{Class: ClassTransient, Message: fmt.Sprintf("decode receipt: %v", err)}
	}

	c.logger.Debug().
		Str("component_id", componentID).
		Str("milestone", milestoneName).
		Int64("value", value).
		Str("audit_event_id", receipt.AuditEventID).
		Msg("milestone update applied")

	return &receipt, nil
}

func (c *Client) serviceError(resp *http.Response) *Error {
	message := resp.Status
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err == nil && len(raw) > 0 {
		var body errorResponse
		if json.Unmarshal(raw, &body) == nil && body.Error != "" {
			message = body.Error
		}
	}

	return &Error{
		Class:      classify(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Message:    message,
	}
}
