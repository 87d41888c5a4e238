package telephony

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RESTClient talks to the carrier's REST API: recording download, call
// control and outbound alert calls.
type RESTClient struct {
	http       *http.Client
	baseURL    string
	accountSID string
	authToken  string
}

// NewRESTClient creates a carrier API client authenticated with the account
// credentials.
func NewRESTClient(baseURL, accountSID, authToken string) *RESTClient {
	return &RESTClient{
		http:       &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		accountSID: accountSID,
		authToken:  authToken,
	}
}

// DownloadRecording fetches the audio bytes behind a recording URL. The
// carrier serves recordings behind the same account credentials.
func (c *RESTClient) DownloadRecording(ctx context.Context, recordingURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, recordingURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build recording request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch recording: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch recording: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read recording body: %w", err)
	}
	return data, nil
}

// EndCall asks the carrier to complete an in-progress call leg.
func (c *RESTClient) EndCall(ctx context.Context, callSID string) error {
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", c.baseURL, c.accountSID, callSID)
	form := url.Values{"Status": {"completed"}}
	return c.postForm(ctx, endpoint, form)
}

// PlaceAlertCall dials out and speaks a message, used for supervisor
// escalation alerts. The message may contain classifier-provided text, so it
// is escaped before being embedded in the voice document.
func (c *RESTClient) PlaceAlertCall(ctx context.Context, to, from, message string) error {
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls.json", c.baseURL, c.accountSID)
	var say strings.Builder
	xml.EscapeText(&say, []byte(message))
	doc := fmt.Sprintf("<Response><Say>%s</Say></Response>", say.String())
	form := url.Values{
		"To":    {to},
		"From":  {from},
		"Twiml": {doc},
	}
	return c.postForm(ctx, endpoint, form)
}

func (c *RESTClient) postForm(ctx context.Context, endpoint string, form url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build carrier request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("carrier request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("carrier request: status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
