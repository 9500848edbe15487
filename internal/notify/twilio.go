package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TwilioNotifier sends SMS messages through the Twilio REST API.
type TwilioNotifier struct {
	baseURL    string
	accountSID string
	authToken  string
	from       string
	to         string
	httpClient *http.Client
}

// NewTwilio creates a Twilio SMS notifier.
func NewTwilio(accountSID, authToken, from, to string, timeout time.Duration) *TwilioNotifier {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &TwilioNotifier{
		baseURL:    "https://api.twilio.com",
		accountSID: accountSID,
		authToken:  authToken,
		from:       from,
		to:         to,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SetBaseURL overrides the API endpoint. Used by tests.
func (n *TwilioNotifier) SetBaseURL(url string) {
	n.baseURL = url
}

type twilioErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Send delivers the summary as an SMS to the configured number.
func (n *TwilioNotifier) Send(ctx context.Context, summary string) error {
	endpoint := fmt.Sprintf(
		"%s/2010-04-01/Accounts/%s/Messages.json", n.baseURL, n.accountSID,
	)

	form := url.Values{}
	form.Set("From", n.from)
	form.Set("To", n.to)
	form.Set("Body", summary)

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()),
	)
	if err != nil {
		return &SendError{Transport: "sms", Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(n.accountSID, n.authToken)

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return &SendError{Transport: "sms", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &SendError{Transport: "sms", Err: fmt.Errorf("reading response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var twErr twilioErrorResponse
		if json.Unmarshal(respBody, &twErr) == nil && twErr.Message != "" {
			return &SendError{
				Transport: "sms",
				Err:       fmt.Errorf("API error (%d): %s", resp.StatusCode, twErr.Message),
			}
		}
		return &SendError{
			Transport: "sms",
			Err:       fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody)),
		}
	}

	return nil
}
