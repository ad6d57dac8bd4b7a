// Package alert wraps the Twilio API for operator SMS notifications.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Opts holds configuration options for the Twilio alerter.
type Opts struct {
	AccountSID string
	AuthToken  string
	From       string
	To         string
}

// Option defines a configuration option for the Twilio alerter.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromNumber sets the sending phone number.
func WithFromNumber(from string) Option {
	return func(o *Opts) { o.From = from }
}

// WithOperatorNumber sets the operator phone number receiving alerts.
func WithOperatorNumber(to string) Option {
	return func(o *Opts) { o.To = to }
}

// TwilioAlerter delivers operator alerts as SMS via the Twilio REST API.
type TwilioAlerter struct {
	client *twilio.RestClient
	from   string
	to     string
}

// Compile-time check that TwilioAlerter implements Alerter.
var _ Alerter = (*TwilioAlerter)(nil)

// NewTwilioAlerter creates a Twilio-backed alerter. Options fall back to the
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, TWILIO_FROM_NUMBER, and
// OPERATOR_PHONE_NUMBER environment variables.
func NewTwilioAlerter(opts ...Option) (*TwilioAlerter, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	// Fallback to environment variables if not provided via options
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.From == "" {
		cfg.From = os.Getenv("TWILIO_FROM_NUMBER")
	}
	if cfg.To == "" {
		cfg.To = os.Getenv("OPERATOR_PHONE_NUMBER")
	}
	slog.Debug("Twilio alerter config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"From_set", cfg.From != "",
		"To_set", cfg.To != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.From == "" || cfg.To == "" {
		return nil, fmt.Errorf("from and operator numbers must be provided")
	}

	client := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)

	return &TwilioAlerter{client: client, from: cfg.From, to: cfg.To}, nil
}

// RaiseOperatorAlert sends the alert as a single SMS. Delivery failure is
// logged, never returned: alerts are fire-and-forget relative to the caller.
func (a *TwilioAlerter) RaiseOperatorAlert(_ context.Context, kind string, alertCtx map[string]string) {
	body := formatAlertBody(kind, alertCtx)
	params := &twilioApi.CreateMessageParams{}
	params.SetFrom(a.from)
	params.SetTo(a.to)
	params.SetBody(body)

	if _, err := a.client.Api.CreateMessage(params); err != nil {
		slog.Error("TwilioAlerter.RaiseOperatorAlert: send failed", "kind", kind, "error", err)
		return
	}
	slog.Info("TwilioAlerter.RaiseOperatorAlert: alert sent", "kind", kind)
}

// formatAlertBody renders a compact, deterministic SMS body.
func formatAlertBody(kind string, alertCtx map[string]string) string {
	var b strings.Builder
	b.WriteString("BookPipe alert: ")
	b.WriteString(kind)

	keys := make([]string, 0, len(alertCtx))
	for k := range alertCtx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(fmt.Sprintf("\n%s=%s", k, alertCtx[k]))
	}
	return b.String()
}
