package sms

import (
	"context"
	"fmt"

	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"

	"marketplace-identity/internal/config"
	"marketplace-identity/internal/util"
)

// Dispatcher hands a message to an SMS provider. Delivery is not confirmed.
type Dispatcher interface {
	Send(ctx context.Context, phone, message string) error
}

// NewDispatcher picks the provider named by cfg.Driver.
func NewDispatcher(cfg config.SMSConfig) (Dispatcher, error) {
	switch cfg.Driver {
	case "twilio":
		if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.From == "" {
			return nil, fmt.Errorf("twilio driver requires account sid, auth token and sender")
		}
		return NewTwilioDispatcher(cfg), nil
	case "log", "":
		return LogDispatcher{}, nil
	default:
		return nil, fmt.Errorf("unknown sms driver %q", cfg.Driver)
	}
}

type messageCreator interface {
	CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error)
}

type TwilioDispatcher struct {
	api  messageCreator
	from string
}

func NewTwilioDispatcher(cfg config.SMSConfig) *TwilioDispatcher {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioDispatcher{api: client.Api, from: cfg.From}
}

// Send converts the local number to E.164 before handing it to Twilio.
func (d *TwilioDispatcher) Send(ctx context.Context, phone, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	params := &openapi.CreateMessageParams{}
	params.SetTo(ToE164(phone))
	params.SetFrom(d.from)
	params.SetBody(message)

	resp, err := d.api.CreateMessage(params)
	if err != nil {
		return fmt.Errorf("twilio send failed: %w", err)
	}
	if resp != nil && resp.Sid != nil {
		util.Debug("SMS accepted by Twilio", util.Phone(phone), zap.String("sid", *resp.Sid))
	}
	return nil
}

// LogDispatcher writes the message to the log instead of sending it.
type LogDispatcher struct{}

func (LogDispatcher) Send(_ context.Context, phone, message string) error {
	util.Info("SMS (log driver)", util.Phone(phone), zap.String("message", message))
	return nil
}

// ToE164 turns a normalized local number (0XXXXXXXXX) into +233XXXXXXXXX.
func ToE164(phone string) string {
	if len(phone) == 10 && phone[0] == '0' {
		return "+233" + phone[1:]
	}
	return phone
}
