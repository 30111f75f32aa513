package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"

	"github.com/Ananth-NQI/cakepe-backend/internal/config"
)

// maxBodyLength is Twilio's limit for a WhatsApp message body.
const maxBodyLength = 1600

// Messenger is the outbound WhatsApp transport.
type Messenger interface {
	SendText(ctx context.Context, to, body string) error
}

type TwilioService struct {
	client *twilio.RestClient
	from   string // Your Twilio WhatsApp number
	logger *zap.Logger
}

// NewTwilioService creates a new Twilio service instance
func NewTwilioService(cfg config.TwilioConfig, logger *zap.Logger) (*TwilioService, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.WhatsappFrom == "" {
		return nil, fmt.Errorf("missing Twilio credentials in environment variables")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})

	return &TwilioService{
		client: client,
		from:   cfg.WhatsappFrom,
		logger: logger.Named("twilio"),
	}, nil
}

// SendText sends a WhatsApp message via Twilio. The REST client takes no
// context, so ctx is only checked before the call.
func (t *TwilioService) SendText(ctx context.Context, to string, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetFrom(t.from)
	params.SetTo(WhatsAppAddress(to))
	params.SetBody(truncate(body, maxBodyLength))

	resp, err := t.client.Api.CreateMessage(params)
	if err != nil {
		return fmt.Errorf("failed to send WhatsApp message: %w", err)
	}
	if resp.ErrorCode != nil && *resp.ErrorCode != 0 {
		msg := ""
		if resp.ErrorMessage != nil {
			msg = *resp.ErrorMessage
		}
		return fmt.Errorf("twilio error %d: %s", *resp.ErrorCode, msg)
	}

	sid := ""
	if resp.Sid != nil {
		sid = *resp.Sid
	}
	t.logger.Debug("WhatsApp message sent", zap.String("customer", to), zap.String("sid", sid))
	return nil
}

// LogMessenger only logs outbound messages. It stands in for Twilio in
// development when no credentials are configured.
type LogMessenger struct {
	logger *zap.Logger
}

func NewLogMessenger(logger *zap.Logger) *LogMessenger {
	return &LogMessenger{logger: logger.Named("messenger")}
}

func (l *LogMessenger) SendText(_ context.Context, to, body string) error {
	l.logger.Info("Outbound WhatsApp message (not sent)", zap.String("customer", to), zap.String("body", body))
	return nil
}

// WhatsAppAddress prefixes a phone number with Twilio's channel scheme.
func WhatsAppAddress(phone string) string {
	if strings.HasPrefix(phone, "whatsapp:") {
		return phone
	}
	return "whatsapp:" + phone
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
