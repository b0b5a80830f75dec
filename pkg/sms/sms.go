// Package sms delivers one-time passcodes to Indian mobile numbers.
package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"landlink/pkg/logging"
	"landlink/pkg/phone"
)

// Sender delivers a passcode to a normalised 10-digit mobile number.
type Sender interface {
	SendOTP(ctx context.Context, phoneNumber, code string) error
}

// LogSender writes a masked delivery record instead of sending anything.
// It is meant for local development.
type LogSender struct {
	logger *logging.Logger
}

func NewLogSender(logger *logging.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) SendOTP(ctx context.Context, phoneNumber, code string) error {
	s.logger.Info(ctx, "otp delivery skipped (log provider)",
		"phone", phone.Mask(phoneNumber),
		"code_length", len(code),
	)
	return nil
}

// HTTPSender posts passcodes to a JSON SMS gateway.
type HTTPSender struct {
	endpoint string
	apiKey   string
	senderID string
	client   *http.Client
}

func NewHTTPSender(endpoint, apiKey, senderID string, timeout time.Duration) *HTTPSender {
	return &HTTPSender{
		endpoint: endpoint,
		apiKey:   apiKey,
		senderID: senderID,
		client:   &http.Client{Timeout: timeout},
	}
}

type gatewayRequest struct {
	To       string `json:"to"`
	SenderID string `json:"sender_id"`
	Message  string `json:"message"`
}

func (s *HTTPSender) SendOTP(ctx context.Context, phoneNumber, code string) error {
	body, err := json.Marshal(gatewayRequest{
		To:       "+91" + phoneNumber,
		SenderID: s.senderID,
		Message:  Message(code),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sms gateway: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sms gateway returned status %d", resp.StatusCode)
	}
	return nil
}

// Message is the bilingual SMS body.
func Message(code string) string {
	return fmt.Sprintf("आपका सत्यापन कोड %s है। Your verification code is %s. Do not share it with anyone.", code, code)
}
