/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package webhooks posts task lifecycle transitions to operator endpoints.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/friendsincode/actuator/internal/events"
	"github.com/friendsincode/actuator/internal/models"
	"github.com/friendsincode/actuator/internal/scheduler"
	"github.com/friendsincode/actuator/internal/telemetry"
)

// Headers set on every delivery.
const (
	HeaderEvent     = "X-Actuator-Event"
	HeaderDelivery  = "X-Actuator-Delivery"
	HeaderTimestamp = "X-Actuator-Timestamp"
	HeaderSignature = "X-Actuator-Signature"
)

// Payload is the JSON body sent to webhook endpoints.
type Payload struct {
	Event       string         `json:"event"`
	Timestamp   time.Time      `json:"timestamp"`
	TaskID      string         `json:"taskID"`
	RequesterID string         `json:"requesterID"`
	Priority    string         `json:"priority,omitempty"`
	Slots       []models.Slot  `json:"slots,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// Config selects targets and the transitions they receive.
type Config struct {
	URLs    []string
	Secret  string
	States  []string // empty means every state
	Timeout time.Duration
}

// Service handles webhook delivery.
type Service struct {
	bus    *events.Bus
	urls   []string
	secret string
	states map[models.TaskState]bool
	client *http.Client
	logger zerolog.Logger
	wg     sync.WaitGroup
}

// NewService creates a new webhook service.
func NewService(cfg Config, bus *events.Bus, logger zerolog.Logger) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	states := make(map[models.TaskState]bool, len(cfg.States))
	for _, st := range cfg.States {
		states[models.TaskState(st)] = true
	}
	return &Service{
		bus:    bus,
		urls:   cfg.URLs,
		secret: cfg.Secret,
		states: states,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With().Str("component", "webhooks").Logger(),
	}
}

// Start forwards matching lifecycle transitions until ctx ends, then waits for
// in-flight deliveries.
func (s *Service) Start(ctx context.Context) {
	s.logger.Info().Int("targets", len(s.urls)).Msg("webhook service starting")

	sub := s.bus.SubscribeBuffered(events.TopicLifecycle, 256)
	defer s.bus.Unsubscribe(sub)
	defer s.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("webhook service stopping")
			return

		case msg, ok := <-sub:
			if !ok {
				return
			}
			tr, ok := msg.Body.(scheduler.Transition)
			if !ok || !s.handles(tr.State) {
				continue
			}
			s.fire(ctx, payloadOf(tr))
		}
	}
}

func (s *Service) handles(st models.TaskState) bool {
	return len(s.states) == 0 || s.states[st]
}

func payloadOf(tr scheduler.Transition) Payload {
	return Payload{
		Event:       "task." + string(tr.State),
		Timestamp:   tr.At.UTC(),
		TaskID:      tr.TaskID,
		RequesterID: tr.RequesterID,
		Priority:    string(tr.Priority),
		Slots:       tr.Slots,
		Reason:      tr.Reason,
		Details:     tr.Details,
	}
}

func (s *Service) fire(ctx context.Context, p Payload) {
	body, err := json.Marshal(p)
	if err != nil {
		s.logger.Error().Err(err).Str("task_id", p.TaskID).Msg("failed to marshal webhook payload")
		return
	}
	for _, url := range s.urls {
		s.wg.Add(1)
		go func(url string) {
			defer s.wg.Done()
			if err := s.send(ctx, url, p.Event, body); err != nil {
				telemetry.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
				s.logger.Warn().Err(err).Str("url", url).Str("task_id", p.TaskID).Msg("webhook delivery failed")
				return
			}
			telemetry.WebhookDeliveriesTotal.WithLabelValues("ok").Inc()
			s.logger.Debug().Str("url", url).Str("event", p.Event).Msg("webhook delivered")
		}(url)
	}
}

func (s *Service) send(ctx context.Context, url, event string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Actuator-Webhook/1.0")
	req.Header.Set(HeaderEvent, event)
	req.Header.Set(HeaderDelivery, uuid.NewString())
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(time.Now().Unix(), 10))
	if s.secret != "" {
		req.Header.Set(HeaderSignature, Sign(body, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the HMAC-SHA256 signature header value for body.
func Sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}
