package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/driftwatch/driftwatch/internal/bus"
	"github.com/driftwatch/driftwatch/internal/config"
	"github.com/driftwatch/driftwatch/internal/convo"
)

const voiceChannelName = "voice"

const voiceHistoryTurns = 20

// VoiceChannel places an outbound phone call through a Vapi-compatible
// endpoint. The escalation message becomes the call's opening line and recent
// conversation history primes the call model.
type VoiceChannel struct {
	BaseChannel
	endpoint   string
	authToken  string
	phoneID    string
	customer   string
	provider   string
	model      string
	voiceName  string
	store      *convo.Store
	httpClient *http.Client
}

func NewVoiceChannel(cfg config.VoiceConfig, b *bus.Bus, store *convo.Store) (*VoiceChannel, error) {
	if cfg.AuthToken == "" {
		return nil, fmt.Errorf("voice auth token is required")
	}
	if cfg.PhoneNumberID == "" || cfg.CustomerNumber == "" {
		return nil, fmt.Errorf("voice phone number id and customer number are required")
	}

	ch := &VoiceChannel{
		BaseChannel: NewBaseChannel(voiceChannelName, b, nil),
		endpoint:    strings.TrimRight(cfg.Endpoint, "/"),
		authToken:   cfg.AuthToken,
		phoneID:     cfg.PhoneNumberID,
		customer:    cfg.CustomerNumber,
		provider:    cfg.Provider,
		model:       cfg.Model,
		voiceName:   cfg.VoiceName,
		store:       store,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
	if ch.endpoint == "" {
		ch.endpoint = "https://api.vapi.ai/call"
	}
	if ch.provider == "" {
		ch.provider = "openai"
	}
	if ch.model == "" {
		ch.model = "gpt-4o"
	}
	if ch.voiceName == "" {
		ch.voiceName = "jennifer-playht"
	}
	return ch, nil
}

func (v *VoiceChannel) Start(ctx context.Context) error {
	return nil
}

func (v *VoiceChannel) Send(e bus.Escalation) error {
	payload, err := json.Marshal(v.callPayload(e.Message))
	if err != nil {
		return fmt.Errorf("marshal call payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, v.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create call request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+v.authToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("place call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("place call: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	log.Printf("[voice] call placed to %s", v.customer)
	return nil
}

// callPayload builds the Vapi create-call body. History turns prime the call
// model so the conversation picks up where the last escalation left off.
func (v *VoiceChannel) callPayload(firstMessage string) map[string]any {
	messages := []map[string]string{{
		"role":    "system",
		"content": "You are a focus accountability assistant on a phone call with the user. Be brief and direct.",
	}}

	turns, err := v.store.RecentForVoice(voiceHistoryTurns)
	if err != nil {
		log.Printf("[voice] load history: %v", err)
	}
	for _, t := range turns {
		messages = append(messages, map[string]string{"role": t.Role, "content": t.Message})
	}

	return map[string]any{
		"assistant": map[string]any{
			"firstMessage": firstMessage,
			"model": map[string]any{
				"provider": v.provider,
				"model":    v.model,
				"messages": messages,
			},
			"voice": v.voiceName,
		},
		"phoneNumberId": v.phoneID,
		"customer": map[string]any{
			"number": v.customer,
		},
	}
}

func (v *VoiceChannel) Stop() error {
	return nil
}

// SetEndpoint overrides the call endpoint (for testing)
func (v *VoiceChannel) SetEndpoint(endpoint string) {
	v.endpoint = strings.TrimRight(endpoint, "/")
}
