package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"companionchat/internal/config"
	"companionchat/internal/models"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

type chatModelFactory func(ctx context.Context, cfg config.ProviderConfig, params Params, timeout time.Duration) (model.BaseChatModel, error)

// newChatModel is swapped in tests.
var newChatModel chatModelFactory = buildChatModel

func buildChatModel(ctx context.Context, cfg config.ProviderConfig, params Params, timeout time.Duration) (model.BaseChatModel, error) {
	temperature := params.Temperature
	maxTokens := params.MaxTokens
	var topP *float32
	if params.TopP > 0 {
		v := params.TopP
		topP = &v
	}

	switch strings.ToLower(cfg.Kind) {
	case "", "openai":
		presence := params.PresencePenalty
		frequency := params.FrequencyPenalty
		cm, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
			APIKey:           cfg.APIKey,
			BaseURL:          cfg.BaseURL,
			Model:            cfg.Model,
			Timeout:          timeout,
			MaxTokens:        &maxTokens,
			Temperature:      &temperature,
			TopP:             topP,
			PresencePenalty:  &presence,
			FrequencyPenalty: &frequency,
		})
		if err != nil {
			return nil, fmt.Errorf("init openai model: %w", err)
		}
		return cm, nil
	case "claude":
		var baseURLPtr *string
		if cfg.BaseURL != "" {
			baseURLPtr = &cfg.BaseURL
		}
		cm, err := claude.NewChatModel(ctx, &claude.Config{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			BaseURL:     baseURLPtr,
			MaxTokens:   maxTokens,
			Temperature: &temperature,
			TopP:        topP,
		})
		if err != nil {
			return nil, fmt.Errorf("init claude model: %w", err)
		}
		return cm, nil
	case "gemini":
		clientCfg := &genai.ClientConfig{
			APIKey:  cfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		}
		if cfg.BaseURL != "" {
			clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
		}
		client, err := genai.NewClient(ctx, clientCfg)
		if err != nil {
			return nil, fmt.Errorf("init gemini client: %w", err)
		}
		cm, err := gemini.NewChatModel(ctx, &gemini.Config{
			Client:      client,
			Model:       cfg.Model,
			MaxTokens:   &maxTokens,
			Temperature: &temperature,
			TopP:        topP,
		})
		if err != nil {
			return nil, fmt.Errorf("init gemini model: %w", err)
		}
		return cm, nil
	default:
		return nil, fmt.Errorf("invalid provider kind: %s", cfg.Kind)
	}
}

// convertMessages maps stored history onto eino messages, system prompt first.
func convertMessages(systemPrompt string, history []*models.Message) []*schema.Message {
	messages := make([]*schema.Message, 0, len(history)+1)
	messages = append(messages, schema.SystemMessage(systemPrompt))
	for _, msg := range history {
		if msg == nil {
			continue
		}
		var role schema.RoleType
		switch msg.Role {
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}
		messages = append(messages, &schema.Message{
			Role:    role,
			Content: msg.Content,
		})
	}
	return messages
}
