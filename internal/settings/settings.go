// Package settings manages hub-wide preferences stored in the registry:
// LLM provider selection and keys, and the default delete action. Registry
// values win over environment configuration so UI changes stick.
package settings

import (
	"fmt"

	"github.com/dronehub/dronehub/internal/common/config"
	"github.com/dronehub/dronehub/internal/llm"
	"github.com/dronehub/dronehub/internal/registry"
)

// Service reads and writes hub settings.
type Service struct {
	store *registry.Store
	cfg   config.LLMConfig
	ring  *LogRing
}

// New creates the settings service. ring may be nil when log capture is
// disabled.
func New(store *registry.Store, cfg config.LLMConfig, ring *LogRing) *Service {
	return &Service{store: store, cfg: cfg, ring: ring}
}

// Ring exposes the hub log ring for the logs endpoint.
func (s *Service) Ring() *LogRing { return s.ring }

// Snapshot is the settings view returned to the UI. Keys are reported as
// present/absent, never echoed.
type Snapshot struct {
	LLMProvider  string                 `json:"llmProvider,omitempty"`
	OpenAIKeySet bool                   `json:"openaiKeySet"`
	GeminiKeySet bool                   `json:"geminiKeySet"`
	DeleteAction *registry.DeleteAction `json:"deleteAction,omitempty"`
}

// Get returns the current settings with env fallbacks applied.
func (s *Service) Get() (*Snapshot, error) {
	reg, err := s.store.Load()
	if err != nil {
		return nil, err
	}
	st := reg.Settings
	return &Snapshot{
		LLMProvider:  s.effectiveProvider(st),
		OpenAIKeySet: s.openAIKey(st) != "",
		GeminiKeySet: s.geminiKey(st) != "",
		DeleteAction: st.DeleteAction,
	}, nil
}

// SetOpenAIKey stores (or clears) the OpenAI API key.
func (s *Service) SetOpenAIKey(key string) error {
	return s.store.Update(func(reg *registry.Registry) error {
		reg.Settings.OpenAIAPIKey = key
		return nil
	})
}

// SetGeminiKey stores (or clears) the Gemini API key.
func (s *Service) SetGeminiKey(key string) error {
	return s.store.Update(func(reg *registry.Registry) error {
		reg.Settings.GeminiAPIKey = key
		return nil
	})
}

// SetLLMProvider selects the provider. Empty disables LLM features.
func (s *Service) SetLLMProvider(provider string) error {
	switch provider {
	case "", "openai", "gemini":
	default:
		return fmt.Errorf("unknown llm provider %q", provider)
	}
	return s.store.Update(func(reg *registry.Registry) error {
		reg.Settings.LLMProvider = provider
		return nil
	})
}

// SetDeleteAction stores the default delete behavior.
func (s *Service) SetDeleteAction(action registry.DeleteAction) error {
	if action.Archive {
		switch action.ArchiveRetention {
		case registry.Retention1Hour, registry.Retention8Hour, registry.Retention1Day, registry.Retention1Week:
		default:
			return fmt.Errorf("unknown archive retention %q", action.ArchiveRetention)
		}
		switch action.ArchiveRuntimePolicy {
		case registry.RuntimeKeepRunning, registry.RuntimeStop:
		default:
			return fmt.Errorf("unknown archive runtime policy %q", action.ArchiveRuntimePolicy)
		}
	}
	return s.store.Update(func(reg *registry.Registry) error {
		reg.Settings.DeleteAction = &action
		return nil
	})
}

// DeleteAction returns the effective delete behavior, defaulting to archive
// for one day with the container stopped.
func (s *Service) DeleteAction() (registry.DeleteAction, error) {
	reg, err := s.store.Load()
	if err != nil {
		return registry.DeleteAction{}, err
	}
	if reg.Settings.DeleteAction != nil {
		return *reg.Settings.DeleteAction, nil
	}
	return registry.DeleteAction{
		Archive:              true,
		ArchiveRetention:     registry.Retention1Day,
		ArchiveRuntimePolicy: registry.RuntimeStop,
	}, nil
}

// Provider builds the configured LLM provider, or ErrNotConfigured.
func (s *Service) Provider() (llm.Provider, error) {
	reg, err := s.store.Load()
	if err != nil {
		return nil, err
	}
	st := reg.Settings
	switch s.effectiveProvider(st) {
	case "openai":
		return llm.NewOpenAI(s.openAIKey(st))
	case "gemini":
		return llm.NewGemini(s.geminiKey(st))
	default:
		return nil, llm.ErrNotConfigured
	}
}

// Model resolution: explicit config beats provider default.

// TLDRModel returns the model for chat summaries.
func (s *Service) TLDRModel() string { return s.cfg.TLDRModel }

// DroneNameModel returns the model for name suggestions.
func (s *Service) DroneNameModel() string { return s.cfg.DroneNameModel }

func (s *Service) effectiveProvider(st registry.Settings) string {
	if st.LLMProvider != "" {
		return st.LLMProvider
	}
	return s.cfg.Provider
}

func (s *Service) openAIKey(st registry.Settings) string {
	if st.OpenAIAPIKey != "" {
		return st.OpenAIAPIKey
	}
	return s.cfg.OpenAIAPIKey
}

func (s *Service) geminiKey(st registry.Settings) string {
	if st.GeminiAPIKey != "" {
		return st.GeminiAPIKey
	}
	return s.cfg.GeminiAPIKey
}
