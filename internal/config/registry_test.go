package config

import (
	"errors"
	"testing"

	sttmock "github.com/candorlabs/viva/pkg/provider/stt/mock"
	ttsmock "github.com/candorlabs/viva/pkg/provider/tts/mock"
	"github.com/candorlabs/viva/pkg/provider/stt"
	"github.com/candorlabs/viva/pkg/provider/tts"
)

func TestRegistryCreate(t *testing.T) {
	r := NewRegistry()

	var gotEntry ProviderEntry
	r.RegisterSTT("mock", func(e ProviderEntry) (stt.Provider, error) {
		gotEntry = e
		return &sttmock.Provider{}, nil
	})
	r.RegisterTTS("mock", func(ProviderEntry) (tts.Provider, error) {
		return &ttsmock.Provider{}, nil
	})

	entry := ProviderEntry{Name: "mock", APIKey: "key", Model: "nova-2"}
	p, err := r.CreateSTT(entry)
	if err != nil {
		t.Fatalf("CreateSTT: %v", err)
	}
	if p == nil {
		t.Fatal("CreateSTT returned nil provider")
	}
	if gotEntry.Model != "nova-2" {
		t.Errorf("factory entry model = %q, want nova-2", gotEntry.Model)
	}

	if _, err := r.CreateTTS(ProviderEntry{Name: "mock"}); err != nil {
		t.Fatalf("CreateTTS: %v", err)
	}
}

func TestRegistryNotRegistered(t *testing.T) {
	r := NewRegistry()

	if _, err := r.CreateSTT(ProviderEntry{Name: "deepgram"}); !errors.Is(err, ErrProviderNotRegistered) {
		t.Errorf("CreateSTT error = %v, want ErrProviderNotRegistered", err)
	}
	if _, err := r.CreateTTS(ProviderEntry{Name: "openai"}); !errors.Is(err, ErrProviderNotRegistered) {
		t.Errorf("CreateTTS error = %v, want ErrProviderNotRegistered", err)
	}
}
