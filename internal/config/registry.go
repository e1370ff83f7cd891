package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/storyloom/pkg/provider/llm"
	"github.com/MrWong99/storyloom/pkg/provider/media"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider from its configuration entry.
type Factory[T any] func(ProviderEntry) (T, error)

// Registry maps provider names to their constructor functions for each
// provider kind. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	director map[string]Factory[llm.Provider]
	image    map[string]Factory[media.ImageGenerator]
	speech   map[string]Factory[media.SpeechGenerator]
	video    map[string]Factory[media.VideoGenerator]
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		director: make(map[string]Factory[llm.Provider]),
		image:    make(map[string]Factory[media.ImageGenerator]),
		speech:   make(map[string]Factory[media.SpeechGenerator]),
		video:    make(map[string]Factory[media.VideoGenerator]),
	}
}

// RegisterDirector registers an LLM factory for the director under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterDirector(name string, factory Factory[llm.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.director[name] = factory
}

// RegisterImage registers an image generator factory under name.
func (r *Registry) RegisterImage(name string, factory Factory[media.ImageGenerator]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.image[name] = factory
}

// RegisterSpeech registers a speech generator factory under name.
func (r *Registry) RegisterSpeech(name string, factory Factory[media.SpeechGenerator]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.speech[name] = factory
}

// RegisterVideo registers a video generator factory under name.
func (r *Registry) RegisterVideo(name string, factory Factory[media.VideoGenerator]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.video[name] = factory
}

// CreateDirector instantiates the director LLM registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateDirector(entry ProviderEntry) (llm.Provider, error) {
	return create(r, r.director, "director", entry)
}

// CreateImage instantiates the image generator registered under entry.Name.
func (r *Registry) CreateImage(entry ProviderEntry) (media.ImageGenerator, error) {
	return create(r, r.image, "image", entry)
}

// CreateSpeech instantiates the speech generator registered under entry.Name.
func (r *Registry) CreateSpeech(entry ProviderEntry) (media.SpeechGenerator, error) {
	return create(r, r.speech, "speech", entry)
}

// CreateVideo instantiates the video generator registered under entry.Name.
func (r *Registry) CreateVideo(entry ProviderEntry) (media.VideoGenerator, error) {
	return create(r, r.video, "video", entry)
}

func create[T any](r *Registry, factories map[string]Factory[T], kind string, entry ProviderEntry) (T, error) {
	r.mu.RLock()
	factory, ok := factories[entry.Name]
	r.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, kind, entry.Name)
	}
	return factory(entry)
}
