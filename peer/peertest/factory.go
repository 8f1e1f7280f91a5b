package peertest

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"meshcall/peer"
)

// Factory creates Fakes and remembers them in creation order.
type Factory struct {
	Label string

	// AutoConnect makes created fakes report checking and connected once
	// an offer/answer exchange completes.
	AutoConnect bool

	mu      sync.Mutex
	created []*Fake
	configs []webrtc.Configuration
	err     error
}

// NewFactory returns a Factory whose fakes are labelled with label.
func NewFactory(label string) *Factory {
	return &Factory{Label: label}
}

// New creates a Fake.
func (f *Factory) New(config webrtc.Configuration, h peer.Handlers) (peer.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		err := f.err
		f.err = nil
		return nil, err
	}
	fake := NewFake(fmt.Sprintf("%s#%d", f.Label, len(f.created)+1), h)
	fake.autoConnect = f.AutoConnect
	f.created = append(f.created, fake)
	f.configs = append(f.configs, config)
	return fake, nil
}

// FailNext makes the next New call return err.
func (f *Factory) FailNext(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Created returns all fakes in creation order.
func (f *Factory) Created() []*Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Fake(nil), f.created...)
}

// Last returns the most recently created fake, or nil.
func (f *Factory) Last() *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

// Configs returns the configurations passed to New.
func (f *Factory) Configs() []webrtc.Configuration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]webrtc.Configuration(nil), f.configs...)
}
