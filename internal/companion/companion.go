// Package companion pushes region colors to an embedded 3D viewer.
package companion

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/ephys-atlas/server/internal/data/atlas"
)

const (
	// DefaultTarget is the object receiving the messages in the 3D scene.
	DefaultTarget = "main"

	MethodSetColor      = "SetColor"
	MethodSetVisibility = "SetVisibility"
)

// Viewer receives messages addressed to objects of the 3D scene.
type Viewer interface {
	SendMessage(target, method, message string) error
}

// Message is one call made on a Viewer.
type Message struct {
	Target  string `json:"target"`
	Method  string `json:"method"`
	Message string `json:"message"`
}

// Controller translates region colors into viewer messages.
type Controller struct {
	viewer Viewer
	target string
}

// NewController creates a controller sending to DefaultTarget.
func NewController(v Viewer) *Controller {
	return &Controller{viewer: v, target: DefaultTarget}
}

// SetColors sends one "acronym:hex" message per colored acronym, in index
// order. Both hemispheres share acronyms in the 3D scene, so the left
// region's color is sent when one exists. Regions without an acronym are
// skipped. It returns the number of messages sent.
func (c *Controller) SetColors(regions atlas.RegionCatalog, colors map[int]string) (int, error) {
	chosen := make(map[string]int)
	for _, idx := range regions.Indices() {
		if _, ok := colors[idx]; !ok {
			continue
		}
		r := regions[idx]
		if r.Acronym == "" {
			continue
		}
		if prev, seen := chosen[r.Acronym]; !seen || (!regions[prev].IsLeft() && r.IsLeft()) {
			chosen[r.Acronym] = idx
		}
	}

	var errs []error
	sent := 0
	for _, idx := range regions.Indices() {
		acronym := regions[idx].Acronym
		if pick, ok := chosen[acronym]; !ok || pick != idx {
			continue
		}
		if err := c.viewer.SendMessage(c.target, MethodSetColor, acronym+":"+colors[idx]); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", acronym, err))
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

// SetVisibility shows or hides regions by acronym.
func (c *Controller) SetVisibility(acronyms []string, visible bool) error {
	var errs []error
	for _, acronym := range acronyms {
		msg := fmt.Sprintf("%s:%t", acronym, visible)
		if err := c.viewer.SendMessage(c.target, MethodSetVisibility, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder is a Viewer keeping every message.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

func (r *Recorder) SendMessage(target, method, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, Message{Target: target, Method: method, Message: message})
	return nil
}

// Messages returns a copy of the recorded messages.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// Reset forgets the recorded messages.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = nil
}

// LogViewer is used when no 3D viewer is attached.
type LogViewer struct {
	Verbose bool
}

func (l LogViewer) SendMessage(target, method, message string) error {
	if l.Verbose {
		log.Printf("[Companion] %s.%s(%s)", target, method, message)
	}
	return nil
}

// Sender publishes named events, such as the relay client.
type Sender interface {
	Send(name string, ev any) bool
}

// ErrNotDelivered is returned by RelayViewer when the message was dropped.
var ErrNotDelivered = errors.New("companion message not delivered")

// RelayViewer forwards viewer messages as "companion" events.
type RelayViewer struct {
	Sender Sender
}

func (v RelayViewer) SendMessage(target, method, message string) error {
	if !v.Sender.Send("companion", Message{Target: target, Method: method, Message: message}) {
		return ErrNotDelivered
	}
	return nil
}
